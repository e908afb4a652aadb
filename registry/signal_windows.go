//go:build windows

package registry

import (
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
)

type killSignal int

const (
	sigTerm killSignal = iota
	sigKill
)

func groupsSupported() bool { return false }

func signalPID(pid int, _ killSignal, log *logrus.Entry) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	if err := proc.Kill(); err != nil {
		if log != nil {
			log.WithField("pid", pid).WithError(err).Debug("TerminateProcess failed")
		}
	}
	return true
}

func signalGroup(pgid int, sig killSignal, log *logrus.Entry) bool {
	return signalPID(pgid, sig, log)
}

func pidRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
