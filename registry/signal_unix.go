//go:build !windows

package registry

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
)

func groupsSupported() bool { return true }

func signalPID(pid int, sig unix.Signal, log *logrus.Entry) bool {
	err := unix.Kill(pid, sig)
	return interpretSignalErr(err, "pid", pid, log)
}

func signalGroup(pgid int, sig unix.Signal, log *logrus.Entry) bool {
	err := unix.Kill(-pgid, sig)
	return interpretSignalErr(err, "pgid", pgid, log)
}

func interpretSignalErr(err error, target string, id int, log *logrus.Entry) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, unix.ESRCH):
		// Already gone.
		return true
	case errors.Is(err, unix.EPERM):
		if log != nil {
			log.WithFields(logrus.Fields{"target": target, "id": id}).
				Warn("permission denied sending signal")
		}
		return false
	default:
		return true
	}
}

func pidRunning(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the pid exists but belongs to another user.
	return errors.Is(err, unix.EPERM)
}
