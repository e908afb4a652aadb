//go:build !windows

package flows

import (
	"os/exec"
	"syscall"
)

// detachWorker puts the worker in its own session so hub restarts and
// terminal signals never reach in-flight runs.
func detachWorker(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
