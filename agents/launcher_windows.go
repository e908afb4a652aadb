//go:build windows

package agents

import (
	"os/exec"
	"syscall"
)

func newSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// processGroup reports 0 on Windows; termination falls back to pid-only.
func processGroup(int) int { return 0 }
