package agents

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// LaunchedProcess is a started agent subprocess, abstracted so tests can
// substitute fakes for the real exec path.
type LaunchedProcess struct {
	PID    int
	PGID   int
	Stdout io.ReadCloser
	// Kill force-terminates the process immediately (startup failures).
	Kill func()
	// Wait reaps the process once its output is drained. May be nil.
	Wait func() error
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Launch(workspaceRoot string, command []string, env []string) (*LaunchedProcess, error)
}

// ExecLauncher launches agents via os/exec in a new session, so the whole
// process group can be terminated together.
type ExecLauncher struct{}

// Launch starts the agent with cwd at the workspace root and a stdout pipe
// for the listening-URL handshake.
func (ExecLauncher) Launch(workspaceRoot string, command []string, env []string) (*LaunchedProcess, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command is empty")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workspaceRoot
	cmd.Env = append(os.Environ(), env...)
	newSession(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %q: %w", command[0], err)
	}
	pid := cmd.Process.Pid
	return &LaunchedProcess{
		PID:    pid,
		PGID:   processGroup(pid),
		Stdout: stdout,
		Kill:   func() { _ = cmd.Process.Kill() },
		Wait:   cmd.Wait,
	}, nil
}
