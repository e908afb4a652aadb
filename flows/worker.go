package flows

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"car.autorunner.dev/registry"
	"github.com/google/uuid"
)

// WorkerStatus classifies a worker's liveness.
type WorkerStatus string

const (
	WorkerAbsent   WorkerStatus = "absent"   // no worker.json
	WorkerAlive    WorkerStatus = "alive"    // pid matches and is running
	WorkerDead     WorkerStatus = "dead"     // pid gone without a matching process
	WorkerMismatch WorkerStatus = "mismatch" // pid reused by an unrelated process
	WorkerInvalid  WorkerStatus = "invalid"  // metadata unreadable
)

// WorkerHealth is the result of a health probe.
type WorkerHealth struct {
	Status     WorkerStatus
	PID        int
	ExitCode   *int
	StderrTail string
	CrashInfo  map[string]any
}

// WorkerInfo is the metadata a worker writes at boot.
type WorkerInfo struct {
	PID           int    `json:"pid"`
	StartedAt     string `json:"started_at"`
	WorkspaceRoot string `json:"workspace_root"`
}

// WorkerExitInfo is written by the worker's signal handlers on clean exit.
type WorkerExitInfo struct {
	ExitCode   int    `json:"exit_code"`
	FinishedAt string `json:"finished_at"`
	Signal     string `json:"signal,omitempty"`
}

// WorkerCrashInfo is written when a worker dies with an uncaught error, or
// synthesised by the reconciler for a worker that vanished.
type WorkerCrashInfo struct {
	Timestamp  string `json:"timestamp"`
	LastEvent  string `json:"last_event,omitempty"`
	Exception  string `json:"exception,omitempty"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Signal     string `json:"signal,omitempty"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

// FlowDir returns `<repo>/.codex-autorunner/flows/<run_id>`.
func FlowDir(repoRoot, runID string) string {
	return filepath.Join(repoRoot, config.DotDir, "flows", runID)
}

func workerJSONPath(repoRoot, runID string) string {
	return filepath.Join(FlowDir(repoRoot, runID), "worker.json")
}

func exitJSONPath(repoRoot, runID string) string {
	return filepath.Join(FlowDir(repoRoot, runID), "exit.json")
}

// CrashJSONPath returns the crash artifact path for a run.
func CrashJSONPath(repoRoot, runID string) string {
	return filepath.Join(FlowDir(repoRoot, runID), "crash.json")
}

// ReconcileLockPath returns the per-run reconcile lock path.
func ReconcileLockPath(repoRoot, runID string) string {
	return filepath.Join(FlowDir(repoRoot, runID), "reconcile.lock")
}

// SpawnWorker forks a detached worker process for a run. The worker runs
// `<entrypoint> flow worker --run-id <uuid>` with CWD at the repo root and
// its stdout/stderr appended to the run's log files. The returned pid is
// the worker's; the caller does not wait on it.
func SpawnWorker(repoRoot, runID, entrypoint string) (int, error) {
	normalized, err := uuid.Parse(runID)
	if err != nil {
		return 0, fmt.Errorf("invalid run id %q: %w", runID, err)
	}
	runID = normalized.String()

	if entrypoint == "" {
		entrypoint, err = os.Executable()
		if err != nil {
			return 0, fmt.Errorf("failed to resolve hub executable: %w", err)
		}
	}

	artifactsDir := FlowDir(repoRoot, runID)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	stdout, err := os.OpenFile(filepath.Join(artifactsDir, "worker.out.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open worker stdout log: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(filepath.Join(artifactsDir, "worker.err.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open worker stderr log: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command(entrypoint, "flow", "worker", "--run-id", runID)
	cmd.Dir = repoRoot
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = nil
	detachWorker(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn flow worker: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the worker outlives this process; the reconciler is the
	// authority on its fate.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// WriteWorkerInfo records the worker's own metadata at boot.
func WriteWorkerInfo(repoRoot, runID, workspaceRoot string) error {
	info := WorkerInfo{
		PID:           os.Getpid(),
		StartedAt:     common.FormatTimestamp(common.UTCNow()),
		WorkspaceRoot: workspaceRoot,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}
	return common.AtomicWriteJSON(workerJSONPath(repoRoot, runID), data)
}

// WriteWorkerExit records a clean worker shutdown.
func WriteWorkerExit(repoRoot, runID string, exitCode int, signalName string) error {
	info := WorkerExitInfo{
		ExitCode:   exitCode,
		FinishedAt: common.FormatTimestamp(common.UTCNow()),
		Signal:     signalName,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worker exit info: %w", err)
	}
	return common.AtomicWriteJSON(exitJSONPath(repoRoot, runID), data)
}

// WriteWorkerCrash records an uncaught worker failure.
func WriteWorkerCrash(repoRoot, runID string, crash WorkerCrashInfo) error {
	if crash.Timestamp == "" {
		crash.Timestamp = common.FormatTimestamp(common.UTCNow())
	}
	data, err := json.MarshalIndent(crash, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal worker crash info: %w", err)
	}
	return common.AtomicWriteJSON(CrashJSONPath(repoRoot, runID), data)
}

// ReadWorkerCrash loads crash.json, or nil when absent/unreadable.
func ReadWorkerCrash(repoRoot, runID string) *WorkerCrashInfo {
	raw, err := os.ReadFile(CrashJSONPath(repoRoot, runID))
	if err != nil {
		return nil
	}
	var crash WorkerCrashInfo
	if err := json.Unmarshal(raw, &crash); err != nil {
		return nil
	}
	return &crash
}

// ClearWorkerMetadata removes worker.json once a worker is proven dead so
// later probes report absent instead of dead.
func ClearWorkerMetadata(repoRoot, runID string) error {
	err := os.Remove(workerJSONPath(repoRoot, runID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// stderrTail returns the last chunk of the worker stderr log.
func stderrTail(repoRoot, runID string) string {
	const tailBytes = 4096
	path := filepath.Join(FlowDir(repoRoot, runID), "worker.err.log")
	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()
	stat, err := file.Stat()
	if err != nil {
		return ""
	}
	offset := int64(0)
	if stat.Size() > tailBytes {
		offset = stat.Size() - tailBytes
	}
	buf := make([]byte, stat.Size()-offset)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return ""
	}
	return strings.TrimSpace(string(buf))
}

// CheckWorkerHealth probes the worker attached to a run. A pid that is
// running but whose command line no longer names this run is reported as
// mismatch (pid reuse).
func CheckWorkerHealth(repoRoot, runID string) WorkerHealth {
	raw, err := os.ReadFile(workerJSONPath(repoRoot, runID))
	if os.IsNotExist(err) {
		return WorkerHealth{Status: WorkerAbsent}
	}
	if err != nil {
		return WorkerHealth{Status: WorkerInvalid}
	}
	var info WorkerInfo
	if err := json.Unmarshal(raw, &info); err != nil || info.PID <= 0 {
		return WorkerHealth{Status: WorkerInvalid}
	}

	health := WorkerHealth{PID: info.PID}
	if crash := ReadWorkerCrash(repoRoot, runID); crash != nil {
		health.CrashInfo = map[string]any{
			"timestamp":   crash.Timestamp,
			"last_event":  crash.LastEvent,
			"exception":   crash.Exception,
			"exit_code":   crash.ExitCode,
			"signal":      crash.Signal,
			"stderr_tail": crash.StderrTail,
		}
	}

	if registry.PIDRunning(info.PID) {
		switch workerCmdlineMatches(info.PID, runID) {
		case cmdlineMatch, cmdlineUnknown:
			health.Status = WorkerAlive
		case cmdlineMismatch:
			health.Status = WorkerMismatch
			health.StderrTail = stderrTail(repoRoot, runID)
		}
		return health
	}

	health.Status = WorkerDead
	health.StderrTail = stderrTail(repoRoot, runID)
	if exitRaw, err := os.ReadFile(exitJSONPath(repoRoot, runID)); err == nil {
		var exit WorkerExitInfo
		if json.Unmarshal(exitRaw, &exit) == nil {
			health.ExitCode = &exit.ExitCode
		}
	}
	return health
}

type cmdlineResult int

const (
	cmdlineMatch cmdlineResult = iota
	cmdlineMismatch
	cmdlineUnknown
)

// workerCmdlineMatches checks, where the platform exposes it, whether the
// pid's command line still names this run. Guards against pid reuse.
func workerCmdlineMatches(pid int, runID string) cmdlineResult {
	raw, err := os.ReadFile(filepath.Join("/proc", fmt.Sprintf("%d", pid), "cmdline"))
	if err != nil {
		return cmdlineUnknown
	}
	cmdline := strings.ReplaceAll(string(raw), "\x00", " ")
	if strings.Contains(cmdline, runID) {
		return cmdlineMatch
	}
	return cmdlineMismatch
}
