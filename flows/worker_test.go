package flows

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerMetadataLifecycle(t *testing.T) {
	repoRoot := t.TempDir()
	runID := uuid.NewString()

	require.NoError(t, WriteWorkerInfo(repoRoot, runID, repoRoot))

	// Our own pid is alive; the cmdline does not contain the run id, but on
	// platforms without procfs the check degrades to alive, so only the dead
	// path is asserted strictly below.
	health := CheckWorkerHealth(repoRoot, runID)
	assert.Contains(t, []WorkerStatus{WorkerAlive, WorkerMismatch}, health.Status)
	assert.Equal(t, os.Getpid(), health.PID)

	require.NoError(t, ClearWorkerMetadata(repoRoot, runID))
	health = CheckWorkerHealth(repoRoot, runID)
	assert.Equal(t, WorkerAbsent, health.Status)
}

func TestWorkerHealthDeadPid(t *testing.T) {
	repoRoot := t.TempDir()
	runID := uuid.NewString()

	info := []byte(`{"pid": 99999999, "started_at": "2026-01-01T00:00:00Z", "workspace_root": "/w"}`)
	path := filepath.Join(FlowDir(repoRoot, runID), "worker.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, info, 0o644))

	require.NoError(t, WriteWorkerExit(repoRoot, runID, 137, "SIGKILL"))

	health := CheckWorkerHealth(repoRoot, runID)
	assert.Equal(t, WorkerDead, health.Status)
	require.NotNil(t, health.ExitCode)
	assert.Equal(t, 137, *health.ExitCode)
}

func TestWorkerHealthInvalidMetadata(t *testing.T) {
	repoRoot := t.TempDir()
	runID := uuid.NewString()

	path := filepath.Join(FlowDir(repoRoot, runID), "worker.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	health := CheckWorkerHealth(repoRoot, runID)
	assert.Equal(t, WorkerInvalid, health.Status)
}

func TestWorkerCrashRoundTrip(t *testing.T) {
	repoRoot := t.TempDir()
	runID := uuid.NewString()
	code := 1

	require.NoError(t, WriteWorkerCrash(repoRoot, runID, WorkerCrashInfo{
		Exception: "agent connection refused",
		ExitCode:  &code,
		LastEvent: "turn/part",
	}))

	crash := ReadWorkerCrash(repoRoot, runID)
	require.NotNil(t, crash)
	assert.Equal(t, "agent connection refused", crash.Exception)
	assert.NotEmpty(t, crash.Timestamp)
	require.NotNil(t, crash.ExitCode)
	assert.Equal(t, 1, *crash.ExitCode)
}
