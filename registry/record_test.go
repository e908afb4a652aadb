package registry

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "process-registry"))
}

func TestRegistry_WriteReadDelete(t *testing.T) {
	reg := newTestRegistry(t)

	record := ProcessRecord{
		Kind:        "opencode",
		WorkspaceID: "abc123",
		PID:         4242,
		PGID:        4242,
		BaseURL:     "http://127.0.0.1:9911",
		Command:     []string{"opencode", "serve"},
		OwnerPID:    os.Getpid(),
	}
	require.NoError(t, reg.Write(record))

	byWorkspace, err := reg.Read("opencode", "abc123")
	require.NoError(t, err)
	require.NotNil(t, byWorkspace)
	assert.Equal(t, 4242, byWorkspace.PID)
	assert.Equal(t, "http://127.0.0.1:9911", byWorkspace.BaseURL)
	assert.NotEmpty(t, byWorkspace.StartedAt)

	byPID, err := reg.Read("opencode", strconv.Itoa(4242))
	require.NoError(t, err)
	require.NotNil(t, byPID)
	assert.Equal(t, "abc123", byPID.WorkspaceID)

	require.NoError(t, reg.Delete("opencode", "abc123"))
	gone, err := reg.Read("opencode", "abc123")
	require.NoError(t, err)
	assert.Nil(t, gone)
	gone, err = reg.Read("opencode", strconv.Itoa(4242))
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRegistry_ReadMissingReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)
	record, err := reg.Read("opencode", "nothing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestRegistry_ListCollapsesPidDuplicates(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Write(ProcessRecord{
		Kind: "opencode", WorkspaceID: "ws1", PID: 111, OwnerPID: os.Getpid(),
	}))
	require.NoError(t, reg.Write(ProcessRecord{
		Kind: "opencode", WorkspaceID: "ws2", PID: 222, OwnerPID: os.Getpid(),
	}))

	records, err := reg.List("opencode")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRegistry_ReapRemovesDeadPids(t *testing.T) {
	reg := newTestRegistry(t)

	// A pid far above pid_max on any sane test host.
	require.NoError(t, reg.Write(ProcessRecord{
		Kind: "opencode", WorkspaceID: "dead", PID: 99999999, OwnerPID: os.Getpid(),
	}))
	// Our own pid is definitely alive and owned by a live process.
	require.NoError(t, reg.Write(ProcessRecord{
		Kind: "opencode", WorkspaceID: "alive", PID: os.Getpid(), OwnerPID: os.Getpid(),
	}))

	removed, err := reg.Reap("opencode", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	record, err := reg.Read("opencode", "alive")
	require.NoError(t, err)
	assert.NotNil(t, record)
	record, err = reg.Read("opencode", "dead")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestPIDRunning(t *testing.T) {
	assert.True(t, PIDRunning(os.Getpid()))
	assert.False(t, PIDRunning(99999999))
	assert.False(t, PIDRunning(0))
	assert.False(t, PIDRunning(-1))
}
