package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunIndex(t *testing.T) *RunIndex {
	t.Helper()
	index, err := OpenRunIndex(filepath.Join(t.TempDir(), "run_index.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	return index
}

func TestRunIndex_UpsertAndGet(t *testing.T) {
	index := newTestRunIndex(t)
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, index.Upsert(RunIndexEntry{
		RunID:     "run-1",
		FlowType:  "ticket_flow",
		Status:    "running",
		LastSeq:   3,
		StartedAt: &started,
	}))

	entry, err := index.Get("run-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.LastSeq)
	assert.Equal(t, "running", entry.Status)
	assert.False(t, entry.UpdatedAt.IsZero())

	// Upsert replaces the row.
	require.NoError(t, index.Upsert(RunIndexEntry{
		RunID: "run-1", FlowType: "ticket_flow", Status: "completed", LastSeq: 9, StartedAt: &started,
	}))
	entry, err = index.Get("run-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", entry.Status)
	assert.Equal(t, int64(9), entry.LastSeq)
}

func TestRunIndex_GetMissingIsNil(t *testing.T) {
	index := newTestRunIndex(t)
	entry, err := index.Get("nothing")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRunIndex_ListOrdersByStartDescending(t *testing.T) {
	index := newTestRunIndex(t)
	early := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)

	require.NoError(t, index.Upsert(RunIndexEntry{RunID: "a", FlowType: "ticket_flow", Status: "completed", StartedAt: &early}))
	require.NoError(t, index.Upsert(RunIndexEntry{RunID: "b", FlowType: "ticket_flow", Status: "running", StartedAt: &late}))

	entries, err := index.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].RunID)

	limited, err := index.List(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRunIndex_Delete(t *testing.T) {
	index := newTestRunIndex(t)
	require.NoError(t, index.Upsert(RunIndexEntry{RunID: "gone", FlowType: "ticket_flow", Status: "failed"}))
	require.NoError(t, index.Delete("gone"))
	entry, err := index.Get("gone")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, index.Delete("gone"))
}
