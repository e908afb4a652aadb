package flows

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "flows.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestRun(t *testing.T, store *Store) *RunRecord {
	t.Helper()
	record, err := store.CreateRun(uuid.NewString(), "ticket_flow",
		map[string]any{"workspace_root": "/w", "runs_dir": ".codex-autorunner/runs"},
		map[string]any{"repo_id": "r1"},
		map[string]any{"ticket_engine": map[string]any{"total_turns": float64(0)}},
		"run_one_turn",
	)
	require.NoError(t, err)
	return record
}

func TestStore_CreateRunRoundTrip(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	loaded, err := store.GetRun(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "run_one_turn", loaded.CurrentStep)
	assert.Equal(t, "/w", loaded.InputData["workspace_root"])
	assert.Equal(t, "r1", loaded.Metadata["repo_id"])
	engine, ok := loaded.State["ticket_engine"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), engine["total_turns"])
	assert.False(t, loaded.CreatedAt.IsZero())
	assert.Nil(t, loaded.StartedAt)
	assert.Nil(t, loaded.FinishedAt)
	assert.False(t, loaded.StopRequested)
}

func TestStore_CreateRunDuplicate(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	_, err := store.CreateRun(record.ID, "ticket_flow", nil, nil, nil, "run_one_turn")
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestStore_GetRunMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(uuid.NewString())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStore_EventSeqIsDense(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	for i := 0; i < 5; i++ {
		event, err := store.CreateEvent(uuid.NewString(), record.ID, EventAppServerEvent, map[string]any{"i": i})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), event.Seq)
	}

	events, err := store.GetEvents(record.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, event := range events {
		assert.Equal(t, int64(i+1), event.Seq)
		if i > 0 {
			assert.False(t, event.CreatedAt.Before(events[i-1].CreatedAt))
		}
	}
}

func TestStore_GetEventsAfterSeq(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)
	for i := 0; i < 4; i++ {
		_, err := store.CreateEvent(uuid.NewString(), record.ID, EventStepStarted, nil)
		require.NoError(t, err)
	}

	events, err := store.GetEvents(record.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(4), events[1].Seq)
}

func TestStore_GetLastEventMeta(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	seq, createdAt, err := store.GetLastEventMeta(record.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
	assert.Nil(t, createdAt)

	_, err = store.CreateEvent(uuid.NewString(), record.ID, EventFlowStarted, nil)
	require.NoError(t, err)
	_, err = store.CreateEvent(uuid.NewString(), record.ID, EventStepStarted, nil)
	require.NoError(t, err)

	seq, createdAt, err = store.GetLastEventMeta(record.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)
	require.NotNil(t, createdAt)
}

func TestStore_GetLastEventByType(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)
	_, err := store.CreateEvent(uuid.NewString(), record.ID, EventAppServerEvent, map[string]any{"n": float64(1)})
	require.NoError(t, err)
	_, err = store.CreateEvent(uuid.NewString(), record.ID, EventStepStarted, nil)
	require.NoError(t, err)
	_, err = store.CreateEvent(uuid.NewString(), record.ID, EventAppServerEvent, map[string]any{"n": float64(2)})
	require.NoError(t, err)

	event, err := store.GetLastEventByType(record.ID, EventAppServerEvent)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, float64(2), event.Data["n"])

	missing, err := store.GetLastEventByType(record.ID, EventFlowFailed)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_UpdateStatusStampsFinishedAt(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	updated, err := store.UpdateStatus(record.ID, StatusCompleted, StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	require.NotNil(t, updated.FinishedAt)
}

func TestStore_TerminalTransitionsAreIdempotent(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	failed, err := store.UpdateStatus(record.ID, StatusFailed, StatusUpdate{ErrorMessage: strPtr("boom")})
	require.NoError(t, err)
	require.NotNil(t, failed.FinishedAt)

	again, err := store.UpdateStatus(record.ID, StatusCompleted, StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, again.Status)
	assert.Equal(t, "boom", again.ErrorMessage)
	assert.Equal(t, failed.FinishedAt.Unix(), again.FinishedAt.Unix())
}

func TestStore_UpdateStatusPreservesUnsetColumns(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	_, err := store.UpdateStatus(record.ID, StatusRunning, StatusUpdate{
		State: map[string]any{"marker": "x"}, HasState: true, ErrorMessage: strPtr("warn"),
	})
	require.NoError(t, err)

	// Neither state nor error message provided: both must survive.
	updated, err := store.UpdateStatus(record.ID, StatusPaused, StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "x", updated.State["marker"])
	assert.Equal(t, "warn", updated.ErrorMessage)

	// Explicit clear nulls the message.
	cleared, err := store.UpdateStatus(record.ID, StatusPaused, StatusUpdate{ClearErrorMessage: true})
	require.NoError(t, err)
	assert.Empty(t, cleared.ErrorMessage)
}

func TestStore_ResumeFromTerminalClearsFinishedAt(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	stopped, err := store.UpdateStatus(record.ID, StatusStopped, StatusUpdate{})
	require.NoError(t, err)
	require.NotNil(t, stopped.FinishedAt)

	resumed, err := store.UpdateStatus(record.ID, StatusRunning, StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, resumed.Status)
	assert.Nil(t, resumed.FinishedAt)
}

func TestStore_SetStopRequestedIdempotent(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)

	first, err := store.SetStopRequested(record.ID, true)
	require.NoError(t, err)
	assert.True(t, first.StopRequested)

	second, err := store.SetStopRequested(record.ID, true)
	require.NoError(t, err)
	assert.True(t, second.StopRequested)
	assert.Equal(t, first.Status, second.Status)
}

func TestStore_DeleteRunCascades(t *testing.T) {
	store := newTestStore(t)
	record := createTestRun(t, store)
	_, err := store.CreateEvent(uuid.NewString(), record.ID, EventFlowStarted, nil)
	require.NoError(t, err)
	_, err = store.CreateArtifact(uuid.NewString(), record.ID, "worker_crash", "crash.json", nil)
	require.NoError(t, err)

	deleted, err := store.DeleteRun(record.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	events, err := store.GetEvents(record.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	artifacts, err := store.GetArtifacts(record.ID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestStore_ListRunsFilters(t *testing.T) {
	store := newTestStore(t)
	a := createTestRun(t, store)
	b := createTestRun(t, store)
	_, err := store.UpdateStatus(b.ID, StatusPaused, StatusUpdate{})
	require.NoError(t, err)

	paused, err := store.ListRuns("ticket_flow", StatusPaused)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, b.ID, paused[0].ID)

	all, err := store.ListRuns("ticket_flow", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := store.ListRuns("other_flow", "")
	require.NoError(t, err)
	assert.Empty(t, other)

	_ = a
}

func strPtr(s string) *string { return &s }
