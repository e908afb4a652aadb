package inbox

import (
	"testing"

	"car.autorunner.dev/flows"
	"car.autorunner.dev/tickets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestPausedDispatch_NoPausedRuns(t *testing.T) {
	fixture := newInboxFixture(t)
	fixture.createRun(t, flows.StatusRunning)

	snapshot, err := LatestPausedDispatch(fixture.store, fixture.repoRoot)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestLatestPausedDispatch_WithArchivedDispatch(t *testing.T) {
	fixture := newInboxFixture(t)
	record := fixture.createRun(t, flows.StatusPaused)
	fixture.archiveDispatch(t, record.ID, tickets.ModePause, "need credentials", "please provide a token")

	snapshot, err := LatestPausedDispatch(fixture.store, fixture.repoRoot)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, record.ID, snapshot.RunID)
	assert.Equal(t, "0001", snapshot.DispatchSeq)
	assert.Contains(t, snapshot.Markdown, "need credentials")
	assert.NotEmpty(t, snapshot.DispatchDir)
}

func TestLatestPausedDispatch_FallsBackToReason(t *testing.T) {
	fixture := newInboxFixture(t)
	errMsg := "Reason: waiting on operator"
	record := fixture.createRun(t, flows.StatusRunning)
	_, err := fixture.store.UpdateStatus(record.ID, flows.StatusPaused, flows.StatusUpdate{ErrorMessage: &errMsg})
	require.NoError(t, err)

	snapshot, err := LatestPausedDispatch(fixture.store, fixture.repoRoot)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "paused", snapshot.DispatchSeq)
	assert.Equal(t, "Reason: waiting on operator", snapshot.Markdown)
}
