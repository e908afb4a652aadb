package inbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"car.autorunner.dev/flows"
	"car.autorunner.dev/tickets"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inboxFixture struct {
	repoRoot  string
	store     *flows.Store
	projector *Projector
}

func newInboxFixture(t *testing.T) *inboxFixture {
	t.Helper()
	repoRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repoRoot, config.DotDir), 0o755))
	store, err := flows.OpenStore(filepath.Join(repoRoot, config.DotDir, "flows.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &inboxFixture{repoRoot: repoRoot, store: store, projector: NewProjector(nil)}
}

func (f *inboxFixture) source() []RepoSource {
	return []RepoSource{{RepoID: "r1", RepoRoot: f.repoRoot, Store: f.store}}
}

func (f *inboxFixture) createRun(t *testing.T, status flows.RunStatus) *flows.RunRecord {
	t.Helper()
	record, err := f.store.CreateRun(uuid.NewString(), tickets.FlowType,
		map[string]any{"workspace_root": f.repoRoot, "runs_dir": config.DotDir + "/runs"},
		nil, map[string]any{}, tickets.StepRunOneTurn)
	require.NoError(t, err)
	if status != flows.StatusPending {
		record, err = f.store.UpdateStatus(record.ID, status, flows.StatusUpdate{})
		require.NoError(t, err)
	}
	return record
}

func (f *inboxFixture) archiveDispatch(t *testing.T, runID string, mode tickets.DispatchMode, title, body string) tickets.RunPaths {
	t.Helper()
	paths := tickets.ResolveRunPaths(f.repoRoot, config.DotDir+"/runs", runID)
	require.NoError(t, paths.EnsureRunDirs())
	content := tickets.RenderDispatch(mode, title, body, nil)
	require.NoError(t, common.AtomicWrite(paths.DispatchPath, []byte(content)))
	_, err := tickets.ArchiveDispatch(paths, tickets.LatestSeq(paths.DispatchHistoryDir)+1)
	require.NoError(t, err)
	return paths
}

func TestProjector_PendingPauseDispatchSurfaces(t *testing.T) {
	fixture := newInboxFixture(t)
	record := fixture.createRun(t, flows.StatusPaused)
	fixture.archiveDispatch(t, record.ID, tickets.ModePause, "need credentials", "please provide a token")

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemRunDispatch, items[0].ItemType)
	assert.Equal(t, "need credentials", items[0].Title)
	assert.Equal(t, 1, items[0].DispatchSeq)
	assert.False(t, items[0].Replied)
}

func TestProjector_RepliedDispatchBecomesStateAttention(t *testing.T) {
	fixture := newInboxFixture(t)
	record := fixture.createRun(t, flows.StatusPaused)
	paths := fixture.archiveDispatch(t, record.ID, tickets.ModePause, "need credentials", "token?")
	_, err := tickets.WriteReply(paths, 0, "use ABC")
	require.NoError(t, err)

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemRunStateAttention, items[0].ItemType)
	assert.True(t, items[0].Replied)
}

func TestProjector_FailedRunSurfacesAsRunFailed(t *testing.T) {
	fixture := newInboxFixture(t)
	errMsg := "worker crashed"
	record := fixture.createRun(t, flows.StatusRunning)
	_, err := fixture.store.UpdateStatus(record.ID, flows.StatusFailed, flows.StatusUpdate{ErrorMessage: &errMsg})
	require.NoError(t, err)

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemRunFailed, items[0].ItemType)
	assert.Contains(t, items[0].Preview, "worker crashed")
}

func TestProjector_CompletedRunsExcluded(t *testing.T) {
	fixture := newInboxFixture(t)
	fixture.createRun(t, flows.StatusCompleted)

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProjector_TurnSummaryAloneIsNotADispatchItem(t *testing.T) {
	fixture := newInboxFixture(t)
	record := fixture.createRun(t, flows.StatusStopped)
	fixture.archiveDispatch(t, record.ID, tickets.ModeTurnSummary, "", "Done")

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ItemRunStopped, items[0].ItemType)
}

func TestProjector_PauseDispatchPreferredOverNewerSummary(t *testing.T) {
	fixture := newInboxFixture(t)
	record := fixture.createRun(t, flows.StatusPaused)
	fixture.archiveDispatch(t, record.ID, tickets.ModePause, "blocked", "waiting for input")
	fixture.archiveDispatch(t, record.ID, tickets.ModeTurnSummary, "", "progress summary")

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "pause", items[0].DispatchMode)
	assert.Equal(t, 1, items[0].DispatchSeq)
}

func TestProjector_DismissalsHideItems(t *testing.T) {
	fixture := newInboxFixture(t)
	record := fixture.createRun(t, flows.StatusPaused)
	fixture.archiveDispatch(t, record.ID, tickets.ModePause, "blocked", "x")

	require.NoError(t, NewDismissalStore(fixture.repoRoot).Record(Dismissal{
		RunID: record.ID, ItemType: ItemRunDispatch, Seq: 1, Reason: "handled in chat",
	}))

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	assert.Empty(t, items)

	// A newer dispatch resurfaces the run.
	fixture.archiveDispatch(t, record.ID, tickets.ModePause, "blocked again", "y")
	items, err = fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].DispatchSeq)
}

func TestProjector_NewestRunsFirst(t *testing.T) {
	fixture := newInboxFixture(t)
	older := fixture.createRun(t, flows.StatusPaused)
	time.Sleep(5 * time.Millisecond)
	newer := fixture.createRun(t, flows.StatusPaused)

	items, err := fixture.projector.Project(fixture.source())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, newer.ID, items[0].RunID)
	assert.Equal(t, older.ID, items[1].RunID)
}
