package tickets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunPaths(t *testing.T) RunPaths {
	t.Helper()
	paths := ResolveRunPaths(t.TempDir(), ".codex-autorunner/runs", "11111111-1111-1111-1111-111111111111")
	require.NoError(t, paths.EnsureRunDirs())
	return paths
}

func writeDispatch(t *testing.T, paths RunPaths, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(paths.DispatchPath, []byte(content), 0o644))
}

func TestArchiveDispatch_MovesMessageAndAttachments(t *testing.T) {
	paths := newTestRunPaths(t)
	writeDispatch(t, paths, "---\nmode: turn_summary\n---\n\nDone\n")
	require.NoError(t, os.WriteFile(filepath.Join(paths.DispatchDir, "patch.diff"), []byte("+x"), 0o644))

	dispatch, err := ArchiveDispatch(paths, 1)
	require.NoError(t, err)
	require.NotNil(t, dispatch)
	assert.Equal(t, 1, dispatch.Seq)
	assert.Equal(t, ModeTurnSummary, dispatch.Message.Mode)
	assert.Equal(t, "Done\n", dispatch.Message.Body)

	archivedMsg := filepath.Join(paths.DispatchHistoryDir, "0001", DispatchFilename)
	assert.FileExists(t, archivedMsg)
	assert.FileExists(t, filepath.Join(paths.DispatchHistoryDir, "0001", "patch.diff"))

	// Outbox is cleared.
	assert.NoFileExists(t, paths.DispatchPath)
	entries, err := os.ReadDir(paths.DispatchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiveDispatch_NoMessageIsNoop(t *testing.T) {
	paths := newTestRunPaths(t)
	dispatch, err := ArchiveDispatch(paths, 1)
	require.NoError(t, err)
	assert.Nil(t, dispatch)
}

func TestArchiveDispatch_SeqCollisionRefused(t *testing.T) {
	paths := newTestRunPaths(t)
	writeDispatch(t, paths, "---\nmode: notify\n---\nfirst\n")
	_, err := ArchiveDispatch(paths, 1)
	require.NoError(t, err)

	writeDispatch(t, paths, "---\nmode: notify\n---\nsecond\n")
	_, err = ArchiveDispatch(paths, 1)
	assert.Error(t, err)
}

func TestArchiveDispatch_InvalidFrontmatterSurfaces(t *testing.T) {
	paths := newTestRunPaths(t)
	writeDispatch(t, paths, "---\nmode: bogus\n---\nx\n")
	_, err := ArchiveDispatch(paths, 1)
	assert.Error(t, err)
}

func TestLatestSeq(t *testing.T) {
	paths := newTestRunPaths(t)
	assert.Equal(t, 0, LatestSeq(paths.DispatchHistoryDir))

	require.NoError(t, os.MkdirAll(filepath.Join(paths.DispatchHistoryDir, "0001"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(paths.DispatchHistoryDir, "0007"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(paths.DispatchHistoryDir, ".hidden"), 0o755))
	assert.Equal(t, 7, LatestSeq(paths.DispatchHistoryDir))
}

func TestReplies_WriteAndConsume(t *testing.T) {
	paths := newTestRunPaths(t)

	// A reply needs a dispatch to answer.
	_, err := WriteReply(paths, 0, "use token ABC")
	assert.Error(t, err)

	writeDispatch(t, paths, "---\nmode: pause\ntitle: need credentials\n---\nneed creds\n")
	_, err = ArchiveDispatch(paths, 1)
	require.NoError(t, err)

	reply, err := WriteReply(paths, 0, "use token ABC")
	require.NoError(t, err)
	assert.Equal(t, 1, reply.Seq)

	pending, err := UnconsumedReply(paths, 0)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, "use token ABC", pending.Body)

	consumed, err := UnconsumedReply(paths, 1)
	require.NoError(t, err)
	assert.Nil(t, consumed)
}
