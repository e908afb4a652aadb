package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRepoConfig(t *testing.T) {
	cfg := DefaultRepoConfig()
	assert.False(t, cfg.DurableWrites)
	assert.Equal(t, DotDir+"/runs", filepath.ToSlash(cfg.RunsDir))
	assert.Equal(t, 25, cfg.Tickets.MaxTotalTurns)
	assert.True(t, cfg.Tickets.AutoCommit)
	assert.Contains(t, cfg.Agents, "opencode")
	assert.Contains(t, cfg.Agents, "codex")
	assert.Equal(t, 20*time.Second, cfg.Agents["opencode"].StartupTimeout)
}

func TestLoadRepoConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadRepoConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultRepoConfig().Tickets.MaxTotalTurns, cfg.Tickets.MaxTotalTurns)
}

func TestLoadRepoConfig_FileOverridesDefaults(t *testing.T) {
	repoRoot := t.TempDir()
	dir := filepath.Join(repoRoot, DotDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "durable_writes: true\ntickets:\n  max_total_turns: 7\n  auto_commit: false\n  checkpoint_message_template: \"checkpoint {run_id}\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := LoadRepoConfig(repoRoot)
	require.NoError(t, err)
	assert.True(t, cfg.DurableWrites)
	assert.Equal(t, 7, cfg.Tickets.MaxTotalTurns)
	assert.False(t, cfg.Tickets.AutoCommit)
}

func TestLoadRepoConfig_InvalidValuesRejected(t *testing.T) {
	repoRoot := t.TempDir()
	dir := filepath.Join(repoRoot, DotDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("tickets:\n  max_total_turns: 0\n"), 0o644))

	_, err := LoadRepoConfig(repoRoot)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestManifest_LoadAndResolve(t *testing.T) {
	hubRoot := t.TempDir()
	dir := filepath.Join(hubRoot, DotDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(hubRoot, "repo-a"), 0o755))
	content := "repos:\n  - id: repo-a\n    path: repo-a\n  - id: repo-b\n    path: /srv/repo-b\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFilename), []byte(content), 0o644))

	manifest, err := LoadManifest(hubRoot)
	require.NoError(t, err)
	require.Len(t, manifest.Repos, 2)

	entry, ok := manifest.GetByID("repo-a")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(hubRoot, "repo-a"), manifest.RepoRoot(entry))

	byPath, ok := manifest.GetByPath(filepath.Join(hubRoot, "repo-a"))
	require.True(t, ok)
	assert.Equal(t, "repo-a", byPath.ID)

	_, ok = manifest.GetByID("missing")
	assert.False(t, ok)

	assert.Equal(t, "repo-a", ResolveRepoID(hubRoot, filepath.Join(hubRoot, "repo-a")))
	assert.Equal(t, "", ResolveRepoID(hubRoot, t.TempDir()))
}

func TestManifest_DuplicateIDRejected(t *testing.T) {
	hubRoot := t.TempDir()
	dir := filepath.Join(hubRoot, DotDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "repos:\n  - id: x\n    path: a\n  - id: x\n    path: b\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFilename), []byte(content), 0o644))

	_, err := LoadManifest(hubRoot)
	assert.Error(t, err)
}

func TestFindHubRoot(t *testing.T) {
	hubRoot := t.TempDir()
	nested := filepath.Join(hubRoot, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(hubRoot, DotDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hubRoot, DotDir, ManifestFilename), []byte("repos: []\n"), 0o644))

	assert.Equal(t, hubRoot, FindHubRoot(nested))
	assert.Equal(t, "", FindHubRoot(t.TempDir()))
}
