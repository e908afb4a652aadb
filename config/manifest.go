package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFilename is the hub manifest file listing registered repos.
const ManifestFilename = "manifest.yaml"

// ManifestEntry describes one repo registered with the hub.
type ManifestEntry struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
	Name string `yaml:"name,omitempty"`
}

// Manifest is the hub manifest: the set of repos this hub manages.
type Manifest struct {
	Repos []ManifestEntry `yaml:"repos"`

	hubRoot string
}

// LoadManifest reads and validates the hub manifest.
func LoadManifest(hubRoot string) (*Manifest, error) {
	path := filepath.Join(hubRoot, DotDir, ManifestFilename)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, &ConfigError{Path: path, Reason: err.Error()}
	}
	seen := map[string]bool{}
	for _, entry := range manifest.Repos {
		if entry.ID == "" || entry.Path == "" {
			return nil, &ConfigError{Path: path, Reason: "manifest entries require id and path"}
		}
		if seen[entry.ID] {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("duplicate repo id %q", entry.ID)}
		}
		seen[entry.ID] = true
	}
	manifest.hubRoot = hubRoot
	return &manifest, nil
}

// RepoRoot resolves an entry's path relative to the hub root.
func (m *Manifest) RepoRoot(entry ManifestEntry) string {
	if filepath.IsAbs(entry.Path) {
		return filepath.Clean(entry.Path)
	}
	return filepath.Join(m.hubRoot, entry.Path)
}

// GetByPath returns the entry whose resolved root matches repoRoot.
func (m *Manifest) GetByPath(repoRoot string) (ManifestEntry, bool) {
	want, err := filepath.Abs(repoRoot)
	if err != nil {
		want = filepath.Clean(repoRoot)
	}
	for _, entry := range m.Repos {
		got, err := filepath.Abs(m.RepoRoot(entry))
		if err != nil {
			continue
		}
		if got == want {
			return entry, true
		}
	}
	return ManifestEntry{}, false
}

// GetByID returns the entry with the given repo id.
func (m *Manifest) GetByID(id string) (ManifestEntry, bool) {
	for _, entry := range m.Repos {
		if entry.ID == id {
			return entry, true
		}
	}
	return ManifestEntry{}, false
}

// FindHubRoot walks up from startDir looking for a directory containing
// `.codex-autorunner/manifest.yaml`. Returns "" when no hub root is found
// within maxDepth levels.
func FindHubRoot(startDir string) string {
	const maxDepth = 5
	current, err := filepath.Abs(startDir)
	if err != nil {
		return ""
	}
	for i := 0; i < maxDepth; i++ {
		candidate := filepath.Join(current, DotDir, ManifestFilename)
		if _, err := os.Stat(candidate); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return ""
}

// ResolveRepoID maps a repo root to its manifest id, returning "" when the
// hub has no manifest or the repo is not registered.
func ResolveRepoID(hubRoot, repoRoot string) string {
	if hubRoot == "" {
		return ""
	}
	manifest, err := LoadManifest(hubRoot)
	if err != nil {
		return ""
	}
	entry, ok := manifest.GetByPath(repoRoot)
	if !ok {
		return ""
	}
	return entry.ID
}
