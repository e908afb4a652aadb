// Package registry persists on-disk records of every subprocess the hub
// starts, keyed by (kind, workspace id) and again by pid, so that any hub
// process — including one started after a crash — can find and terminate
// them. Records are JSON files guarded by a per-kind lock sidecar.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"car.autorunner.dev/common"
)

// ProcessRecord describes one supervised subprocess.
type ProcessRecord struct {
	Kind        string            `json:"kind"`
	WorkspaceID string            `json:"workspace_id"`
	PID         int               `json:"pid"`
	PGID        int               `json:"pgid,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	Command     []string          `json:"command,omitempty"`
	OwnerPID    int               `json:"owner_pid"`
	StartedAt   string            `json:"started_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Registry manages process records under a root directory
// (`<repo>/.codex-autorunner/process-registry`).
type Registry struct {
	root string
}

// New returns a registry rooted at root.
func New(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the registry root directory.
func (r *Registry) Root() string { return r.root }

func (r *Registry) kindDir(kind string) string {
	return filepath.Join(r.root, sanitizeKey(kind))
}

func (r *Registry) recordPath(kind, key string) string {
	return filepath.Join(r.kindDir(kind), sanitizeKey(key)+".json")
}

func (r *Registry) lockPath(kind string) string {
	return filepath.Join(r.kindDir(kind), ".registry.lock")
}

func sanitizeKey(key string) string {
	cleaned := strings.Map(func(ch rune) rune {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			return ch
		case ch == '-' || ch == '_' || ch == '.':
			return ch
		default:
			return '_'
		}
	}, key)
	if cleaned == "" {
		return "_"
	}
	return cleaned
}

// Write persists a record under both its workspace key and its pid key.
func (r *Registry) Write(record ProcessRecord) error {
	if record.Kind == "" || record.WorkspaceID == "" {
		return fmt.Errorf("process record requires kind and workspace_id")
	}
	if record.StartedAt == "" {
		record.StartedAt = common.FormatTimestamp(time.Now())
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal process record: %w", err)
	}
	return common.WithFileLock(r.lockPath(record.Kind), func() error {
		if err := common.AtomicWriteJSON(r.recordPath(record.Kind, record.WorkspaceID), data); err != nil {
			return err
		}
		if record.PID > 0 {
			return common.AtomicWriteJSON(r.recordPath(record.Kind, strconv.Itoa(record.PID)), data)
		}
		return nil
	})
}

// Read loads the record for (kind, key). Returns nil when no record exists.
func (r *Registry) Read(kind, key string) (*ProcessRecord, error) {
	var record *ProcessRecord
	err := common.WithFileLock(r.lockPath(kind), func() error {
		loaded, err := r.readUnlocked(kind, key)
		record = loaded
		return err
	})
	return record, err
}

func (r *Registry) readUnlocked(kind, key string) (*ProcessRecord, error) {
	raw, err := os.ReadFile(r.recordPath(kind, key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read process record: %w", err)
	}
	var record ProcessRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		// A corrupt record is as good as absent; the caller will respawn.
		return nil, nil
	}
	return &record, nil
}

// Delete removes the records for (kind, key) and, when the stored record is
// readable, the paired pid-keyed record.
func (r *Registry) Delete(kind, key string) error {
	return common.WithFileLock(r.lockPath(kind), func() error {
		record, _ := r.readUnlocked(kind, key)
		if err := removeIfExists(r.recordPath(kind, key)); err != nil {
			return err
		}
		if record != nil && record.PID > 0 {
			if err := removeIfExists(r.recordPath(kind, strconv.Itoa(record.PID))); err != nil {
				return err
			}
			if err := removeIfExists(r.recordPath(kind, record.WorkspaceID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every distinct record of a kind (pid-keyed duplicates are
// collapsed onto their workspace-keyed primaries).
func (r *Registry) List(kind string) ([]ProcessRecord, error) {
	var records []ProcessRecord
	err := common.WithFileLock(r.lockPath(kind), func() error {
		entries, err := os.ReadDir(r.kindDir(kind))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list process records: %w", err)
		}
		seen := map[string]bool{}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			record, err := r.readUnlocked(kind, strings.TrimSuffix(name, ".json"))
			if err != nil || record == nil {
				continue
			}
			dedupKey := fmt.Sprintf("%s/%d", record.WorkspaceID, record.PID)
			if seen[dedupKey] {
				continue
			}
			seen[dedupKey] = true
			records = append(records, *record)
		}
		return nil
	})
	return records, err
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
