// Package db provides the embedded database layers used per repo: a
// database/sql SQLite opener with the hub's pragma profile for the flow
// store, and a gorm-backed run index for dashboard queries.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SyncMode selects the SQLite synchronous tier for a repo.
type SyncMode string

const (
	// SyncNormal is the default tier: durable against application crashes.
	SyncNormal SyncMode = "NORMAL"
	// SyncFull is the durable tier: durable against power loss, slower.
	SyncFull SyncMode = "FULL"
)

// OpenOptions configure OpenSQLite.
type OpenOptions struct {
	// Sync selects the synchronous pragma tier. Zero value means NORMAL.
	Sync SyncMode
	// BusyTimeoutMillis is the write-contention wait. Zero value means 5000.
	BusyTimeoutMillis int
}

// OpenSQLite opens (creating if needed) a SQLite database with the hub's
// pragma profile: WAL journaling, busy timeout, enforced foreign keys and
// in-memory temp store. Callers own the handle and must Close it on scope
// exit; the stores never share a long-lived connection across repos.
func OpenSQLite(path string, opts OpenOptions) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sync := opts.Sync
	if sync == "" {
		sync = SyncNormal
	}
	busy := opts.BusyTimeoutMillis
	if busy <= 0 {
		busy = 5000
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA synchronous = %s", sync),
	}
	for _, pragma := range pragmas {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("failed to apply %q on %s: %w", pragma, path, err)
		}
	}
	return handle, nil
}
