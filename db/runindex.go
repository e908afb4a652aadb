package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// RunIndexEntry is one row of the per-repo run index: a summary of a flow
// run's log position used by the dashboard without opening the flow store.
type RunIndexEntry struct {
	RunID       string     `gorm:"primaryKey;column:run_id" json:"run_id"`
	FlowType    string     `gorm:"column:flow_type;index" json:"flow_type"`
	Status      string     `gorm:"column:status" json:"status"`
	LastSeq     int64      `gorm:"column:last_seq" json:"last_seq"`
	LastEventAt string     `gorm:"column:last_event_at" json:"last_event_at"`
	StartedAt   *time.Time `gorm:"column:started_at;index" json:"started_at,omitempty"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	LogPath     string     `gorm:"column:log_path" json:"log_path,omitempty"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName pins the table name independent of gorm pluralisation.
func (RunIndexEntry) TableName() string { return "runs" }

// RunIndex is the gorm-backed store over run_index.sqlite3.
type RunIndex struct {
	db *gorm.DB
}

// OpenRunIndex opens (creating if needed) the run index database.
func OpenRunIndex(path string) (*RunIndex, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open run index %s: %w", path, err)
	}
	if err := gdb.AutoMigrate(&RunIndexEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate run index %s: %w", path, err)
	}
	return &RunIndex{db: gdb}, nil
}

// Close releases the underlying connection pool.
func (r *RunIndex) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Upsert inserts or replaces the entry for a run.
func (r *RunIndex) Upsert(entry RunIndexEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(&entry)
	if result.Error != nil {
		return fmt.Errorf("failed to upsert run index entry %s: %w", entry.RunID, result.Error)
	}
	return nil
}

// Get returns the entry for a run, or nil when absent.
func (r *RunIndex) Get(runID string) (*RunIndexEntry, error) {
	var entry RunIndexEntry
	result := r.db.First(&entry, "run_id = ?", runID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load run index entry %s: %w", runID, result.Error)
	}
	return &entry, nil
}

// List returns entries ordered by started_at descending.
func (r *RunIndex) List(limit int) ([]RunIndexEntry, error) {
	query := r.db.Order("started_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []RunIndexEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list run index entries: %w", err)
	}
	return entries, nil
}

// Delete removes the entry for a run. Missing entries are not an error.
func (r *RunIndex) Delete(runID string) error {
	if err := r.db.Delete(&RunIndexEntry{}, "run_id = ?", runID).Error; err != nil {
		return fmt.Errorf("failed to delete run index entry %s: %w", runID, err)
	}
	return nil
}
