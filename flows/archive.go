package flows

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"car.autorunner.dev/config"
)

// ArchiveSummary reports what an archive operation did.
type ArchiveSummary struct {
	RepoRoot     string `json:"repo_root"`
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	RunDir       string `json:"run_dir"`
	ArchiveDir   string `json:"archive_dir"`
	ArchivedRuns bool   `json:"archived_runs"`
	DeletedRun   bool   `json:"deleted_run"`
}

// ArchiveRun moves a terminal run's working directory under the run's
// artifacts tree and optionally deletes the run row. Non-terminal runs are
// refused unless force is set and the run is paused or stopping.
func ArchiveRun(store *Store, repoRoot, runID string, force, deleteRun bool) (*ArchiveSummary, error) {
	record, err := store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if !record.Status.IsTerminal() {
		if !force || (record.Status != StatusPaused && record.Status != StatusStopping) {
			return nil, fmt.Errorf("can only archive completed/stopped/failed runs (use force for paused/stopping), run is %s", record.Status)
		}
	}

	runsDir := config.DotDir + "/runs"
	if raw, ok := record.InputData["runs_dir"].(string); ok && raw != "" {
		runsDir = raw
	}
	runDir := filepath.Join(repoRoot, runsDir, record.ID)

	archiveRoot := FlowDir(repoRoot, record.ID)
	target := filepath.Join(archiveRoot, "archived_runs")
	if _, err := os.Stat(target); err == nil {
		suffix := time.Now().UTC().Format("20060102T150405Z")
		target = filepath.Join(archiveRoot, "archived_runs_"+suffix)
	}

	summary := &ArchiveSummary{
		RepoRoot:   repoRoot,
		RunID:      record.ID,
		Status:     string(record.Status),
		RunDir:     runDir,
		ArchiveDir: target,
	}

	if stat, err := os.Stat(runDir); err == nil && stat.IsDir() {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare archive dir: %w", err)
		}
		if err := os.Rename(runDir, target); err != nil {
			return nil, fmt.Errorf("failed to archive run dir: %w", err)
		}
		summary.ArchivedRuns = true
	}

	if deleteRun {
		deleted, err := store.DeleteRun(record.ID)
		if err != nil {
			return nil, err
		}
		summary.DeletedRun = deleted
	}
	return summary, nil
}
