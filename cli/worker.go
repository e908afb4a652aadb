package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"car.autorunner.dev/db"
	"car.autorunner.dev/flows"
	"github.com/sirupsen/logrus"
)

// runWorker is the detached worker entrypoint: it owns exactly one run from
// boot to the next suspension point. Exit code 0 means a clean terminal or
// suspended state; anything else is a crash the reconciler will observe.
func runWorker(ctx context.Context, runID string) (exitCode int, err error) {
	repoRoot, err := currentRepoRoot()
	if err != nil {
		return 1, err
	}

	svc, _, logger, err := newServices()
	if err != nil {
		return 1, err
	}
	defer svc.Close()

	repo, err := svc.Repo(repoRoot)
	if err != nil {
		return 1, err
	}

	if err := flows.WriteWorkerInfo(repoRoot, runID, repo.RepoRoot); err != nil {
		return 1, fmt.Errorf("failed to write worker metadata: %w", err)
	}

	// The worker holds the per-run reconcile lock for its whole life, so a
	// reconciler decision can never race a live step.
	lock := common.NewFileLock(flows.ReconcileLockPath(repoRoot, runID))
	if err := lock.TryAcquire(); err != nil {
		return 1, fmt.Errorf("another worker owns run %s: %w", runID, err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	var caught os.Signal
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		caught = sig
		logger.WithField("signal", sig.String()).Info("worker received signal, requesting stop")
		if _, err := repo.Controller.StopFlow(runID); err != nil {
			logger.WithError(err).Warn("failed to flag stop after signal")
		}
		cancel()
	}()
	defer signal.Stop(signals)

	// Crash manifest on uncaught panics; exit.json on every other path.
	defer func() {
		if rec := recover(); rec != nil {
			crash := flows.WorkerCrashInfo{Exception: fmt.Sprintf("panic: %v", rec)}
			_ = flows.WriteWorkerCrash(repoRoot, runID, crash)
			exitCode = 2
			err = fmt.Errorf("worker panicked: %v", rec)
			return
		}
		signalName := ""
		if caught != nil {
			signalName = caught.String()
		}
		if writeErr := flows.WriteWorkerExit(repoRoot, runID, exitCode, signalName); writeErr != nil {
			logger.WithError(writeErr).Warn("failed to write exit manifest")
		}
	}()

	record, err := repo.Controller.RunFlow(ctx, runID, nil)
	if err != nil {
		code := 1
		crash := flows.WorkerCrashInfo{Exception: err.Error(), ExitCode: &code}
		if writeErr := flows.WriteWorkerCrash(repoRoot, runID, crash); writeErr != nil {
			logger.WithError(writeErr).Warn("failed to write crash manifest")
		}
		return 1, err
	}

	updateRunIndex(repoRoot, repo.Controller.Store(), record, logger)
	logger.WithField("run_id", runID).WithField("status", record.Status).
		Info("worker finished")
	return 0, nil
}

// updateRunIndex refreshes the dashboard's run index after a worker pass.
// Best-effort: the flow store stays authoritative.
func updateRunIndex(repoRoot string, store *flows.Store, record *flows.RunRecord, logger *logrus.Entry) {
	index, err := db.OpenRunIndex(filepath.Join(repoRoot, config.DotDir, "run_index.sqlite3"))
	if err != nil {
		logger.WithError(err).Warn("failed to open run index")
		return
	}
	defer index.Close()

	seq, lastAt, err := store.GetLastEventMeta(record.ID)
	if err != nil {
		logger.WithError(err).Warn("failed to read last event meta")
	}
	entry := db.RunIndexEntry{
		RunID:     record.ID,
		FlowType:  record.FlowType,
		Status:    string(record.Status),
		LastSeq:   seq,
		StartedAt: record.StartedAt,
		LogPath:   filepath.Join(flows.FlowDir(repoRoot, record.ID), "worker.out.log"),
	}
	if lastAt != nil {
		entry.LastEventAt = common.FormatTimestamp(*lastAt)
	}
	entry.FinishedAt = record.FinishedAt
	if err := index.Upsert(entry); err != nil {
		logger.WithError(err).Warn("failed to update run index")
	}
}
