// Package reconcile repairs runs whose workers died without reporting:
// a periodic scan takes each non-terminal run's reconcile lock, probes the
// worker, applies the transition table and synthesises crash artifacts and
// pause dispatches so the inbox always has something actionable.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"car.autorunner.dev/flows"
	"car.autorunner.dev/lifecycle"
	"car.autorunner.dev/tickets"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Summary aggregates one reconcile pass.
type Summary struct {
	Checked int `json:"checked"`
	Active  int `json:"active"`
	Updated int `json:"updated"`
	Locked  int `json:"locked"`
	Errors  int `json:"errors"`
}

// Reconciler scans one repo's runs of one flow type.
type Reconciler struct {
	repoRoot string
	repoID   string
	store    *flows.Store
	emitter  *lifecycle.Emitter
	logger   *logrus.Entry
}

// Options configure a Reconciler.
type Options struct {
	RepoID  string
	Emitter *lifecycle.Emitter
	Logger  *logrus.Entry
}

// New builds a reconciler over an open flow store.
func New(repoRoot string, store *flows.Store, opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		repoRoot: repoRoot,
		repoID:   opts.RepoID,
		store:    store,
		emitter:  opts.Emitter,
		logger:   logger.WithField("component", "reconciler"),
	}
}

// ReconcileAll scans every active run of flowType once.
func (r *Reconciler) ReconcileAll(flowType string) (*Summary, error) {
	summary := &Summary{}
	records, err := r.store.ListRuns(flowType, "")
	if err != nil {
		return summary, err
	}
	for _, record := range records {
		summary.Checked++
		if !record.Status.IsActive() {
			continue
		}
		summary.Active++
		updated, locked, err := r.ReconcileRun(record)
		switch {
		case locked:
			summary.Locked++
		case err != nil:
			summary.Errors++
			r.logger.WithError(err).WithField("run_id", record.ID).Warn("reconcile failed")
		case updated:
			summary.Updated++
		}
	}
	return summary, nil
}

// ReconcileRun applies the transition table to one run under its reconcile
// lock. Returns (updated, lockBusy, err); a busy lock means a live worker
// or another reconciler owns the run this round.
func (r *Reconciler) ReconcileRun(record *flows.RunRecord) (bool, bool, error) {
	if !record.Status.IsActive() {
		return false, false, nil
	}

	lockPath := flows.ReconcileLockPath(r.repoRoot, record.ID)
	updated := false
	err := common.WithTryFileLock(lockPath, func() error {
		health := flows.CheckWorkerHealth(r.repoRoot, record.ID)
		var crash *flows.WorkerCrashInfo
		if workerGone(health.Status) {
			crash = r.ensureCrashPayload(record, health)
		}

		decision := flows.ResolveTransition(record, health)
		if !decision.Changed {
			// A paused run with a dead worker still deserves an actionable
			// dispatch in the inbox.
			if record.Status == flows.StatusPaused && workerGone(health.Status) {
				r.ensureCrashDispatch(record, crash)
			}
			return nil
		}

		r.logger.WithFields(logrus.Fields{
			"run_id": record.ID,
			"from":   record.Status,
			"to":     decision.Status,
			"note":   decision.Note,
		}).Info("reconciling flow run")

		state := record.State
		if decision.Status == flows.StatusFailed {
			state = ensureFailureState(state, record, decision, health, crash)
		}
		var errMsg *string
		if decision.ErrorMessage != "" {
			errMsg = &decision.ErrorMessage
		}
		if _, err := r.store.UpdateStatus(record.ID, decision.Status, flows.StatusUpdate{
			State: state, HasState: true,
			FinishedAt:   decision.FinishedAt,
			ErrorMessage: errMsg,
		}); err != nil {
			return err
		}
		updated = true

		if decision.Status == flows.StatusFailed {
			r.emitFailure(record, decision, crash)
			r.ensureCrashDispatch(record, crash)
		}
		if decision.Status == flows.StatusStopped && r.emitter != nil {
			r.emitter.EmitFlowStopped(r.repoID, record.ID, map[string]any{
				lifecycle.TransitionTokenKey: transitionToken(record.ID, string(decision.Status)),
				"reason":                     decision.Note,
			})
		}

		if workerGone(health.Status) {
			if err := flows.ClearWorkerMetadata(r.repoRoot, record.ID); err != nil {
				r.logger.WithError(err).Debug("failed to clear worker metadata")
			}
		}
		return nil
	})
	if errors.Is(err, common.ErrFileLockBusy) {
		return false, true, nil
	}
	return updated, false, err
}

func workerGone(status flows.WorkerStatus) bool {
	return status == flows.WorkerDead || status == flows.WorkerMismatch ||
		status == flows.WorkerInvalid
}

// transitionToken makes reconciler re-emits of the same transition collapse
// in the lifecycle store.
func transitionToken(runID, status string) string {
	return runID + ":" + status
}

// ensureCrashPayload guarantees crash.json and the worker_crash artifact
// exist for a vanished worker.
func (r *Reconciler) ensureCrashPayload(record *flows.RunRecord, health flows.WorkerHealth) *flows.WorkerCrashInfo {
	crash := flows.ReadWorkerCrash(r.repoRoot, record.ID)
	if crash == nil && health.Status == flows.WorkerDead {
		lastEvent := r.lastAppServerMethod(record.ID)
		info := flows.WorkerCrashInfo{
			LastEvent:  lastEvent,
			Exception:  record.ErrorMessage,
			ExitCode:   health.ExitCode,
			StderrTail: health.StderrTail,
		}
		if err := flows.WriteWorkerCrash(r.repoRoot, record.ID, info); err != nil {
			r.logger.WithError(err).Warn("failed to write crash artifact")
		} else {
			crash = flows.ReadWorkerCrash(r.repoRoot, record.ID)
		}
	}
	if crash != nil {
		r.ensureCrashArtifactRow(record, crash)
	}
	return crash
}

// ensureCrashArtifactRow records the singleton worker_crash artifact.
func (r *Reconciler) ensureCrashArtifactRow(record *flows.RunRecord, crash *flows.WorkerCrashInfo) {
	existing, err := r.store.GetArtifacts(record.ID)
	if err == nil {
		for _, artifact := range existing {
			if artifact.Kind == flows.ArtifactKindWorkerCrash {
				return
			}
		}
	}
	_, err = r.store.CreateArtifact(uuid.NewString(), record.ID, flows.ArtifactKindWorkerCrash,
		flows.CrashJSONPath(r.repoRoot, record.ID),
		map[string]any{"summary": crash.Exception, "timestamp": crash.Timestamp})
	if err != nil {
		r.logger.WithError(err).Warn("failed to record crash artifact")
	}
}

func (r *Reconciler) lastAppServerMethod(runID string) string {
	event, err := r.store.GetLastEventByType(runID, flows.EventAppServerEvent)
	if err != nil || event == nil {
		return ""
	}
	message, _ := event.Data["message"].(map[string]any)
	method, _ := message["method"].(string)
	return strings.TrimSpace(method)
}

func (r *Reconciler) emitFailure(record *flows.RunRecord, decision flows.TransitionDecision, crash *flows.WorkerCrashInfo) {
	data := map[string]any{
		"error":  decision.ErrorMessage,
		"reason": decision.Note,
	}
	if crash != nil {
		data["worker_crash"] = map[string]any{
			"timestamp": crash.Timestamp,
			"exception": crash.Exception,
			"exit_code": crash.ExitCode,
			"signal":    crash.Signal,
		}
	}
	if _, err := r.store.CreateEvent(uuid.NewString(), record.ID, flows.EventFlowFailed, data); err != nil {
		r.logger.WithError(err).Warn("failed to emit flow_failed event")
	}
	if r.emitter != nil {
		emitData := map[string]any{
			lifecycle.TransitionTokenKey: transitionToken(record.ID, string(flows.StatusFailed)),
			"error":                      decision.ErrorMessage,
		}
		r.emitter.EmitFlowFailed(r.repoID, record.ID, emitData)
	}
}

// ensureCrashDispatch writes and archives a synthetic pause dispatch when
// the latest dispatch has already been answered (or none exists), so the
// crash surfaces in the inbox.
func (r *Reconciler) ensureCrashDispatch(record *flows.RunRecord, crash *flows.WorkerCrashInfo) {
	if record.FlowType != tickets.FlowType {
		return
	}
	workspaceRoot, runsDir := resolveWorkspace(r.repoRoot, record)
	paths := tickets.ResolveRunPaths(workspaceRoot, runsDir, record.ID)
	if err := paths.EnsureRunDirs(); err != nil {
		r.logger.WithError(err).Warn("failed to prepare run dirs for crash dispatch")
		return
	}

	latestDispatch := tickets.LatestSeq(paths.DispatchHistoryDir)
	latestReply := tickets.LatestSeq(paths.ReplyHistoryDir)
	if latestDispatch > latestReply {
		// An unanswered dispatch already demands attention.
		return
	}

	body := crashDispatchBody(record, crash)
	content := tickets.RenderDispatch(tickets.ModePause, "Worker crashed", body, map[string]any{
		"origin": "reconcile",
	})
	if err := common.AtomicWrite(paths.DispatchPath, []byte(content)); err != nil {
		r.logger.WithError(err).Warn("failed to write crash dispatch")
		return
	}
	dispatch, err := tickets.ArchiveDispatch(paths, latestDispatch+1)
	if err != nil {
		r.logger.WithError(err).Warn("failed to archive crash dispatch")
		return
	}
	if dispatch != nil && r.emitter != nil {
		r.emitter.EmitDispatchCreated(r.repoID, record.ID, map[string]any{
			"seq":   dispatch.Seq,
			"mode":  string(tickets.ModePause),
			"title": "Worker crashed",
		}, "reconcile")
	}
}

func resolveWorkspace(repoRoot string, record *flows.RunRecord) (string, string) {
	workspaceRoot := repoRoot
	if raw, ok := record.InputData["workspace_root"].(string); ok && strings.TrimSpace(raw) != "" {
		workspaceRoot = raw
	}
	runsDir := config.DotDir + "/runs"
	if raw, ok := record.InputData["runs_dir"].(string); ok && strings.TrimSpace(raw) != "" {
		runsDir = raw
	}
	return workspaceRoot, runsDir
}

func crashDispatchBody(record *flows.RunRecord, crash *flows.WorkerCrashInfo) string {
	lines := []string{
		"The ticket worker stopped unexpectedly and no actionable dispatch was available.",
		"",
		"run_id: " + record.ID,
	}
	if crash != nil {
		if crash.LastEvent != "" {
			lines = append(lines, "last_event: "+crash.LastEvent)
		}
		if crash.ExitCode != nil {
			lines = append(lines, fmt.Sprintf("exit_code: %d", *crash.ExitCode))
		}
		if crash.Signal != "" {
			lines = append(lines, "signal: "+crash.Signal)
		}
		if crash.StderrTail != "" {
			lines = append(lines, "", "stderr tail:", "```", crash.StderrTail, "```")
		}
		if crash.Exception != "" {
			lines = append(lines, "exception: "+crash.Exception)
		}
	}
	lines = append(lines,
		"",
		"Crash artifact:",
		"- `"+config.DotDir+"/flows/"+record.ID+"/crash.json`",
		"",
		"Please inspect the crash artifact and decide whether to resume or restart the run.",
	)
	return strings.Join(lines, "\n") + "\n"
}

// ensureFailureState folds crash details into state.failure.
func ensureFailureState(state map[string]any, record *flows.RunRecord, decision flows.TransitionDecision, health flows.WorkerHealth, crash *flows.WorkerCrashInfo) map[string]any {
	if state == nil {
		state = map[string]any{}
	}
	failure, _ := state["failure"].(map[string]any)
	if failure == nil {
		failure = map[string]any{
			"error": decision.ErrorMessage,
			"step":  record.CurrentStep,
			"note":  decision.Note,
		}
	}
	if health.ExitCode != nil && failure["exit_code"] == nil {
		failure["exit_code"] = *health.ExitCode
	}
	if health.StderrTail != "" && failure["stderr_tail"] == nil {
		failure["stderr_tail"] = health.StderrTail
	}
	if crash != nil && failure["crash"] == nil {
		failure["crash"] = map[string]any{
			"timestamp": crash.Timestamp,
			"exception": crash.Exception,
			"exit_code": crash.ExitCode,
			"signal":    crash.Signal,
		}
	}
	state["failure"] = failure
	return state
}

// RunLoop reconciles periodically until the context ends. Errors never
// escape the loop.
func (r *Reconciler) RunLoop(ctx context.Context, flowType string, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileAll(flowType); err != nil {
				r.logger.WithError(err).Warn("reconcile pass failed")
			}
		}
	}
}
