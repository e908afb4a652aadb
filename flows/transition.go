package flows

import (
	"time"

	"car.autorunner.dev/common"
)

// TransitionDecision is the reconciler's verdict for one run.
type TransitionDecision struct {
	Status       RunStatus
	FinishedAt   *time.Time
	ErrorMessage string
	Note         string
	Changed      bool
}

// workerCrashed reports a worker that existed and is now unusable. mismatch
// and invalid count as dead: a reused pid or unreadable metadata means
// nobody owns the run anymore. absent is excluded — a resume may legally
// set running moments before its worker boots.
func workerCrashed(status WorkerStatus) bool {
	return status == WorkerDead || status == WorkerMismatch || status == WorkerInvalid
}

// ResolveTransition applies the reconcile decision table to one run given a
// worker health probe.
//
//	running  + alive  -> no-op
//	running  + gone   -> failed (worker crashed)
//	stopping + alive  -> no-op (stop in progress)
//	stopping + gone   -> stopped
//	paused   + any    -> no-op (crash dispatch handled by caller)
//	terminal + any    -> no-op
func ResolveTransition(record *RunRecord, health WorkerHealth) TransitionDecision {
	unchanged := TransitionDecision{Status: record.Status, ErrorMessage: record.ErrorMessage}

	switch record.Status {
	case StatusRunning:
		if health.Status == WorkerAlive {
			return unchanged
		}
		if workerCrashed(health.Status) {
			now := common.UTCNow()
			return TransitionDecision{
				Status:       StatusFailed,
				FinishedAt:   &now,
				ErrorMessage: "worker crashed",
				Note:         "worker " + string(health.Status),
				Changed:      true,
			}
		}
		return unchanged
	case StatusStopping:
		if workerCrashed(health.Status) || health.Status == WorkerAbsent {
			now := common.UTCNow()
			return TransitionDecision{
				Status:     StatusStopped,
				FinishedAt: &now,
				Note:       "worker gone while stopping",
				Changed:    true,
			}
		}
		return unchanged
	default:
		return unchanged
	}
}
