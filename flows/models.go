// Package flows implements the pausable flow execution engine: the SQLite
// store for runs/events/artifacts, the static step-graph definition, the
// runtime that drives a run between suspension points, the controller that
// exposes start/stop/resume/stream, and the detached worker process
// supervisor. Flows are finite state machines whose every status transition
// is persisted and mirrored as an append-only event, so a run survives hub
// restarts and worker crashes without losing history.
package flows

import (
	"time"
)

// RunStatus is the lifecycle state of a flow run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusStopping  RunStatus = "stopping"
	StatusStopped   RunStatus = "stopped"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// IsActive reports whether a worker may legitimately be attached to the run.
func (s RunStatus) IsActive() bool {
	return s == StatusRunning || s == StatusStopping || s == StatusPaused
}

// IsResumable reports whether the run is pending or ended short of completion
// (paused, stopped or failed). RunFlow accepts every status except completed.
func (s RunStatus) IsResumable() bool {
	return s == StatusPending || s == StatusPaused || s == StatusStopped || s == StatusFailed
}

// EventType enumerates the persisted flow event kinds.
type EventType string

const (
	EventFlowStarted     EventType = "flow_started"
	EventStepStarted     EventType = "step_started"
	EventStepCompleted   EventType = "step_completed"
	EventFlowPaused      EventType = "flow_paused"
	EventFlowStopping    EventType = "flow_stopping"
	EventFlowCompleted   EventType = "flow_completed"
	EventFlowFailed      EventType = "flow_failed"
	EventFlowStopped     EventType = "flow_stopped"
	EventAppServerEvent  EventType = "app_server_event"
	EventDispatchCreated EventType = "dispatch_created"
)

// RunRecord is one flow run row. InputData, State and Metadata round-trip
// through JSON columns; State is owned by the runtime while its worker holds
// the per-run reconcile lock and must never be mutated elsewhere.
type RunRecord struct {
	ID            string         `json:"id"`
	FlowType      string         `json:"flow_type"`
	Status        RunStatus      `json:"status"`
	CurrentStep   string         `json:"current_step"`
	InputData     map[string]any `json:"input_data"`
	State         map[string]any `json:"state"`
	Metadata      map[string]any `json:"metadata"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	StopRequested bool           `json:"stop_requested"`
}

// Event is one append-only observation tied to a run. Seq is dense and
// strictly increasing per run.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"event_type"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Artifact is a file reference produced by a run.
type Artifact struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Kind      string         `json:"kind"`
	Path      string         `json:"path"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// ArtifactKindWorkerCrash is the singleton artifact kind recorded when a
// worker dies without writing exit.json.
const ArtifactKindWorkerCrash = "worker_crash"
