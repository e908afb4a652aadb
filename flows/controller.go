package flows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// streamPollInterval is the cadence of the event stream store poll.
const streamPollInterval = 500 * time.Millisecond

// Controller is the public API over one repo's runs of one flow definition.
// It creates runs, requests stops and resumes, and streams events; it never
// executes steps itself except through RunFlow, which workers call
// in-process.
type Controller struct {
	definition    *Definition
	store         *Store
	artifactsRoot string
	logger        *logrus.Entry

	// serialises start/resume so two callers cannot race run creation or
	// state sanitising. Never held across agent calls.
	mu sync.Mutex

	onEvent     EventListener
	onLifecycle LifecycleListener
}

// ControllerOptions configure a Controller.
type ControllerOptions struct {
	ArtifactsRoot string
	OnEvent       EventListener
	OnLifecycle   LifecycleListener
	Logger        *logrus.Entry
}

// NewController builds a controller over an open store.
func NewController(definition *Definition, store *Store, opts ControllerOptions) (*Controller, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		definition:    definition,
		store:         store,
		artifactsRoot: opts.ArtifactsRoot,
		logger:        logger,
		onEvent:       opts.OnEvent,
		onLifecycle:   opts.OnLifecycle,
	}, nil
}

// Store exposes the backing store for read-only consumers (projections).
func (c *Controller) Store() *Store { return c.store }

// Definition returns the static flow definition.
func (c *Controller) Definition() *Definition { return c.definition }

// ArtifactsDir returns the artifacts directory for a run.
func (c *Controller) ArtifactsDir(runID string) string {
	return filepath.Join(c.artifactsRoot, runID)
}

// StartFlow creates a run in pending status and prepares its artifacts
// directory. It does not execute anything.
func (c *Controller) StartFlow(inputData map[string]any, runID string, initialState, metadata map[string]any) (*RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if runID == "" {
		runID = uuid.NewString()
	} else if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", runID, err)
	}

	if err := os.MkdirAll(c.ArtifactsDir(runID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare artifacts dir: %w", err)
	}
	if initialState == nil {
		initialState = map[string]any{}
	}
	record, err := c.store.CreateRun(runID, c.definition.FlowType, inputData, metadata, initialState, c.definition.InitialStep)
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{"run_id": runID, "flow_type": c.definition.FlowType}).
		Info("flow run created")
	return record, nil
}

// RunFlow executes or resumes a run in-process. Workers call this from
// their main task; tests call it directly.
func (c *Controller) RunFlow(ctx context.Context, runID string, initialState map[string]any) (*RunRecord, error) {
	runtime, err := NewRuntime(c.definition, c.store, RuntimeOptions{
		OnEvent:     c.onEvent,
		OnLifecycle: c.onLifecycle,
		Logger:      c.logger,
	})
	if err != nil {
		return nil, err
	}
	return runtime.RunFlow(ctx, runID, initialState)
}

// StopFlow requests a cooperative stop. A running run is additionally moved
// to stopping; the worker observes the flag between (and inside) steps.
func (c *Controller) StopFlow(runID string) (*RunRecord, error) {
	record, err := c.store.SetStopRequested(runID, true)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRunning {
		if updated, err := c.store.UpdateStatus(runID, StatusStopping, StatusUpdate{}); err == nil {
			record = updated
		}
	}
	return record, nil
}

// ResumeFlow clears the stop flag and, for paused/stopped/failed runs,
// rewrites the state so the engine restarts cleanly: reason fields are
// removed and a max_turns failure resets the turn budget.
func (c *Controller) ResumeFlow(runID string) (*RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, err := c.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusRunning || record.Status == StatusStopping {
		return nil, fmt.Errorf("flow run %s is already active", runID)
	}
	cleared, err := c.store.SetStopRequested(runID, false)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusCompleted {
		return cleared, nil
	}

	state := sanitizeResumeState(cleared.State)
	updated, err := c.store.UpdateStatus(runID, StatusRunning, StatusUpdate{State: state, HasState: true})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// sanitizeResumeState strips the pause/failure residue left by the ticket
// engine so the next worker starts from a clean engine status.
func sanitizeResumeState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(state))
	for key, value := range state {
		out[key] = value
	}
	delete(out, "reason_summary")

	rawEngine, ok := out["ticket_engine"].(map[string]any)
	if !ok {
		return out
	}
	engine := make(map[string]any, len(rawEngine))
	for key, value := range rawEngine {
		engine[key] = value
	}
	if reason, _ := engine["reason_code"].(string); reason == "max_turns" {
		engine["total_turns"] = 0
	}
	engine["status"] = "running"
	delete(engine, "reason")
	delete(engine, "reason_code")
	delete(engine, "reason_details")
	out["ticket_engine"] = engine
	return out
}

// GetStatus loads a run.
func (c *Controller) GetStatus(runID string) (*RunRecord, error) {
	return c.store.GetRun(runID)
}

// ListRuns lists this flow type's runs, optionally filtered by status.
func (c *Controller) ListRuns(status RunStatus) ([]*RunRecord, error) {
	return c.store.ListRuns(c.definition.FlowType, status)
}

// GetEvents returns a run's events after the given seq.
func (c *Controller) GetEvents(runID string, afterSeq int64) ([]*Event, error) {
	return c.store.GetEvents(runID, afterSeq, 0)
}

// GetArtifacts lists a run's recorded artifacts.
func (c *Controller) GetArtifacts(runID string) ([]*Artifact, error) {
	return c.store.GetArtifacts(runID)
}

// StreamEvents sends a run's events on the returned channel, polling the
// store until the run is terminal (or paused) with no new events, or the
// context ends. The channel is closed when the stream finishes.
func (c *Controller) StreamEvents(ctx context.Context, runID string, afterSeq int64) <-chan *Event {
	out := make(chan *Event)
	go func() {
		defer close(out)
		lastSeq := afterSeq
		for {
			events, err := c.store.GetEvents(runID, lastSeq, 100)
			if err != nil {
				c.logger.WithError(err).WithField("run_id", runID).Warn("event stream poll failed")
				return
			}
			for _, event := range events {
				select {
				case out <- event:
					lastSeq = event.Seq
				case <-ctx.Done():
					return
				}
			}

			record, err := c.store.GetRun(runID)
			if err == nil && len(events) == 0 &&
				(record.Status.IsTerminal() || record.Status == StatusPaused) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(streamPollInterval):
			}
		}
	}()
	return out
}

// Shutdown closes the backing store.
func (c *Controller) Shutdown() error {
	return c.store.Close()
}
