// Package lifecycle implements the hub-scope append-only event bus backed by
// a single locked JSON file. Terminal flow events are deduplicated by
// semantic identity so retries and reconciler races collapse into one entry,
// and the inbox projector consumes the surviving events. The bus is
// best-effort by contract: the flow store stays authoritative.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType enumerates the lifecycle event kinds.
type EventType string

const (
	FlowPaused      EventType = "flow_paused"
	FlowCompleted   EventType = "flow_completed"
	FlowFailed      EventType = "flow_failed"
	FlowStopped     EventType = "flow_stopped"
	DispatchCreated EventType = "dispatch_created"
)

// TransitionTokenKey is the data key carrying the optional dedup token.
const TransitionTokenKey = "transition_token"

// Filename is the lifecycle events file name under the hub dot dir.
const Filename = "lifecycle_events.json"

// Event is one lifecycle observation.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	RepoID    string         `json:"repo_id"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin"`
	Timestamp string         `json:"timestamp"`
	Processed bool           `json:"processed"`
}

// AppendResult reports whether an emit was collapsed onto an earlier event.
type AppendResult struct {
	Event   *Event
	Deduped bool
}

// NewEvent builds an event with generated id and timestamp.
func NewEvent(eventType EventType, repoID, runID string, data map[string]any, origin string) *Event {
	if data == nil {
		data = map[string]any{}
	}
	if origin == "" {
		origin = "system"
	}
	return &Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		RepoID:    repoID,
		RunID:     runID,
		Data:      data,
		Origin:    origin,
		Timestamp: common.FormatTimestamp(common.UTCNow()),
	}
}

func isTerminalFlowEvent(eventType EventType) bool {
	return eventType == FlowCompleted || eventType == FlowFailed || eventType == FlowStopped
}

func transitionToken(data map[string]any) string {
	raw, _ := data[TransitionTokenKey].(string)
	return raw
}

func semanticIdentity(event *Event) string {
	key := string(event.EventType) + "\x00" + event.RepoID + "\x00" + event.RunID
	if token := transitionToken(event.Data); token != "" {
		key += "\x00" + token
	}
	return key
}

// Store persists lifecycle events in one JSON array file guarded by a
// sidecar lock.
type Store struct {
	path   string
	logger *logrus.Entry
}

// NewStore returns the store for a hub root.
func NewStore(hubRoot string, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		path:   filepath.Join(hubRoot, config.DotDir, Filename),
		logger: logger,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string {
	return s.path[:len(s.path)-len(filepath.Ext(s.path))] + ".lock"
}

// loadUnlocked parses the events file; unreadable content degrades to an
// empty list since the bus is not authoritative.
func (s *Store) loadUnlocked() []*Event {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		s.logger.WithError(err).Warn("failed to read lifecycle events")
		return nil
	}
	var parsed []*Event
	if err := json.Unmarshal(raw, &parsed); err != nil {
		s.logger.WithError(err).Warn("failed to parse lifecycle events")
		return nil
	}
	events := parsed[:0]
	for _, event := range parsed {
		if event == nil || event.EventType == "" {
			continue
		}
		if event.EventID == "" {
			event.EventID = uuid.NewString()
		}
		if event.Origin == "" {
			event.Origin = "system"
		}
		if event.Data == nil {
			event.Data = map[string]any{}
		}
		events = append(events, event)
	}
	return events
}

func (s *Store) saveUnlocked(events []*Event) error {
	if events == nil {
		events = []*Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lifecycle events: %w", err)
	}
	return common.AtomicWriteJSON(s.path, data)
}

// Load returns all events in file order.
func (s *Store) Load() ([]*Event, error) {
	var events []*Event
	err := common.WithFileLock(s.lockPath(), func() error {
		events = s.loadUnlocked()
		return nil
	})
	return events, err
}

// Append adds an event, collapsing duplicate terminal flow events: equal
// (event_type, repo_id, run_id, transition_token?) updates the original's
// duplicate_count / first_seen_at / last_seen_at instead of appending.
func (s *Store) Append(event *Event) (*AppendResult, error) {
	var result *AppendResult
	err := common.WithFileLock(s.lockPath(), func() error {
		events := s.loadUnlocked()
		if isTerminalFlowEvent(event.EventType) {
			key := semanticIdentity(event)
			for _, existing := range events {
				if !isTerminalFlowEvent(existing.EventType) || semanticIdentity(existing) != key {
					continue
				}
				annotateDuplicate(existing, event.Timestamp)
				result = &AppendResult{Event: existing, Deduped: true}
				return s.saveUnlocked(events)
			}
		}
		events = append(events, event)
		result = &AppendResult{Event: event}
		return s.saveUnlocked(events)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func annotateDuplicate(existing *Event, seenAt string) {
	if existing.Data == nil {
		existing.Data = map[string]any{}
	}
	count := 0
	switch v := existing.Data["duplicate_count"].(type) {
	case float64:
		if v > 0 {
			count = int(v)
		}
	case int:
		if v > 0 {
			count = v
		}
	}
	if _, ok := existing.Data["first_seen_at"].(string); !ok {
		first := existing.Timestamp
		if first == "" {
			first = seenAt
		}
		existing.Data["first_seen_at"] = first
	}
	if seenAt == "" {
		seenAt = common.FormatTimestamp(common.UTCNow())
	}
	existing.Data["duplicate_count"] = count + 1
	existing.Data["last_seen_at"] = seenAt
}

// MarkProcessed flags one event as handled. Returns the updated event or
// nil when the id is unknown.
func (s *Store) MarkProcessed(eventID string) (*Event, error) {
	if eventID == "" {
		return nil, nil
	}
	var updated *Event
	err := common.WithFileLock(s.lockPath(), func() error {
		events := s.loadUnlocked()
		for _, event := range events {
			if event.EventID == eventID {
				event.Processed = true
				updated = event
				break
			}
		}
		if updated == nil {
			return nil
		}
		return s.saveUnlocked(events)
	})
	return updated, err
}

// GetUnprocessed returns at most limit unprocessed events in file order.
func (s *Store) GetUnprocessed(limit int) ([]*Event, error) {
	events, err := s.Load()
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, event := range events {
		if event.Processed {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneProcessed keeps only the newest keepLast processed events, preserving
// all unprocessed ones.
func (s *Store) PruneProcessed(keepLast int) error {
	return common.WithFileLock(s.lockPath(), func() error {
		events := s.loadUnlocked()
		var unprocessed, processed []*Event
		for _, event := range events {
			if event.Processed {
				processed = append(processed, event)
			} else {
				unprocessed = append(unprocessed, event)
			}
		}
		if len(processed) > keepLast {
			processed = processed[len(processed)-keepLast:]
		}
		return s.saveUnlocked(append(unprocessed, processed...))
	})
}

// Listener observes freshly appended (non-deduped) events.
type Listener func(event *Event)

// Emitter wraps the store with typed emit helpers and listener fan-out.
// Emit failures are logged and swallowed: the bus is best-effort.
type Emitter struct {
	store     *Store
	logger    *logrus.Entry
	listeners []Listener
}

// NewEmitter builds an emitter over a hub root.
func NewEmitter(hubRoot string, logger *logrus.Entry) *Emitter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Emitter{store: NewStore(hubRoot, logger), logger: logger}
}

// Store exposes the backing store for projections.
func (e *Emitter) Store() *Store { return e.store }

// AddListener registers a listener for non-deduped events.
func (e *Emitter) AddListener(listener Listener) {
	e.listeners = append(e.listeners, listener)
}

// Emit appends the event, returning the surviving event id.
func (e *Emitter) Emit(event *Event) string {
	result, err := e.store.Append(event)
	if err != nil {
		e.logger.WithError(err).WithField("event_type", event.EventType).
			Warn("failed to append lifecycle event")
		return event.EventID
	}
	if result.Deduped {
		return result.Event.EventID
	}
	for _, listener := range e.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Errorf("lifecycle listener panicked: %v", rec)
				}
			}()
			listener(result.Event)
		}()
	}
	return result.Event.EventID
}

// EmitFlowPaused emits a flow_paused event.
func (e *Emitter) EmitFlowPaused(repoID, runID string, data map[string]any) string {
	return e.Emit(NewEvent(FlowPaused, repoID, runID, data, "system"))
}

// EmitFlowCompleted emits a flow_completed event.
func (e *Emitter) EmitFlowCompleted(repoID, runID string, data map[string]any) string {
	return e.Emit(NewEvent(FlowCompleted, repoID, runID, data, "system"))
}

// EmitFlowFailed emits a flow_failed event.
func (e *Emitter) EmitFlowFailed(repoID, runID string, data map[string]any) string {
	return e.Emit(NewEvent(FlowFailed, repoID, runID, data, "system"))
}

// EmitFlowStopped emits a flow_stopped event.
func (e *Emitter) EmitFlowStopped(repoID, runID string, data map[string]any) string {
	return e.Emit(NewEvent(FlowStopped, repoID, runID, data, "system"))
}

// EmitDispatchCreated emits a dispatch_created event.
func (e *Emitter) EmitDispatchCreated(repoID, runID string, data map[string]any, origin string) string {
	return e.Emit(NewEvent(DispatchCreated, repoID, runID, data, origin))
}
