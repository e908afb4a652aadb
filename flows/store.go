package flows

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"car.autorunner.dev/common"
	"car.autorunner.dev/db"
)

// ErrRunNotFound is returned for operations against an unknown run id.
var ErrRunNotFound = errors.New("flow run not found")

// ErrRunExists is returned when creating a run whose id is already present.
var ErrRunExists = errors.New("flow run already exists")

// StatusUpdate carries the optional columns of UpdateStatus. A nil pointer
// preserves the current column value; the matching Clear flag nulls it
// explicitly. When a run moves to a terminal status and FinishedAt is left
// unset, the store stamps the current UTC time.
type StatusUpdate struct {
	State             map[string]any
	HasState          bool
	FinishedAt        *time.Time
	ClearFinishedAt   bool
	ErrorMessage      *string
	ClearErrorMessage bool
}

// Store is the typed persistence layer over flows.db.
type Store struct {
	path string
	db   *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS flow_runs (
    run_id          TEXT PRIMARY KEY,
    flow_type       TEXT NOT NULL,
    status          TEXT NOT NULL,
    current_step    TEXT NOT NULL DEFAULT '',
    input_data_json TEXT NOT NULL DEFAULT '{}',
    state_json      TEXT NOT NULL DEFAULT '{}',
    metadata_json   TEXT NOT NULL DEFAULT '{}',
    error_message   TEXT,
    created_at      TEXT NOT NULL,
    started_at      TEXT,
    finished_at     TEXT,
    stop_requested  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS flow_events (
    event_id   TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES flow_runs(run_id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    data_json  TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    UNIQUE(run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_flow_events_run ON flow_events(run_id, seq);

CREATE TABLE IF NOT EXISTS flow_artifacts (
    artifact_id   TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL REFERENCES flow_runs(run_id) ON DELETE CASCADE,
    kind          TEXT NOT NULL,
    path          TEXT NOT NULL,
    metadata_json TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flow_artifacts_run ON flow_artifacts(run_id);
`

// OpenStore opens (creating and migrating if needed) the flow store at path.
// durable selects the FULL synchronous tier.
func OpenStore(path string, durable bool) (*Store, error) {
	sync := db.SyncNormal
	if durable {
		sync = db.SyncFull
	}
	handle, err := db.OpenSQLite(path, db.OpenOptions{Sync: sync})
	if err != nil {
		return nil, err
	}
	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to migrate flow store %s: %w", path, err)
	}
	return &Store{path: path, db: handle}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func marshalJSON(value map[string]any) (string, error) {
	if value == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(raw), nil
}

func unmarshalJSON(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func scanTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t, err := common.ParseTimestamp(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

// CreateRun inserts a new run in pending status.
func (s *Store) CreateRun(runID, flowType string, inputData, metadata, state map[string]any, currentStep string) (*RunRecord, error) {
	inputJSON, err := marshalJSON(inputData)
	if err != nil {
		return nil, err
	}
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return nil, err
	}
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	now := common.FormatTimestamp(common.UTCNow())
	_, err = s.db.Exec(
		`INSERT INTO flow_runs (run_id, flow_type, status, current_step, input_data_json, state_json, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, flowType, string(StatusPending), currentStep, inputJSON, stateJSON, metaJSON, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRunExists
		}
		return nil, fmt.Errorf("failed to create flow run %s: %w", runID, err)
	}
	return s.GetRun(runID)
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures through the error
	// string; there is no exported sentinel for them.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

const runColumns = `run_id, flow_type, status, current_step, input_data_json, state_json, metadata_json, error_message, created_at, started_at, finished_at, stop_requested`

func (s *Store) scanRun(row interface{ Scan(...any) error }) (*RunRecord, error) {
	var (
		record       RunRecord
		inputJSON    string
		stateJSON    string
		metaJSON     string
		errMsg       sql.NullString
		createdAt    string
		startedAt    sql.NullString
		finishedAt   sql.NullString
		stopRequest  int
		statusString string
	)
	err := row.Scan(
		&record.ID, &record.FlowType, &statusString, &record.CurrentStep,
		&inputJSON, &stateJSON, &metaJSON, &errMsg,
		&createdAt, &startedAt, &finishedAt, &stopRequest,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow run: %w", err)
	}
	record.Status = RunStatus(statusString)
	record.InputData = unmarshalJSON(inputJSON)
	record.State = unmarshalJSON(stateJSON)
	record.Metadata = unmarshalJSON(metaJSON)
	if errMsg.Valid {
		record.ErrorMessage = errMsg.String
	}
	if t, err := common.ParseTimestamp(createdAt); err == nil {
		record.CreatedAt = t
	}
	record.StartedAt = scanTime(startedAt)
	record.FinishedAt = scanTime(finishedAt)
	record.StopRequested = stopRequest != 0
	return &record, nil
}

// GetRun loads one run.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM flow_runs WHERE run_id = ?`, runID)
	return s.scanRun(row)
}

// ListRuns returns runs filtered by optional flow type and status, newest
// first.
func (s *Store) ListRuns(flowType string, status RunStatus) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM flow_runs`
	var (
		conditions []string
		args       []any
	)
	if flowType != "" {
		conditions = append(conditions, "flow_type = ?")
		args = append(args, flowType)
	}
	if status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(status))
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC, run_id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow runs: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// DeleteRun removes a run and (via cascade) its events and artifacts.
func (s *Store) DeleteRun(runID string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM flow_runs WHERE run_id = ?`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to delete flow run %s: %w", runID, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateStatus transitions a run. Terminal-to-terminal transitions are
// idempotent no-ops returning the stored record. Moving into a terminal
// status with FinishedAt unset stamps UTC now; moving into running stamps
// started_at on first entry.
func (s *Store) UpdateStatus(runID string, status RunStatus, update StatusUpdate) (*RunRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.scanRun(tx.QueryRow(`SELECT `+runColumns+` FROM flow_runs WHERE run_id = ?`, runID))
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() && status.IsTerminal() {
		return current, nil
	}

	set := []string{"status = ?"}
	args := []any{string(status)}

	// finished_at is set iff the status is terminal; leaving a terminal
	// state (resume of stopped/failed) clears the stamp.
	if current.Status.IsTerminal() && !status.IsTerminal() && update.FinishedAt == nil {
		update.ClearFinishedAt = true
	}

	if update.HasState {
		stateJSON, err := marshalJSON(update.State)
		if err != nil {
			return nil, err
		}
		set = append(set, "state_json = ?")
		args = append(args, stateJSON)
	}

	switch {
	case update.ClearFinishedAt:
		set = append(set, "finished_at = NULL")
	case update.FinishedAt != nil:
		set = append(set, "finished_at = ?")
		args = append(args, common.FormatTimestamp(*update.FinishedAt))
	case status.IsTerminal():
		set = append(set, "finished_at = ?")
		args = append(args, common.FormatTimestamp(common.UTCNow()))
	}

	switch {
	case update.ClearErrorMessage:
		set = append(set, "error_message = NULL")
	case update.ErrorMessage != nil:
		set = append(set, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}

	if status == StatusRunning && current.StartedAt == nil {
		set = append(set, "started_at = ?")
		args = append(args, common.FormatTimestamp(common.UTCNow()))
	}

	query := "UPDATE flow_runs SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE run_id = ?"
	args = append(args, runID)

	if _, err := tx.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("failed to update flow run %s: %w", runID, err)
	}
	updated, err := s.scanRun(tx.QueryRow(`SELECT `+runColumns+` FROM flow_runs WHERE run_id = ?`, runID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return updated, nil
}

// SetCurrentStep records the run's position in the step graph.
func (s *Store) SetCurrentStep(runID, step string) error {
	result, err := s.db.Exec(`UPDATE flow_runs SET current_step = ? WHERE run_id = ?`, step, runID)
	if err != nil {
		return fmt.Errorf("failed to set current step for %s: %w", runID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SetStopRequested flips the stop_requested flag.
func (s *Store) SetStopRequested(runID string, flag bool) (*RunRecord, error) {
	value := 0
	if flag {
		value = 1
	}
	result, err := s.db.Exec(`UPDATE flow_runs SET stop_requested = ? WHERE run_id = ?`, value, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to set stop_requested for %s: %w", runID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrRunNotFound
	}
	return s.GetRun(runID)
}

// CreateEvent appends an event, assigning the next dense sequence number
// atomically inside a transaction.
func (s *Store) CreateEvent(eventID, runID string, eventType EventType, data map[string]any) (*Event, error) {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM flow_runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check flow run %s: %w", runID, err)
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_events WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to compute next seq for %s: %w", runID, err)
	}
	createdAt := common.UTCNow()
	_, err = tx.Exec(
		`INSERT INTO flow_events (event_id, run_id, seq, event_type, data_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, runID, seq, string(eventType), dataJSON, common.FormatTimestamp(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event for %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit event: %w", err)
	}
	return &Event{
		ID: eventID, RunID: runID, Seq: seq, Type: eventType,
		Data: unmarshalJSON(dataJSON), CreatedAt: createdAt,
	}, nil
}

const eventColumns = `event_id, run_id, seq, event_type, data_json, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var (
		event     Event
		eventType string
		dataJSON  string
		createdAt string
	)
	err := row.Scan(&event.ID, &event.RunID, &event.Seq, &eventType, &dataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow event: %w", err)
	}
	event.Type = EventType(eventType)
	event.Data = unmarshalJSON(dataJSON)
	if t, err := common.ParseTimestamp(createdAt); err == nil {
		event.CreatedAt = t
	}
	return &event, nil
}

// GetEvents returns events for a run with seq > afterSeq, oldest first.
// limit <= 0 means no limit.
func (s *Store) GetEvents(runID string, afterSeq int64, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM flow_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetLastEventByType returns the newest event of a type, or nil.
func (s *Store) GetLastEventByType(runID string, eventType EventType) (*Event, error) {
	row := s.db.QueryRow(
		`SELECT `+eventColumns+` FROM flow_events WHERE run_id = ? AND event_type = ? ORDER BY seq DESC LIMIT 1`,
		runID, string(eventType),
	)
	return scanEvent(row)
}

// GetLastEventMeta returns the newest seq and its created_at for a run.
// A run with no events reports seq 0.
func (s *Store) GetLastEventMeta(runID string) (int64, *time.Time, error) {
	var (
		seq       sql.NullInt64
		createdAt sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT MAX(seq), MAX(created_at) FROM flow_events WHERE run_id = ?`, runID,
	).Scan(&seq, &createdAt)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read last event meta for %s: %w", runID, err)
	}
	if !seq.Valid {
		return 0, nil, nil
	}
	return seq.Int64, scanTime(createdAt), nil
}

// CreateArtifact records a file reference produced by a run.
func (s *Store) CreateArtifact(artifactID, runID, kind, path string, metadata map[string]any) (*Artifact, error) {
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, err
	}
	createdAt := common.UTCNow()
	_, err = s.db.Exec(
		`INSERT INTO flow_artifacts (artifact_id, run_id, kind, path, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		artifactID, runID, kind, path, metaJSON, common.FormatTimestamp(createdAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact for %s: %w", runID, err)
	}
	return &Artifact{
		ID: artifactID, RunID: runID, Kind: kind, Path: path,
		Metadata: unmarshalJSON(metaJSON), CreatedAt: createdAt,
	}, nil
}

// GetArtifacts lists artifacts for a run, oldest first.
func (s *Store) GetArtifacts(runID string) ([]*Artifact, error) {
	rows, err := s.db.Query(
		`SELECT artifact_id, run_id, kind, path, metadata_json, created_at FROM flow_artifacts WHERE run_id = ? ORDER BY created_at ASC, artifact_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for %s: %w", runID, err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var (
			artifact  Artifact
			metaJSON  string
			createdAt string
		)
		if err := rows.Scan(&artifact.ID, &artifact.RunID, &artifact.Kind, &artifact.Path, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifact.Metadata = unmarshalJSON(metaJSON)
		if t, err := common.ParseTimestamp(createdAt); err == nil {
			artifact.CreatedAt = t
		}
		artifacts = append(artifacts, &artifact)
	}
	return artifacts, rows.Err()
}
