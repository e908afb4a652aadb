package inbox

import (
	"os"
	"path/filepath"
	"strings"

	"car.autorunner.dev/config"
	"car.autorunner.dev/flows"
	"car.autorunner.dev/tickets"
)

// PauseSnapshot is the latest paused ticket flow dispatch for a repo,
// rendered for the dashboard's front card.
type PauseSnapshot struct {
	RunID       string `json:"run_id"`
	DispatchSeq string `json:"dispatch_seq"`
	Markdown    string `json:"markdown"`
	DispatchDir string `json:"dispatch_dir,omitempty"`
}

// LatestPausedDispatch returns the newest paused run's current dispatch, or
// nil when no run is paused. A paused run without an archived dispatch
// still yields a snapshot carrying the formatted pause reason.
func LatestPausedDispatch(store *flows.Store, repoRoot string) (*PauseSnapshot, error) {
	runs, err := store.ListRuns(tickets.FlowType, flows.StatusPaused)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	latest := runs[0]

	runsDir := config.DotDir + "/runs"
	if raw, ok := latest.InputData["runs_dir"].(string); ok && strings.TrimSpace(raw) != "" {
		runsDir = raw
	}
	workspaceRoot := repoRoot
	if raw, ok := latest.InputData["workspace_root"].(string); ok && strings.TrimSpace(raw) != "" {
		workspaceRoot = raw
	}
	paths := tickets.ResolveRunPaths(workspaceRoot, runsDir, latest.ID)

	seq := tickets.LatestSeq(paths.DispatchHistoryDir)
	if seq == 0 {
		return &PauseSnapshot{
			RunID:       latest.ID,
			DispatchSeq: "paused",
			Markdown:    pauseReasonLine(latest),
		}, nil
	}

	dispatchDir := filepath.Join(paths.DispatchHistoryDir, tickets.SeqDirName(seq))
	raw, err := os.ReadFile(filepath.Join(dispatchDir, tickets.DispatchFilename))
	if err != nil {
		return nil, err
	}
	return &PauseSnapshot{
		RunID:       latest.ID,
		DispatchSeq: tickets.SeqDirName(seq),
		Markdown:    string(raw),
		DispatchDir: dispatchDir,
	}, nil
}

// pauseReasonLine formats the run's pause reason for display, collapsing
// whitespace and bounding the length.
func pauseReasonLine(record *flows.RunRecord) string {
	reason := record.ErrorMessage
	if engine, ok := record.State["ticket_engine"].(map[string]any); ok {
		if raw, ok := engine["reason"].(string); ok && strings.TrimSpace(raw) != "" {
			reason = raw
		}
	}
	if strings.TrimSpace(reason) == "" {
		return "Reason: paused without details."
	}
	normalized := strings.Join(strings.Fields(reason), " ")
	if len(normalized) > 200 {
		normalized = normalized[:197] + "..."
	}
	if strings.HasPrefix(normalized, "Reason: ") {
		return normalized
	}
	return "Reason: " + normalized
}
