// Package inbox projects the attention queue surfaced to operators: every
// non-completed ticket flow run across the hub's repos, annotated with its
// latest dispatch and whether a human already replied, minus per-repo
// dismissals recorded through the resolve endpoint.
package inbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"car.autorunner.dev/common"
	"car.autorunner.dev/config"
	"car.autorunner.dev/flows"
	"car.autorunner.dev/tickets"
	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Item types surfaced to the UI.
const (
	ItemRunDispatch       = "run_dispatch"
	ItemRunStateAttention = "run_state_attention"
	ItemRunFailed         = "run_failed"
	ItemRunStopped        = "run_stopped"
)

// Item is one attention queue entry.
type Item struct {
	RepoID       string    `json:"repo_id"`
	RunID        string    `json:"run_id"`
	ItemType     string    `json:"item_type"`
	Status       string    `json:"status"`
	Title        string    `json:"title,omitempty"`
	Preview      string    `json:"preview,omitempty"`
	DispatchSeq  int       `json:"dispatch_seq,omitempty"`
	DispatchMode string    `json:"dispatch_mode,omitempty"`
	Replied      bool      `json:"replied"`
	CreatedAt    time.Time `json:"created_at"`
	Age          string    `json:"age,omitempty"`
}

// Dismissal is one resolved inbox entry, persisted per repo.
type Dismissal struct {
	RunID      string `json:"run_id"`
	ItemType   string `json:"item_type"`
	Seq        int    `json:"seq,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ResolvedAt string `json:"resolved_at"`
}

const dismissalsFilename = "inbox_dismissals.json"

// DismissalStore persists dismissals under a repo's dot dir.
type DismissalStore struct {
	path string
}

// NewDismissalStore returns the store for one repo.
func NewDismissalStore(repoRoot string) *DismissalStore {
	return &DismissalStore{path: filepath.Join(repoRoot, config.DotDir, dismissalsFilename)}
}

func (s *DismissalStore) lockPath() string {
	return s.path + ".lock"
}

// Load returns all recorded dismissals.
func (s *DismissalStore) Load() ([]Dismissal, error) {
	var out []Dismissal
	err := common.WithFileLock(s.lockPath(), func() error {
		raw, err := os.ReadFile(s.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load dismissals: %w", err)
	}
	return out, nil
}

// Record appends one dismissal.
func (s *DismissalStore) Record(dismissal Dismissal) error {
	if dismissal.ResolvedAt == "" {
		dismissal.ResolvedAt = common.FormatTimestamp(common.UTCNow())
	}
	return common.WithFileLock(s.lockPath(), func() error {
		var existing []Dismissal
		if raw, err := os.ReadFile(s.path); err == nil {
			_ = json.Unmarshal(raw, &existing)
		}
		existing = append(existing, dismissal)
		data, err := json.MarshalIndent(existing, "", "  ")
		if err != nil {
			return err
		}
		return common.AtomicWriteJSON(s.path, data)
	})
}

// dismissed reports whether an item is covered by a recorded dismissal.
// A dismissal with a seq only covers dispatches up to that seq, so a newer
// dispatch resurfaces the run.
func dismissed(dismissals []Dismissal, item Item) bool {
	for _, d := range dismissals {
		if d.RunID != item.RunID || d.ItemType != item.ItemType {
			continue
		}
		if item.ItemType == ItemRunDispatch && d.Seq > 0 && item.DispatchSeq > d.Seq {
			continue
		}
		return true
	}
	return false
}

// RepoSource is one repo the projector scans.
type RepoSource struct {
	RepoID   string
	RepoRoot string
	Store    *flows.Store
}

// Projector computes the merged attention queue.
type Projector struct {
	logger *logrus.Entry
}

// NewProjector builds a projector.
func NewProjector(logger *logrus.Entry) *Projector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Projector{logger: logger.WithField("component", "inbox")}
}

// Project lists attention items across repos, newest run first.
func (p *Projector) Project(sources []RepoSource) ([]Item, error) {
	var items []Item
	for _, source := range sources {
		repoItems, err := p.projectRepo(source)
		if err != nil {
			p.logger.WithError(err).WithField("repo_id", source.RepoID).
				Warn("inbox projection failed for repo")
			continue
		}
		items = append(items, repoItems...)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

func (p *Projector) projectRepo(source RepoSource) ([]Item, error) {
	records, err := source.Store.ListRuns(tickets.FlowType, "")
	if err != nil {
		return nil, err
	}
	dismissals, err := NewDismissalStore(source.RepoRoot).Load()
	if err != nil {
		p.logger.WithError(err).Debug("failed to load dismissals")
	}

	var items []Item
	for _, record := range records {
		if record.Status == flows.StatusCompleted {
			continue
		}
		item := p.projectRun(source, record)
		if dismissed(dismissals, item) {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// projectRun derives one run's inbox item: the best dispatch (pause first,
// then any non-summary, then summaries), reply state and the item type.
func (p *Projector) projectRun(source RepoSource, record *flows.RunRecord) Item {
	item := Item{
		RepoID:    source.RepoID,
		RunID:     record.ID,
		Status:    string(record.Status),
		CreatedAt: record.CreatedAt,
		Age:       humanAge(record.CreatedAt),
	}

	workspaceRoot := source.RepoRoot
	if raw, ok := record.InputData["workspace_root"].(string); ok && strings.TrimSpace(raw) != "" {
		workspaceRoot = raw
	}
	runsDir := config.DotDir + "/runs"
	if raw, ok := record.InputData["runs_dir"].(string); ok && strings.TrimSpace(raw) != "" {
		runsDir = raw
	}
	paths := tickets.ResolveRunPaths(workspaceRoot, runsDir, record.ID)

	seq, dispatch := bestDispatch(paths)
	if dispatch != nil {
		item.DispatchSeq = seq
		item.DispatchMode = string(dispatch.Mode)
		item.Title = dispatch.Title
		item.Preview = preview(dispatch.Body)
		item.Replied = tickets.LatestSeq(paths.ReplyHistoryDir) >= seq
	}

	pending := dispatch != nil && !item.Replied && dispatch.Mode != tickets.ModeTurnSummary
	switch {
	case pending:
		item.ItemType = ItemRunDispatch
	case record.Status == flows.StatusFailed:
		item.ItemType = ItemRunFailed
		if item.Preview == "" {
			item.Preview = failurePreview(record)
		}
	case record.Status == flows.StatusStopped:
		item.ItemType = ItemRunStopped
	default:
		item.ItemType = ItemRunStateAttention
	}
	return item
}

// bestDispatch picks the highest-seq pause dispatch, then the highest
// non-summary, then the highest summary.
func bestDispatch(paths tickets.RunPaths) (int, *tickets.Dispatch) {
	latest := tickets.LatestSeq(paths.DispatchHistoryDir)
	if latest == 0 {
		return 0, nil
	}
	var (
		bestSeq  int
		best     *tickets.Dispatch
		bestRank = -1
	)
	for seq := latest; seq >= 1; seq-- {
		dispatch, err := tickets.LoadArchivedDispatch(paths, seq)
		if err != nil {
			continue
		}
		rank := 0
		switch dispatch.Mode {
		case tickets.ModePause:
			rank = 2
		case tickets.ModeNotify:
			rank = 1
		}
		if rank > bestRank {
			bestRank = rank
			best = dispatch
			bestSeq = seq
		}
		if rank == 2 {
			break
		}
	}
	return bestSeq, best
}

func preview(body string) string {
	cleaned := strings.TrimSpace(body)
	if idx := strings.IndexByte(cleaned, '\n'); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	if len(cleaned) > 160 {
		cleaned = cleaned[:157] + "..."
	}
	return cleaned
}

func failurePreview(record *flows.RunRecord) string {
	if failure, ok := record.State["failure"].(map[string]any); ok {
		if msg, ok := failure["error"].(string); ok && msg != "" {
			return preview(msg)
		}
	}
	return preview(record.ErrorMessage)
}

func humanAge(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.Time(t)
}
