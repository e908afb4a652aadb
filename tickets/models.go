// Package tickets implements the ticket flow: ordered markdown tickets with
// YAML frontmatter, the dispatch outbox an agent writes its user-facing
// messages into, the reply inbox humans answer through, and the ticket
// engine — the flow definition that drives one agent turn per step.
package tickets

import (
	"path/filepath"
)

// DispatchMode classifies a dispatch's semantics. Only pause forces the
// flow into paused.
type DispatchMode string

const (
	ModePause       DispatchMode = "pause"
	ModeNotify      DispatchMode = "notify"
	ModeTurnSummary DispatchMode = "turn_summary"
)

// Valid reports whether the mode is one of the known values.
func (m DispatchMode) Valid() bool {
	return m == ModePause || m == ModeNotify || m == ModeTurnSummary
}

// Frontmatter is the parsed, validated ticket frontmatter. Only a minimal
// set of keys drives orchestration; the rest is preserved in Extra.
type Frontmatter struct {
	Agent    string
	Done     bool
	Title    string
	Goal     string
	Requires []string
	Extra    map[string]any
}

// TicketDoc is one parsed ticket file. RawFrontmatter keeps the original
// YAML block byte-for-byte so rendering without normalisation is lossless.
type TicketDoc struct {
	Path           string
	Index          int
	Frontmatter    Frontmatter
	RawFrontmatter string
	Body           string
}

// Filename returns the ticket's base filename.
func (t *TicketDoc) Filename() string {
	return filepath.Base(t.Path)
}

// Dispatch is a parsed agent-to-user message.
type Dispatch struct {
	Mode  DispatchMode
	Title string
	Body  string
	Extra map[string]any
}

// ArchivedDispatch is the result of archiving one dispatch into history.
type ArchivedDispatch struct {
	Seq           int
	Message       Dispatch
	ArchivedDir   string
	ArchivedFiles []string
}

// Reply is a human answer to a dispatch.
type Reply struct {
	Seq  int
	Body string
	Path string
}
