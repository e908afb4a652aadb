package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"car.autorunner.dev/common"
	"car.autorunner.dev/flows"
	"github.com/sirupsen/logrus"
)

// FlowType is the ticket flow's registered type name.
const FlowType = "ticket_flow"

// StepRunOneTurn is the single (self re-entering) step of the ticket flow.
const StepRunOneTurn = "run_one_turn"

// Reason codes recorded in the engine state on non-happy endings.
const (
	ReasonMaxTurns      = "max_turns"
	ReasonAgentError    = "agent_error"
	ReasonMissingTicket = "missing_ticket"
	ReasonStopRequested = "stop_requested"
)

// AgentUser is the pseudo agent id that immediately hands control to the
// human operator.
const AgentUser = "user"

// TurnRequest describes one agent turn.
type TurnRequest struct {
	AgentID       string
	WorkspaceRoot string
	Prompt        string
	ShouldStop    func() bool
	// OnEvent receives streamed agent part events (reasoning, tool calls,
	// patches, usage) while the turn is in flight.
	OnEvent func(data map[string]any)
}

// TurnResult is the terminal payload of one agent turn.
type TurnResult struct {
	Output         string
	ConversationID string
	TurnID         string
}

// TurnRunner executes agent turns. The agent supervisor provides the real
// implementation; tests substitute fakes.
type TurnRunner interface {
	RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error)
}

// EngineState is the typed shape of state.ticket_engine. It round-trips
// through the run's JSON state column.
type EngineState struct {
	Status          string         `json:"status"`
	CurrentTicket   string         `json:"current_ticket,omitempty"`
	TotalTurns      int            `json:"total_turns"`
	TurnsByTicket   map[string]int `json:"turns_by_ticket,omitempty"`
	LastDispatchSeq int            `json:"last_dispatch_seq"`
	LastReplySeq    int            `json:"last_reply_seq,omitempty"`
	ReasonCode      string         `json:"reason_code,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// stateKey is the engine's slot inside the run state.
const stateKey = "ticket_engine"

func loadEngineState(state map[string]any) EngineState {
	out := EngineState{Status: "running", TurnsByTicket: map[string]int{}}
	raw, ok := state[stateKey]
	if !ok {
		return out
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(encoded, &out)
	if out.TurnsByTicket == nil {
		out.TurnsByTicket = map[string]int{}
	}
	if out.Status == "" {
		out.Status = "running"
	}
	return out
}

func (s EngineState) patch() map[string]any {
	encoded, err := json.Marshal(s)
	if err != nil {
		return map[string]any{stateKey: map[string]any{}}
	}
	var generic map[string]any
	_ = json.Unmarshal(encoded, &generic)
	return map[string]any{stateKey: generic}
}

// EngineConfig are the validated ticket engine constants.
type EngineConfig struct {
	TicketDir                 string
	MaxTotalTurns             int
	AutoCommit                bool
	CheckpointMessageTemplate string
	KnownAgents               []string
}

// Validate rejects unusable configurations at construction time.
func (c EngineConfig) Validate() error {
	if c.TicketDir == "" {
		return fmt.Errorf("ticket engine requires a ticket directory")
	}
	if c.MaxTotalTurns <= 0 {
		return fmt.Errorf("ticket engine requires max_total_turns >= 1")
	}
	if c.AutoCommit && c.CheckpointMessageTemplate == "" {
		return fmt.Errorf("ticket engine auto_commit requires a checkpoint message template")
	}
	return nil
}

// EngineOptions wire the engine's collaborators.
type EngineOptions struct {
	Runner TurnRunner
	// OnDispatch observes each archived dispatch (mirrored to the
	// lifecycle bus by the services layer).
	OnDispatch func(runID string, dispatch *ArchivedDispatch)
	Logger     *logrus.Entry
}

// Engine drives ordered tickets through agent turns. It is stateless across
// steps; everything it needs lives in the run's input data and state.
type Engine struct {
	config     EngineConfig
	runner     TurnRunner
	onDispatch func(runID string, dispatch *ArchivedDispatch)
	logger     *logrus.Entry
}

// NewEngine validates the config and returns an engine.
func NewEngine(config EngineConfig, opts EngineOptions) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("ticket engine requires a turn runner")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(config.KnownAgents) == 0 {
		config.KnownAgents = []string{"codex", "opencode", AgentUser}
	}
	return &Engine{
		config:     config,
		runner:     opts.Runner,
		onDispatch: opts.OnDispatch,
		logger:     logger,
	}, nil
}

// Definition returns the ticket_flow flow definition backed by this engine.
func (e *Engine) Definition() *flows.Definition {
	return &flows.Definition{
		FlowType:    FlowType,
		InitialStep: StepRunOneTurn,
		Steps: map[string]flows.StepFn{
			StepRunOneTurn: e.runOneTurn,
		},
	}
}

func (e *Engine) knownAgent(id string) bool {
	for _, agent := range e.config.KnownAgents {
		if agent == id {
			return true
		}
	}
	return false
}

func inputString(input map[string]any, key, fallback string) string {
	if raw, ok := input[key].(string); ok && strings.TrimSpace(raw) != "" {
		return raw
	}
	return fallback
}

// runOneTurn is the single step: select the next ticket, run one agent turn
// against it, archive the produced dispatch and decide how to proceed.
func (e *Engine) runOneTurn(step *flows.StepContext) flows.StepOutcome {
	workspaceRoot := inputString(step.InputData, "workspace_root", "")
	if workspaceRoot == "" {
		return flows.Fail(errors.New("ticket flow input requires workspace_root"), nil)
	}
	runsDir := inputString(step.InputData, "runs_dir", ".codex-autorunner/runs")
	paths := ResolveRunPaths(workspaceRoot, runsDir, step.RunID)
	engine := loadEngineState(step.State)

	if err := paths.EnsureRunDirs(); err != nil {
		engine.Status = "failed"
		engine.Reason = err.Error()
		return flows.Fail(err, engine.patch())
	}

	// Select ticket.
	docs, err := ListTickets(e.config.TicketDir)
	if err != nil {
		engine.Status = "failed"
		engine.ReasonCode = ReasonMissingTicket
		engine.Reason = err.Error()
		return flows.Fail(fmt.Errorf("%s: %w", ReasonMissingTicket, err), engine.patch())
	}
	ticket := NextOpenTicket(docs)
	if ticket == nil {
		engine.Status = "completed"
		engine.CurrentTicket = ""
		return flows.Complete(engine.patch())
	}
	engine.CurrentTicket = ticket.Filename()

	// Guard turns.
	if engine.TotalTurns >= e.config.MaxTotalTurns {
		engine.Status = "failed"
		engine.ReasonCode = ReasonMaxTurns
		engine.Reason = fmt.Sprintf("turn budget exhausted (%d)", e.config.MaxTotalTurns)
		return flows.Fail(fmt.Errorf("max_turns: turn budget exhausted after %d turns", engine.TotalTurns), engine.patch())
	}

	// Resolve agent.
	agentID := ticket.Frontmatter.Agent
	if !e.knownAgent(agentID) {
		engine.Status = "failed"
		engine.ReasonCode = ReasonAgentError
		engine.Reason = fmt.Sprintf("unknown agent %q", agentID)
		return flows.Fail(fmt.Errorf("unknown agent %q in %s", agentID, ticket.Filename()), engine.patch())
	}
	if agentID == AgentUser {
		return e.pauseForUser(step, paths, ticket, engine)
	}

	if step.ShouldStop() {
		engine.Status = "running"
		engine.ReasonCode = ReasonStopRequested
		return flows.Stop("stop requested", engine.patch())
	}

	prompt, err := e.buildPrompt(workspaceRoot, paths, ticket, &engine)
	if err != nil {
		engine.Status = "failed"
		engine.ReasonCode = ReasonMissingTicket
		engine.Reason = err.Error()
		return flows.Fail(err, engine.patch())
	}

	// Dispatch the turn. One retry covers an agent subprocess that died
	// since the last step; the supervisor reattaches on the second call.
	result, err := e.runTurnWithRetry(step, agentID, workspaceRoot, prompt)
	if err != nil {
		if step.ShouldStop() {
			engine.ReasonCode = ReasonStopRequested
			return flows.Stop("stop requested during turn", engine.patch())
		}
		engine.Status = "failed"
		engine.ReasonCode = ReasonAgentError
		engine.Reason = err.Error()
		return flows.Fail(fmt.Errorf("agent_error: %w", err), engine.patch())
	}

	engine.TotalTurns++
	engine.TurnsByTicket[ticket.Filename()]++
	step.EmitEvent(flows.EventAppServerEvent, map[string]any{
		"message":     map[string]any{"method": "turn/completed"},
		"turn_id":     result.TurnID,
		"output_tail": tail(result.Output, 2000),
	})

	if step.ShouldStop() {
		// Finish without archiving: the stop wins over the dispatch.
		engine.ReasonCode = ReasonStopRequested
		return flows.Stop("stop requested during turn", engine.patch())
	}

	// Observe dispatch.
	var events []flows.EventSpec
	dispatch, err := ArchiveDispatch(paths, LatestSeq(paths.DispatchHistoryDir)+1)
	if err != nil {
		engine.Status = "failed"
		engine.ReasonCode = ReasonAgentError
		engine.Reason = err.Error()
		return flows.Fail(fmt.Errorf("dispatch archive failed: %w", err), engine.patch())
	}
	if dispatch != nil {
		engine.LastDispatchSeq = dispatch.Seq
		events = append(events, flows.EventSpec{
			Type: flows.EventDispatchCreated,
			Data: map[string]any{
				"seq":   dispatch.Seq,
				"mode":  string(dispatch.Message.Mode),
				"title": dispatch.Message.Title,
			},
		})
		if e.onDispatch != nil {
			e.onDispatch(step.RunID, dispatch)
		}
	}

	e.checkpoint(step, workspaceRoot, agentID, engine.TotalTurns)

	// Decide next.
	if dispatch != nil && dispatch.Message.Mode == ModePause {
		engine.Status = "paused"
		engine.Reason = pauseReason(dispatch)
		return flows.Pause(engine.Reason, engine.patch(), events...)
	}

	reloaded, err := LoadTicket(ticket.Path)
	if err != nil {
		engine.Status = "failed"
		engine.ReasonCode = ReasonMissingTicket
		engine.Reason = err.Error()
		return flows.Fail(fmt.Errorf("missing_ticket: %w", err), engine.patch(), events...)
	}
	if reloaded.Frontmatter.Done {
		engine.CurrentTicket = ""
		engine.Status = "running"
		return flows.ContinueTo(StepRunOneTurn, engine.patch(), events...)
	}
	if dispatch == nil {
		engine.Status = "failed"
		engine.ReasonCode = ReasonAgentError
		engine.Reason = "agent produced neither a dispatch nor ticket progress"
		return flows.Fail(errors.New("agent_error: no dispatch produced and ticket unchanged"), engine.patch())
	}
	engine.Status = "running"
	return flows.ContinueTo(StepRunOneTurn, engine.patch(), events...)
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[len(s)-limit:]
}

func pauseReason(dispatch *ArchivedDispatch) string {
	if dispatch.Message.Title != "" {
		return dispatch.Message.Title
	}
	preview := strings.TrimSpace(dispatch.Message.Body)
	if len(preview) > 120 {
		preview = preview[:117] + "..."
	}
	if preview == "" {
		return "paused by agent"
	}
	return preview
}

// pauseForUser writes the pause dispatch a `user` ticket asks for and
// suspends immediately: the human is the agent here.
func (e *Engine) pauseForUser(step *flows.StepContext, paths RunPaths, ticket *TicketDoc, engine EngineState) flows.StepOutcome {
	title := ticket.Frontmatter.Title
	if title == "" {
		title = ticket.Filename()
	}
	content := RenderDispatch(ModePause, title, ticket.Body, map[string]any{"ticket": ticket.Filename()})
	if err := common.AtomicWrite(paths.DispatchPath, []byte(content)); err != nil {
		engine.Status = "failed"
		engine.Reason = err.Error()
		return flows.Fail(err, engine.patch())
	}
	dispatch, err := ArchiveDispatch(paths, LatestSeq(paths.DispatchHistoryDir)+1)
	if err != nil || dispatch == nil {
		engine.Status = "failed"
		if err != nil {
			engine.Reason = err.Error()
		}
		return flows.Fail(fmt.Errorf("failed to archive user dispatch: %w", err), engine.patch())
	}
	engine.LastDispatchSeq = dispatch.Seq
	engine.Status = "paused"
	engine.Reason = title
	if e.onDispatch != nil {
		e.onDispatch(step.RunID, dispatch)
	}
	event := flows.EventSpec{
		Type: flows.EventDispatchCreated,
		Data: map[string]any{"seq": dispatch.Seq, "mode": string(ModePause), "title": title},
	}
	return flows.Pause(title, engine.patch(), event)
}

// buildPrompt concatenates the ticket body, its requires files and any
// unconsumed human reply into the turn prompt.
func (e *Engine) buildPrompt(workspaceRoot string, paths RunPaths, ticket *TicketDoc, engine *EngineState) (string, error) {
	var sb strings.Builder
	sb.WriteString(ticket.Body)

	for _, required := range ticket.Frontmatter.Requires {
		content, err := ReadRequiredFile(workspaceRoot, required)
		if err != nil {
			return "", err
		}
		sb.WriteString("\n\n--- required file: " + required + " ---\n")
		sb.WriteString(content)
	}

	reply, err := UnconsumedReply(paths, engine.LastReplySeq)
	if err != nil {
		e.logger.WithError(err).Warn("failed to load pending reply")
	} else if reply != nil {
		sb.WriteString("\n\n--- operator reply ---\n")
		sb.WriteString(reply.Body)
		engine.LastReplySeq = reply.Seq
	}
	return sb.String(), nil
}

func (e *Engine) runTurnWithRetry(step *flows.StepContext, agentID, workspaceRoot, prompt string) (*TurnResult, error) {
	req := TurnRequest{
		AgentID:       agentID,
		WorkspaceRoot: workspaceRoot,
		Prompt:        prompt,
		ShouldStop:    step.ShouldStop,
		OnEvent: func(data map[string]any) {
			step.EmitEvent(flows.EventAppServerEvent, data)
		},
	}
	result, err := e.runner.RunTurn(step.Ctx, req)
	if err == nil {
		return result, nil
	}
	if step.ShouldStop() || step.Ctx.Err() != nil {
		return nil, err
	}
	step.Logger.WithError(err).Warn("agent turn failed, retrying once after reattach")
	return e.runner.RunTurn(step.Ctx, req)
}

// checkpoint commits workspace changes after a turn when auto_commit is on.
// Failures are warnings only.
func (e *Engine) checkpoint(step *flows.StepContext, workspaceRoot, agentID string, turn int) {
	if !e.config.AutoCommit {
		return
	}
	message := e.config.CheckpointMessageTemplate
	message = strings.ReplaceAll(message, "{run_id}", step.RunID)
	message = strings.ReplaceAll(message, "{turn}", fmt.Sprintf("%d", turn))
	message = strings.ReplaceAll(message, "{agent}", agentID)

	add := exec.CommandContext(step.Ctx, "git", "add", "-A")
	add.Dir = workspaceRoot
	if out, err := add.CombinedOutput(); err != nil {
		step.Logger.WithError(err).WithField("output", strings.TrimSpace(string(out))).
			Warn("checkpoint git add failed")
		return
	}
	commit := exec.CommandContext(step.Ctx, "git", "commit", "-m", message)
	commit.Dir = workspaceRoot
	if out, err := commit.CombinedOutput(); err != nil {
		step.Logger.WithField("output", strings.TrimSpace(string(out))).
			Debug("checkpoint commit skipped")
	}
}
