// Package services is the hub's composition root: it lazily constructs and
// caches one flow controller, ticket engine, reconciler and safety checker
// per repo, plus one agent supervisor per agent kind, and tears everything
// down on Close without letting one failure block the rest.
package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"car.autorunner.dev/agents"
	"car.autorunner.dev/config"
	"car.autorunner.dev/flows"
	"car.autorunner.dev/lifecycle"
	"car.autorunner.dev/reconcile"
	"car.autorunner.dev/registry"
	"car.autorunner.dev/safety"
	"car.autorunner.dev/tickets"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// RepoServices bundles one repo's constructed collaborators.
type RepoServices struct {
	RepoRoot   string
	RepoID     string
	Config     config.RepoConfig
	Controller *flows.Controller
	Engine     *tickets.Engine
	Reconciler *reconcile.Reconciler
	Safety     *safety.Checker
}

// Services is the process-local registry of constructed components.
type Services struct {
	hubRoot string
	logger  *logrus.Entry

	mu          sync.Mutex
	repos       map[string]*RepoServices
	supervisors map[string]*agents.Supervisor
	emitter     *lifecycle.Emitter
	closed      bool
}

// New builds the (empty) services registry for a hub root.
func New(hubRoot string, logger *logrus.Entry) *Services {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Services{
		hubRoot:     hubRoot,
		logger:      logger,
		repos:       map[string]*RepoServices{},
		supervisors: map[string]*agents.Supervisor{},
	}
}

// HubRoot returns the hub root directory ("" for a standalone repo).
func (s *Services) HubRoot() string { return s.hubRoot }

// Emitter returns the hub lifecycle emitter (lazily constructed).
func (s *Services) Emitter() *lifecycle.Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitterLocked()
}

func (s *Services) emitterLocked() *lifecycle.Emitter {
	if s.emitter == nil {
		root := s.hubRoot
		if root == "" {
			root = "."
		}
		s.emitter = lifecycle.NewEmitter(root, s.logger)
	}
	return s.emitter
}

// Supervisor returns (constructing if needed) the supervisor for an agent
// kind, shared across repos.
func (s *Services) Supervisor(kind string, cfg config.AgentConfig, repoRoot string) (*agents.Supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("services registry is closed")
	}
	if supervisor, ok := s.supervisors[kind]; ok {
		return supervisor, nil
	}
	reg := registry.New(filepath.Join(repoRoot, config.DotDir, "process-registry"))
	supervisor, err := agents.NewSupervisor(agents.Config{
		Kind:           kind,
		Command:        cfg.Command,
		Scope:          cfg.Scope,
		MaxHandles:     cfg.MaxHandles,
		IdleTTL:        cfg.IdleTTL,
		StartupTimeout: cfg.StartupTimeout,
		TurnTimeout:    cfg.TurnTimeout,
		PasswordEnv:    cfg.PasswordEnv,
	}, agents.SupervisorOptions{
		Registry: reg,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.supervisors[kind] = supervisor
	return supervisor, nil
}

// Repo returns (constructing if needed) the per-repo services, keyed by the
// canonical repo path.
func (s *Services) Repo(repoRoot string) (*RepoServices, error) {
	canonical, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise repo root: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("services registry is closed")
	}
	if repo, ok := s.repos[canonical]; ok {
		s.mu.Unlock()
		return repo, nil
	}
	emitter := s.emitterLocked()
	s.mu.Unlock()

	repo, err := s.buildRepo(canonical, emitter)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.repos[canonical]; ok {
		// Lost the construction race; drop ours.
		go repo.close(s.logger)
		return existing, nil
	}
	s.repos[canonical] = repo
	return repo, nil
}

func (s *Services) buildRepo(repoRoot string, emitter *lifecycle.Emitter) (*RepoServices, error) {
	cfg, err := config.LoadRepoConfig(repoRoot)
	if err != nil {
		return nil, err
	}
	repoID := config.ResolveRepoID(s.hubRoot, repoRoot)
	dotDir := filepath.Join(repoRoot, config.DotDir)

	store, err := flows.OpenStore(filepath.Join(dotDir, "flows.db"), cfg.DurableWrites)
	if err != nil {
		return nil, err
	}

	checker, err := safety.NewChecker(dotDir, cfg.Safety, s.logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	engine, err := tickets.NewEngine(tickets.EngineConfig{
		TicketDir:                 filepath.Join(repoRoot, cfg.TicketsDir),
		MaxTotalTurns:             cfg.Tickets.MaxTotalTurns,
		AutoCommit:                cfg.Tickets.AutoCommit,
		CheckpointMessageTemplate: cfg.Tickets.CheckpointMessageTemplate,
	}, tickets.EngineOptions{
		Runner: &supervisorRunner{services: s, repoRoot: repoRoot, cfg: cfg},
		Logger: s.logger,
		OnDispatch: func(runID string, dispatch *tickets.ArchivedDispatch) {
			emitter.EmitDispatchCreated(repoID, runID, map[string]any{
				"seq":   dispatch.Seq,
				"mode":  string(dispatch.Message.Mode),
				"title": dispatch.Message.Title,
			}, "engine")
		},
	})
	if err != nil {
		checker.Close()
		store.Close()
		return nil, err
	}

	controller, err := flows.NewController(engine.Definition(), store, flows.ControllerOptions{
		ArtifactsRoot: filepath.Join(dotDir, "flows"),
		Logger:        s.logger,
		OnLifecycle: func(eventType flows.EventType, runID string, data map[string]any) {
			payload := map[string]any{}
			for key, value := range data {
				payload[key] = value
			}
			payload[lifecycle.TransitionTokenKey] = runID + ":" + string(eventType)
			switch eventType {
			case flows.EventFlowPaused:
				emitter.EmitFlowPaused(repoID, runID, data)
			case flows.EventFlowCompleted:
				emitter.EmitFlowCompleted(repoID, runID, payload)
			case flows.EventFlowFailed:
				emitter.EmitFlowFailed(repoID, runID, payload)
			case flows.EventFlowStopped:
				emitter.EmitFlowStopped(repoID, runID, payload)
			}
		},
	})
	if err != nil {
		checker.Close()
		store.Close()
		return nil, err
	}

	reconciler := reconcile.New(repoRoot, store, reconcile.Options{
		RepoID:  repoID,
		Emitter: emitter,
		Logger:  s.logger,
	})

	return &RepoServices{
		RepoRoot:   repoRoot,
		RepoID:     repoID,
		Config:     cfg,
		Controller: controller,
		Engine:     engine,
		Reconciler: reconciler,
		Safety:     checker,
	}, nil
}

func (r *RepoServices) close(logger *logrus.Entry) {
	if err := r.Controller.Shutdown(); err != nil {
		logger.WithError(err).WithField("repo", r.RepoRoot).Warn("controller shutdown failed")
	}
	if err := r.Safety.Close(); err != nil {
		logger.WithError(err).WithField("repo", r.RepoRoot).Warn("safety checker close failed")
	}
}

// Repos snapshots the constructed repos.
func (s *Services) Repos() []*RepoServices {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RepoServices, 0, len(s.repos))
	for _, repo := range s.repos {
		out = append(out, repo)
	}
	return out
}

// Close drains every constructed component. Each shutdown is individually
// recovered so a single failure cannot prevent the rest.
func (s *Services) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	repos := make([]*RepoServices, 0, len(s.repos))
	for _, repo := range s.repos {
		repos = append(repos, repo)
	}
	supervisors := make([]*agents.Supervisor, 0, len(s.supervisors))
	for _, supervisor := range s.supervisors {
		supervisors = append(supervisors, supervisor)
	}
	s.repos = map[string]*RepoServices{}
	s.supervisors = map[string]*agents.Supervisor{}
	s.mu.Unlock()

	var group errgroup.Group
	for _, repo := range repos {
		repo := repo
		group.Go(func() error {
			defer recoverShutdown(s.logger, "repo services")
			repo.close(s.logger)
			return nil
		})
	}
	for _, supervisor := range supervisors {
		supervisor := supervisor
		group.Go(func() error {
			defer recoverShutdown(s.logger, "agent supervisor")
			supervisor.CloseAll()
			return nil
		})
	}
	_ = group.Wait()
}

func recoverShutdown(logger *logrus.Entry, what string) {
	if rec := recover(); rec != nil {
		logger.Errorf("panic during %s shutdown: %v", what, rec)
	}
}

// withStopPolling cancels the turn context when the cooperative stop flag
// flips, polled at the engine's suspension cadence.
func withStopPolling(ctx context.Context, cancel context.CancelFunc, shouldStop func() bool) context.Context {
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if shouldStop() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx
}

// supervisorRunner adapts the agent supervisors to the ticket engine's
// TurnRunner contract: acquire the client, bracket the turn for idle
// accounting, stream parts and surface connection failures for the engine's
// retry-by-reattach.
type supervisorRunner struct {
	services *Services
	repoRoot string
	cfg      config.RepoConfig
}

func (r *supervisorRunner) RunTurn(ctx context.Context, req tickets.TurnRequest) (*tickets.TurnResult, error) {
	agentCfg, ok := r.cfg.Agents[req.AgentID]
	if !ok {
		return nil, fmt.Errorf("no agent configuration for %q", req.AgentID)
	}
	supervisor, err := r.services.Supervisor(req.AgentID, agentCfg, r.repoRoot)
	if err != nil {
		return nil, err
	}

	client, err := supervisor.GetClient(ctx, req.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	supervisor.MarkTurnStarted(req.WorkspaceRoot)
	defer supervisor.MarkTurnFinished(req.WorkspaceRoot)

	turnCtx, cancel := context.WithTimeout(ctx, supervisor.TurnTimeout())
	defer cancel()
	if req.ShouldStop != nil {
		turnCtx = withStopPolling(turnCtx, cancel, req.ShouldStop)
	}

	outcome, err := client.RunTurn(turnCtx, agents.TurnParams{
		Directory: req.WorkspaceRoot,
		Prompt:    req.Prompt,
		Model:     agentCfg.Model,
		Effort:    agentCfg.Effort,
	}, req.OnEvent)
	if err != nil {
		if attachErr, ok := err.(*agents.AttachError); ok && attachErr.Kind == agents.AttachConnect {
			// Subprocess died mid-turn: unstart the handle so the engine's
			// retry reattaches or respawns.
			supervisor.MarkUnstarted(req.WorkspaceRoot)
		}
		return nil, err
	}
	return &tickets.TurnResult{
		Output:         outcome.Output,
		ConversationID: outcome.ConversationID,
		TurnID:         outcome.TurnID,
	}, nil
}
