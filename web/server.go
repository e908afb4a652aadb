// Package web exposes the hub's HTTP API: flow control per repo, the
// attention inbox with its resolve endpoint, ticket diagnostics and health.
// Route handling stays thin; everything of substance lives in the services
// it delegates to.
package web

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"car.autorunner.dev/config"
	"car.autorunner.dev/flows"
	"car.autorunner.dev/inbox"
	"car.autorunner.dev/safety"
	"car.autorunner.dev/services"
	"car.autorunner.dev/tickets"
	"car.autorunner.dev/version"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// Server is the hub HTTP server.
type Server struct {
	echo     *echo.Echo
	services *services.Services
	cfg      config.HubConfig
	logger   *logrus.Entry
}

// NewServer wires the routes over a services registry.
func NewServer(svc *services.Services, cfg config.HubConfig, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	server := &Server{echo: e, services: svc, cfg: cfg, logger: logger.WithField("component", "web")}

	if password := os.Getenv(cfg.AuthPasswordEnv); password != "" {
		e.Use(BasicAuthMiddleware(BasicAuthConfig{
			Username: cfg.AuthUsername,
			Password: password,
			Skipper:  func(c echo.Context) bool { return c.Path() == "/health" },
		}))
	}

	e.GET("/health", server.handleHealth)
	e.GET("/version", server.handleVersion)

	e.GET("/hub/inbox", server.handleInbox)
	e.POST("/hub/messages/resolve", server.handleResolve)

	repo := e.Group("/repos/:repo_id")
	repo.GET("/flows", server.handleListRuns)
	repo.POST("/flows", server.handleStartFlow)
	repo.GET("/flows/:run_id", server.handleGetRun)
	repo.GET("/flows/:run_id/events", server.handleGetEvents)
	repo.POST("/flows/:run_id/stop", server.handleStopFlow)
	repo.POST("/flows/:run_id/resume", server.handleResumeFlow)
	repo.POST("/flows/:run_id/reply", server.handleReply)
	repo.GET("/pause-snapshot", server.handlePauseSnapshot)
	repo.GET("/tickets/doctor", server.handleTicketDoctor)
	repo.POST("/reconcile", server.handleReconcile)

	return server
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(s.cfg.Listen)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) repoServices(c echo.Context) (*services.RepoServices, error) {
	repoID := c.Param("repo_id")
	hubRoot := s.services.HubRoot()
	if hubRoot == "" {
		return nil, echo.NewHTTPError(http.StatusNotFound, "hub has no manifest")
	}
	manifest, err := config.LoadManifest(hubRoot)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	entry, ok := manifest.GetByID(repoID)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown repo "+repoID)
	}
	repo, err := s.services.Repo(manifest.RepoRoot(entry))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return repo, nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.GetBuildInfo())
}

func (s *Server) handleInbox(c echo.Context) error {
	var sources []inbox.RepoSource
	for _, repo := range s.services.Repos() {
		sources = append(sources, inbox.RepoSource{
			RepoID:   repo.RepoID,
			RepoRoot: repo.RepoRoot,
			Store:    repo.Controller.Store(),
		})
	}
	items, err := inbox.NewProjector(s.logger).Project(sources)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []inbox.Item{}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

type resolveRequest struct {
	RepoID   string `json:"repo_id"`
	RunID    string `json:"run_id"`
	ItemType string `json:"item_type"`
	Action   string `json:"action"`
	Seq      int    `json:"seq,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleResolve(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	if req.Action != "dismiss" {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported action "+req.Action)
	}
	var repoRoot string
	for _, repo := range s.services.Repos() {
		if repo.RepoID == req.RepoID {
			repoRoot = repo.RepoRoot
			break
		}
	}
	if repoRoot == "" {
		return echo.NewHTTPError(http.StatusNotFound, "unknown repo "+req.RepoID)
	}
	err := inbox.NewDismissalStore(repoRoot).Record(inbox.Dismissal{
		RunID:    req.RunID,
		ItemType: req.ItemType,
		Seq:      req.Seq,
		Reason:   req.Reason,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"resolved": true})
}

type startFlowRequest struct {
	RunID    string         `json:"run_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Message guards the reactive path through the PMA checker.
	Message string `json:"message,omitempty"`
}

func (s *Server) handleStartFlow(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	var req startFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	decision := repo.Safety.Check(safety.ActionRequest{
		Agent:   "ticket_flow",
		Source:  "dashboard",
		Message: req.Message,
	})
	if !decision.Allowed {
		return c.JSON(http.StatusTooManyRequests, decision)
	}

	record, err := repo.Controller.StartFlow(map[string]any{
		"workspace_root": repo.RepoRoot,
		"runs_dir":       repo.Config.RunsDir,
	}, req.RunID, nil, req.Metadata)
	if err != nil {
		repo.Safety.RecordResult(safety.ActionRequest{Agent: "ticket_flow"}, false)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	pid, err := flows.SpawnWorker(repo.RepoRoot, record.ID, "")
	if err != nil {
		repo.Safety.RecordResult(safety.ActionRequest{Agent: "ticket_flow"}, false)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	repo.Safety.RecordResult(safety.ActionRequest{Agent: "ticket_flow"}, true)
	return c.JSON(http.StatusCreated, map[string]any{"run": record, "worker_pid": pid})
}

func (s *Server) handleListRuns(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	status := flows.RunStatus(c.QueryParam("status"))
	records, err := repo.Controller.ListRuns(status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": records})
}

func (s *Server) handleGetRun(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	record, err := repo.Controller.GetStatus(c.Param("run_id"))
	if errors.Is(err, flows.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	health := flows.CheckWorkerHealth(repo.RepoRoot, record.ID)
	return c.JSON(http.StatusOK, map[string]any{
		"run":    record,
		"worker": map[string]any{"status": health.Status, "pid": health.PID},
	})
}

func (s *Server) handleGetEvents(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	afterSeq, _ := strconv.ParseInt(c.QueryParam("after_seq"), 10, 64)
	events, err := repo.Controller.GetEvents(c.Param("run_id"), afterSeq)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStopFlow(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	record, err := repo.Controller.StopFlow(c.Param("run_id"))
	if errors.Is(err, flows.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run": record})
}

func (s *Server) handleResumeFlow(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	record, err := repo.Controller.ResumeFlow(c.Param("run_id"))
	if errors.Is(err, flows.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	pid, err := flows.SpawnWorker(repo.RepoRoot, record.ID, "")
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"run": record, "worker_pid": pid})
}

type replyRequest struct {
	Body string `json:"body"`
	Seq  int    `json:"seq,omitempty"`
}

func (s *Server) handleReply(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	var req replyRequest
	if err := c.Bind(&req); err != nil || req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reply body required")
	}
	record, err := repo.Controller.GetStatus(c.Param("run_id"))
	if errors.Is(err, flows.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown run")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	paths := tickets.ResolveRunPaths(repo.RepoRoot, repo.Config.RunsDir, record.ID)
	reply, err := tickets.WriteReply(paths, req.Seq, req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]any{"reply_seq": reply.Seq})
}

func (s *Server) handlePauseSnapshot(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	snapshot, err := inbox.LatestPausedDispatch(repo.Controller.Store(), repo.RepoRoot)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if snapshot == nil {
		return c.JSON(http.StatusOK, map[string]any{"snapshot": nil})
	}
	return c.JSON(http.StatusOK, map[string]any{"snapshot": snapshot})
}

func (s *Server) handleTicketDoctor(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	ticketDir := repo.Config.TicketsDir
	report, err := tickets.RunDoctor(repo.RepoRoot, joinRepo(repo.RepoRoot, ticketDir), []string{"codex", "opencode", "user"})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func joinRepo(repoRoot, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(repoRoot, rel)
}

func (s *Server) handleReconcile(c echo.Context) error {
	repo, err := s.repoServices(c)
	if err != nil {
		return err
	}
	summary, err := repo.Reconciler.ReconcileAll(tickets.FlowType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, summary)
}
