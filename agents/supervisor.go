package agents

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"car.autorunner.dev/common"
	"car.autorunner.dev/registry"
	"github.com/sirupsen/logrus"
)

// Server scopes: one subprocess per workspace, or one for all workspaces.
const (
	ScopeWorkspace = "workspace"
	ScopeGlobal    = "global"
)

// GlobalHandleID keys the single handle of a global-scope supervisor.
const GlobalHandleID = "__global__"

// listeningRe matches the agent's startup advertisement on stdout.
var listeningRe = regexp.MustCompile(`listening on (https?://\S+)`)

// Config describes one agent kind's supervision parameters.
type Config struct {
	Kind           string
	Command        []string
	Scope          string
	MaxHandles     int
	IdleTTL        time.Duration
	StartupTimeout time.Duration
	TurnTimeout    time.Duration
	Username       string
	PasswordEnv    string
	ExtraEnv       []string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Scope == "" {
		out.Scope = ScopeWorkspace
	}
	if out.MaxHandles <= 0 {
		out.MaxHandles = 4
	}
	if out.IdleTTL <= 0 {
		out.IdleTTL = 15 * time.Minute
	}
	if out.StartupTimeout <= 0 {
		out.StartupTimeout = 20 * time.Second
	}
	if out.TurnTimeout <= 0 {
		out.TurnTimeout = 30 * time.Minute
	}
	if out.Username == "" {
		out.Username = "agent"
	}
	return out
}

// Handle is the in-memory lease on one workspace's agent subprocess.
type Handle struct {
	id            string
	workspaceRoot string

	mu          sync.Mutex
	started     bool
	client      *Client
	baseURL     string
	pid         int
	pgid        int
	health      *HealthInfo
	version     string
	lastUsed    time.Time
	activeTurns int
	drainStop   chan struct{}
}

// BaseURL returns the handle's agent server URL ("" until started).
func (h *Handle) BaseURL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseURL
}

// Supervisor manages the handles of one agent kind.
type Supervisor struct {
	config    Config
	registry  *registry.Registry
	launcher  Launcher
	logger    *logrus.Entry
	now       func() time.Time
	terminate func(record *registry.ProcessRecord)

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// SupervisorOptions carry the injectable collaborators.
type SupervisorOptions struct {
	Registry *registry.Registry
	Launcher Launcher
	Logger   *logrus.Entry
	Now      func() time.Time
	// Terminator overrides subprocess termination (tests).
	Terminator func(record *registry.ProcessRecord)
}

// NewSupervisor builds a supervisor for one agent kind.
func NewSupervisor(config Config, opts SupervisorOptions) (*Supervisor, error) {
	if config.Kind == "" {
		return nil, fmt.Errorf("supervisor requires an agent kind")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("supervisor requires a process registry")
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	entry := logger.WithField("agent_kind", config.Kind)
	terminate := opts.Terminator
	if terminate == nil {
		terminate = func(record *registry.ProcessRecord) {
			registry.TerminateRecord(record, registry.TerminateOptions{Grace: 500 * time.Millisecond}, entry)
		}
	}
	return &Supervisor{
		config:    config.withDefaults(),
		registry:  opts.Registry,
		launcher:  launcher,
		logger:    entry,
		now:       now,
		terminate: terminate,
		handles:   map[string]*Handle{},
	}, nil
}

// TurnTimeout exposes the per-turn deadline for callers building contexts.
func (s *Supervisor) TurnTimeout() time.Duration { return s.config.TurnTimeout }

func (s *Supervisor) handleID(workspaceRoot string) string {
	if s.config.Scope == ScopeGlobal {
		return GlobalHandleID
	}
	return common.WorkspaceID(workspaceRoot)
}

func (s *Supervisor) auth() *BasicAuth {
	if s.config.PasswordEnv == "" {
		return nil
	}
	password := os.Getenv(s.config.PasswordEnv)
	if password == "" {
		return nil
	}
	return &BasicAuth{Username: s.config.Username, Password: password}
}

// GetClient ensures a started handle for the workspace and returns its
// client. Startup errors surface to the caller; no registry record is left
// behind for a process that never started.
func (s *Supervisor) GetClient(ctx context.Context, workspaceRoot string) (*Client, error) {
	handle, err := s.ensureHandle(workspaceRoot)
	if err != nil {
		return nil, err
	}

	handle.mu.Lock()
	defer handle.mu.Unlock()
	if err := s.ensureStartedLocked(ctx, handle); err != nil {
		return nil, err
	}
	handle.lastUsed = s.now()
	return handle.client, nil
}

// ensureHandle returns (creating if needed) the handle for a workspace,
// applying LRU eviction when the handle table is full.
func (s *Supervisor) ensureHandle(workspaceRoot string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("supervisor for %s is closed", s.config.Kind)
	}

	id := s.handleID(workspaceRoot)
	if handle, ok := s.handles[id]; ok {
		return handle, nil
	}

	if len(s.handles) >= s.config.MaxHandles {
		if victim := s.lruIdleHandleLocked(); victim != nil {
			delete(s.handles, victim.id)
			go s.closeHandle(victim, "lru eviction")
		} else {
			s.logger.Warn("handle table full with no idle handle to evict")
		}
	}

	handle := &Handle{id: id, workspaceRoot: workspaceRoot, lastUsed: s.now()}
	s.handles[id] = handle
	return handle, nil
}

func (s *Supervisor) lruIdleHandleLocked() *Handle {
	var (
		victim   *Handle
		victimAt time.Time
	)
	for _, handle := range s.handles {
		handle.mu.Lock()
		idle := handle.activeTurns == 0
		lastUsed := handle.lastUsed
		handle.mu.Unlock()
		if !idle {
			continue
		}
		if victim == nil || lastUsed.Before(victimAt) {
			victim = handle
			victimAt = lastUsed
		}
	}
	return victim
}

// ensureStartedLocked drives the Absent -> Starting -> Started ladder with
// the handle lock held: registry reuse first, fresh spawn otherwise.
func (s *Supervisor) ensureStartedLocked(ctx context.Context, handle *Handle) error {
	if handle.started {
		return nil
	}

	attached, err := s.tryAttachLocked(ctx, handle)
	if err != nil {
		return err
	}
	if attached {
		return nil
	}
	return s.startProcessLocked(ctx, handle)
}

// tryAttachLocked reuses a registered live process when possible. Auth and
// endpoint-mismatch failures are fatal for the attempt; connect failures
// terminate the stale record and fall through to a fresh spawn.
func (s *Supervisor) tryAttachLocked(ctx context.Context, handle *Handle) (bool, error) {
	record, err := s.registry.Read(s.config.Kind, handle.id)
	if err != nil || record == nil {
		return false, nil
	}
	if record.BaseURL == "" || !registry.PIDRunning(record.PID) {
		_ = s.registry.Delete(s.config.Kind, handle.id)
		return false, nil
	}

	client := NewClient(record.BaseURL, s.auth(), 10*time.Second)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		if attachErr, ok := err.(*AttachError); ok {
			switch attachErr.Kind {
			case AttachAuth, AttachEndpointMismatch:
				return false, attachErr
			case AttachConnect:
				s.logger.WithField("base_url", record.BaseURL).
					Info("registered agent unreachable, terminating and respawning")
				s.terminate(record)
				_ = s.registry.Delete(s.config.Kind, handle.id)
				return false, nil
			}
		}
		return false, err
	}

	// Adopt the process: rewrite ownership with our pid.
	handle.client = client
	handle.baseURL = record.BaseURL
	handle.pid = record.PID
	handle.pgid = record.PGID
	handle.health = health
	handle.version = health.Version
	handle.started = true
	updated := *record
	updated.OwnerPID = os.Getpid()
	if err := s.registry.Write(updated); err != nil {
		s.logger.WithError(err).Warn("failed to refresh registry ownership")
	}
	s.logger.WithFields(logrus.Fields{
		"workspace_id": handle.id, "base_url": handle.baseURL, "pid": handle.pid,
	}).Info("attached to running agent")
	return true, nil
}

// startProcessLocked spawns a fresh agent and waits for its listening
// advertisement.
func (s *Supervisor) startProcessLocked(ctx context.Context, handle *Handle) error {
	env := append([]string{}, s.config.ExtraEnv...)
	if s.config.PasswordEnv != "" {
		if password := os.Getenv(s.config.PasswordEnv); password != "" {
			env = append(env, s.config.PasswordEnv+"="+password)
		}
	}

	proc, err := s.launcher.Launch(handle.workspaceRoot, s.config.Command, env)
	if err != nil {
		return &StartupError{Err: err}
	}

	baseURL, earlyOutput, err := s.readBaseURL(ctx, proc)
	if err != nil {
		proc.Kill()
		if proc.Wait != nil {
			_ = proc.Wait()
		}
		return &StartupError{Output: earlyOutput, Err: err}
	}

	client := NewClient(baseURL, s.auth(), 10*time.Second)
	if health, err := client.Health(ctx); err == nil {
		handle.health = health
		handle.version = health.Version
	} else {
		s.logger.WithError(err).Debug("post-spawn health probe failed")
	}
	if _, err := client.Schema(ctx); err != nil {
		// Schema discovery is best-effort only.
		s.logger.WithError(err).Debug("agent schema fetch failed")
	}

	handle.client = client
	handle.baseURL = baseURL
	handle.pid = proc.PID
	handle.pgid = proc.PGID
	handle.started = true
	handle.drainStop = make(chan struct{})
	go s.drainStdout(handle, proc)

	record := registry.ProcessRecord{
		Kind:        s.config.Kind,
		WorkspaceID: handle.id,
		PID:         proc.PID,
		PGID:        proc.PGID,
		BaseURL:     baseURL,
		Command:     s.config.Command,
		OwnerPID:    os.Getpid(),
		Metadata:    map[string]string{"workspace_root": handle.workspaceRoot},
	}
	if err := s.registry.Write(record); err != nil {
		s.logger.WithError(err).Warn("failed to write agent process record")
	}
	s.logger.WithFields(logrus.Fields{
		"workspace_id": handle.id, "base_url": baseURL, "pid": proc.PID,
	}).Info("agent started")
	return nil
}

// readBaseURL scans the agent's stdout for the listening advertisement,
// bounded by the startup timeout.
func (s *Supervisor) readBaseURL(ctx context.Context, proc *LaunchedProcess) (string, string, error) {
	type scanResult struct {
		url    string
		output string
		err    error
	}
	results := make(chan scanResult, 1)
	go func() {
		scanner := bufio.NewScanner(proc.Stdout)
		var collected string
		for scanner.Scan() {
			line := scanner.Text()
			if len(collected) < 8192 {
				collected += line + "\n"
			}
			if match := listeningRe.FindStringSubmatch(line); match != nil {
				results <- scanResult{url: match[1], output: collected}
				return
			}
		}
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("agent exited before announcing its URL")
		}
		results <- scanResult{output: collected, err: err}
	}()

	timer := time.NewTimer(s.config.StartupTimeout)
	defer timer.Stop()
	select {
	case result := <-results:
		return result.url, result.output, result.err
	case <-timer.C:
		return "", "", fmt.Errorf("agent did not announce a URL within %s", s.config.StartupTimeout)
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

// drainStdout keeps the agent's pipe from filling and reaps the process on
// exit.
func (s *Supervisor) drainStdout(handle *Handle, proc *LaunchedProcess) {
	scanner := bufio.NewScanner(proc.Stdout)
	for scanner.Scan() {
		select {
		case <-handle.drainStop:
			return
		default:
		}
	}
	if proc.Wait != nil {
		_ = proc.Wait()
	}
}

// MarkTurnStarted records an in-flight turn for idle accounting.
func (s *Supervisor) MarkTurnStarted(workspaceRoot string) {
	if handle := s.lookupHandle(workspaceRoot); handle != nil {
		handle.mu.Lock()
		handle.activeTurns++
		handle.lastUsed = s.now()
		handle.mu.Unlock()
	}
}

// MarkTurnFinished ends a turn's idle-accounting lease.
func (s *Supervisor) MarkTurnFinished(workspaceRoot string) {
	if handle := s.lookupHandle(workspaceRoot); handle != nil {
		handle.mu.Lock()
		if handle.activeTurns > 0 {
			handle.activeTurns--
		}
		handle.lastUsed = s.now()
		handle.mu.Unlock()
	}
}

// MarkUnstarted drops the started flag after a mid-turn connection failure
// so the next GetClient reattempts attach/spawn.
func (s *Supervisor) MarkUnstarted(workspaceRoot string) {
	if handle := s.lookupHandle(workspaceRoot); handle != nil {
		handle.mu.Lock()
		if handle.client != nil {
			handle.client.Close()
		}
		handle.client = nil
		handle.baseURL = ""
		handle.started = false
		if handle.drainStop != nil {
			close(handle.drainStop)
			handle.drainStop = nil
		}
		handle.mu.Unlock()
	}
}

func (s *Supervisor) lookupHandle(workspaceRoot string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[s.handleID(workspaceRoot)]
}

// HandleCount reports the live handle count.
func (s *Supervisor) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// HasHandle reports whether a workspace currently holds a handle.
func (s *Supervisor) HasHandle(workspaceRoot string) bool {
	return s.lookupHandle(workspaceRoot) != nil
}

// PruneIdle evicts handles idle past the TTL with no active turns. Returns
// the number evicted.
func (s *Supervisor) PruneIdle() int {
	s.mu.Lock()
	var victims []*Handle
	cutoff := s.now().Add(-s.config.IdleTTL)
	for id, handle := range s.handles {
		handle.mu.Lock()
		idle := handle.activeTurns == 0 && handle.lastUsed.Before(cutoff)
		handle.mu.Unlock()
		if idle {
			victims = append(victims, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, handle := range victims {
		s.closeHandle(handle, "idle ttl")
	}
	return len(victims)
}

// CloseAll terminates every handle. Used at shutdown; handles with active
// turns are closed anyway.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	s.closed = true
	victims := make([]*Handle, 0, len(s.handles))
	for _, handle := range s.handles {
		victims = append(victims, handle)
	}
	s.handles = map[string]*Handle{}
	s.mu.Unlock()

	for _, handle := range victims {
		s.closeHandle(handle, "shutdown")
	}
}

// closeHandle tears one handle down: stop the drain, best-effort dispose
// for global scope, close the client, terminate the subprocess with a small
// grace and purge its registry records.
func (s *Supervisor) closeHandle(handle *Handle, reason string) {
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.drainStop != nil {
		close(handle.drainStop)
		handle.drainStop = nil
	}
	if handle.client != nil {
		if s.config.Scope == ScopeGlobal {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := handle.client.DisposeInstances(ctx); err != nil {
				s.logger.WithError(err).Debug("dispose_instances failed")
			}
			cancel()
		}
		handle.client.Close()
		handle.client = nil
	}
	if handle.pid > 0 && registry.PIDRunning(handle.pid) {
		s.terminate(&registry.ProcessRecord{
			Kind: s.config.Kind, WorkspaceID: handle.id,
			PID: handle.pid, PGID: handle.pgid,
		})
	}
	if err := s.registry.Delete(s.config.Kind, handle.id); err != nil {
		s.logger.WithError(err).Warn("failed to delete agent process record")
	}
	handle.started = false
	handle.baseURL = ""
	s.logger.WithFields(logrus.Fields{"workspace_id": handle.id, "reason": reason}).
		Info("agent handle closed")
}
