// Package supervisor owns the opencode server process: it resolves the
// binary, spawns `opencode serve` on a fresh port with a generated
// password, waits for readiness and tracks the connection status. In
// external mode it only reports a configured URL.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-racer/opencode-bridge/internal/binary"
	"github.com/agent-racer/opencode-bridge/internal/clock"
	"github.com/agent-racer/opencode-bridge/internal/readiness"
)

const (
	DefaultStartupTimeout = 15 * time.Second
	DefaultHealthTimeout  = 10 * time.Second
	DefaultRestartDelay   = 250 * time.Millisecond
)

// BinaryResolver finds the opencode executable.
type BinaryResolver interface {
	Resolve(ctx context.Context) (binary.Resolution, bool)
}

type Options struct {
	// ExternalURL switches to bring-your-own-server mode: nothing is
	// spawned and Start reports connected immediately.
	ExternalURL string
	// Workdir is the workspace root used when Start gets no directory.
	Workdir string

	StartupTimeout time.Duration
	HealthTimeout  time.Duration
	RestartDelay   time.Duration

	Resolver BinaryResolver
	Prober   *readiness.Prober
	Clock    clock.Clock
	Logger   *slog.Logger

	// Getenv reads the supervisor's own environment (user password).
	Getenv func(string) string
	// Random is the password entropy source, crypto/rand when nil.
	Random io.Reader
	// Command builds the child command, exec.Command when nil.
	Command func(name string, arg ...string) *exec.Cmd
}

// serverState is the managed server while one is tracked.
type serverState struct {
	baseURL      string
	port         int
	detectedPort int
	version      string
	child        *child
}

type Supervisor struct {
	external       string
	rootDir        string
	startupTimeout time.Duration
	healthTimeout  time.Duration
	restartDelay   time.Duration
	resolver       BinaryResolver
	prober         *readiness.Prober
	clock          clock.Clock
	logger         *slog.Logger
	command        func(name string, arg ...string) *exec.Cmd
	instanceID     string

	// opMu serializes Start, Stop and Restart.
	opMu sync.Mutex

	mu              sync.Mutex
	status          Status
	workdir         string
	creds           credentials
	server          *serverState
	binary          binary.Resolution
	binaryFound     bool
	lastPort        int
	startCount      int
	restartCount    int
	lastStartAt     time.Time
	lastConnectedAt time.Time
	lastExitCode    *int
	readiness       readiness.Result
	listeners       map[int]func(Status)
	nextListener    int
	inflight        map[int]context.CancelFunc
	nextOp          int
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		external:       strings.TrimRight(strings.TrimSpace(opts.ExternalURL), "/"),
		rootDir:        opts.Workdir,
		startupTimeout: opts.StartupTimeout,
		healthTimeout:  opts.HealthTimeout,
		restartDelay:   opts.RestartDelay,
		resolver:       opts.Resolver,
		prober:         opts.Prober,
		clock:          opts.Clock,
		logger:         opts.Logger,
		command:        opts.Command,
		instanceID:     uuid.NewString(),
		creds:          credentials{getenv: opts.Getenv, random: opts.Random},
		listeners:      make(map[int]func(Status)),
		inflight:       make(map[int]context.CancelFunc),
	}
	if s.startupTimeout <= 0 {
		s.startupTimeout = DefaultStartupTimeout
	}
	if s.healthTimeout <= 0 {
		s.healthTimeout = DefaultHealthTimeout
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.resolver == nil {
		s.resolver = binary.New("", binary.DefaultSettingsFile())
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.prober == nil {
		s.prober = &readiness.Prober{Clock: s.clock, Logger: opts.Logger}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.command == nil {
		s.command = exec.Command
	}
	if s.creds.getenv == nil {
		s.creds.getenv = os.Getenv
	}
	return s
}

// External reports whether the supervisor runs in external-URL mode.
func (s *Supervisor) External() bool {
	return s.external != ""
}

// Start brings the server up in workdir (empty means the configured
// workspace root, then the home directory). It is a no-op while a
// server is already running.
func (s *Supervisor) Start(ctx context.Context, workdir string) error {
	ctx, done := s.trackOp(ctx)
	defer done()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx, workdir, false)
}

// Stop kills the managed server and clears its state. A Start that is
// still spawning or probing is cancelled first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancelInflight()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

// Restart stops the server, waits for the port to be released and
// starts it again with a rotated password.
func (s *Supervisor) Restart(ctx context.Context) error {
	ctx, done := s.trackOp(ctx)
	defer done()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	s.restartCount++
	workdir := s.workdir
	s.mu.Unlock()

	s.logger.Info("restarting opencode server")
	if err := s.stop(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.restartDelay):
	}
	return s.start(ctx, workdir, true)
}

// SetWorkingDirectory records a new working directory. It never
// restarts the server; the new directory applies to the next Start or
// Restart.
func (s *Supervisor) SetWorkingDirectory(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == s.workdir {
		return false, nil
	}
	s.logger.Debug("working directory changed", "from", s.workdir, "to", path)
	s.workdir = path
	return false, nil
}

// Workdir returns the current working directory, empty before the
// first Start or SetWorkingDirectory.
func (s *Supervisor) Workdir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workdir
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// APIURL returns the server base URL while connected.
func (s *Supervisor) APIURL() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.external != "" {
		return s.external, s.status.State == Connected
	}
	if s.server == nil {
		return "", false
	}
	return s.server.baseURL, true
}

// AuthHeader returns the Basic auth header for the active password, or
// an empty header when there is none.
func (s *Supervisor) AuthHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.header()
}

// OnStatusChange registers fn for every status update. Callbacks run on
// the goroutine that changed the status, outside the supervisor's lock.
func (s *Supervisor) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Supervisor) start(ctx context.Context, workdir string, rotate bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.startCount++
	s.lastStartAt = s.clock.Now()
	s.workdir = s.resolveWorkdir(workdir)
	workdir = s.workdir
	running := s.server != nil && !s.server.child.exited()
	s.mu.Unlock()
	s.setStatus(Status{State: Connecting})

	if s.external != "" {
		s.mu.Lock()
		s.creds.fromUserEnv()
		s.lastConnectedAt = s.clock.Now()
		s.mu.Unlock()
		s.logger.Info("using external opencode server", "url", s.external)
		s.setStatus(Status{State: Connected})
		return nil
	}

	if running {
		s.setStatus(Status{State: Connected})
		return nil
	}

	res, ok := s.resolver.Resolve(ctx)
	s.mu.Lock()
	s.binary, s.binaryFound = res, ok
	s.mu.Unlock()
	if !ok {
		return s.fail(&StartError{Kind: BinaryNotFound})
	}
	if res.Source != binary.SourceConfig {
		exposeOnPath(filepath.Dir(res.Path))
	}

	port, err := allocatePort()
	if err != nil {
		return s.fail(&StartError{Kind: SpawnFailed, Err: err})
	}

	s.mu.Lock()
	password, err := s.creds.ensure(rotate)
	s.lastPort = port
	s.mu.Unlock()
	if err != nil {
		return s.fail(&StartError{Kind: SpawnFailed, Err: err})
	}

	ch, serverURL, err := s.spawn(ctx, res, workdir, port, password)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(err)
	}

	header := make(http.Header)
	header.Set("Authorization", basicAuth(password))
	result := s.prober.WaitForReady(ctx, serverURL, s.healthTimeout, header)

	s.mu.Lock()
	s.readiness = result
	s.mu.Unlock()

	if !result.OK {
		ch.kill(context.Background())
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(&StartError{Kind: HealthCheckFailed})
	}

	detected := portOf(result.BaseURL)
	if detected == 0 {
		detected = portOf(serverURL)
	}

	s.mu.Lock()
	s.server = &serverState{
		baseURL:      result.BaseURL,
		port:         port,
		detectedPort: detected,
		version:      result.Version,
		child:        ch,
	}
	s.lastPort = detected
	s.lastConnectedAt = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info("opencode server ready",
		"url", result.BaseURL,
		"version", result.Version,
		"attempts", result.Attempts,
		"elapsed", result.Elapsed)
	s.setStatus(Status{State: Connected})

	// The child may have died between the probe and the state update.
	if ch.exited() {
		s.handleExit(ch)
	}
	return nil
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	port := s.lastPort
	s.server = nil
	// Nothing tracked: no child, no external connection, no start under
	// way.
	idle := srv == nil && (s.status.State == Disconnected || s.status.State == Error)
	s.mu.Unlock()

	if idle {
		return nil
	}
	if srv != nil {
		s.logger.Info("stopping opencode server", "pid", srv.child.pid(), "port", port)
		srv.child.kill(ctx)
		s.recordExit(srv.child)
		reapPort(ctx, port, s.logger)
	}
	s.setStatus(Status{State: Disconnected})
	return nil
}

// handleExit runs when a child's Wait returns. A tracked child exiting
// means the server died underneath us.
func (s *Supervisor) handleExit(ch *child) {
	s.mu.Lock()
	if s.server == nil || s.server.child != ch {
		s.mu.Unlock()
		return
	}
	s.server = nil
	s.mu.Unlock()

	code := s.recordExit(ch)
	s.logger.Warn("opencode server exited unexpectedly", "pid", ch.pid(), "code", code)
	s.setStatus(Status{State: Error, Err: fmt.Sprintf("opencode server exited (code %d)", code)})
}

func (s *Supervisor) recordExit(ch *child) int {
	if !ch.exited() {
		return -1
	}
	code, _ := ch.exit()
	s.mu.Lock()
	s.lastExitCode = &code
	s.mu.Unlock()
	return code
}

func (s *Supervisor) fail(err error) error {
	s.logger.Error("failed to start opencode server", "error", err)
	s.setStatus(Status{State: Error, Err: err.Error()})
	return err
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	if s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	fns := make([]func(Status), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (s *Supervisor) resolveWorkdir(arg string) string {
	if arg != "" {
		return arg
	}
	if s.workdir != "" {
		return s.workdir
	}
	if s.rootDir != "" {
		return s.rootDir
	}
	home, _ := os.UserHomeDir()
	return home
}

// trackOp registers a cancellable context for a Start or Restart so
// Stop can abort it.
func (s *Supervisor) trackOp(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	id := s.nextOp
	s.nextOp++
	s.inflight[id] = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Supervisor) cancelInflight() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inflight {
		cancel()
	}
}
