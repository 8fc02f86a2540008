package rseata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/pslog"

	"pkt.systems/rseata/internal/archive"
	"pkt.systems/rseata/internal/atcore"
	"pkt.systems/rseata/internal/clock"
	"pkt.systems/rseata/internal/event"
	"pkt.systems/rseata/internal/httpapi"
	"pkt.systems/rseata/internal/lock"
	"pkt.systems/rseata/internal/loggingutil"
	"pkt.systems/rseata/internal/session"
	"pkt.systems/rseata/internal/storage"
	loggingbackend "pkt.systems/rseata/internal/storage/logging"
	"pkt.systems/rseata/internal/storage/retry"
	"pkt.systems/rseata/internal/tcrm"
	"pkt.systems/rseata/internal/txncoord"
)

// Server wraps the HTTP server, coordinator state and supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	telemetry    *telemetryBundle
	backend      storage.Backend
	sessions     *session.Manager
	locks        *lock.Manager
	registry     *tcrm.Registry
	bus          *event.Bus
	audit        *event.Audit
	coord        *txncoord.Coordinator
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	lastServeErr error

	sweeperInterval atomic.Int64
	drainDeadline   atomic.Int64

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	SessionStore session.Store
	Clock        clock.Clock
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithArchiveBackend injects a pre-built archive backend (useful for tests).
func WithArchiveBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithSessionStore replaces the in-memory live session store.
func WithSessionStore(s session.Store) Option {
	return func(o *options) {
		o.SessionStore = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithConfig applies fn to the configuration before validation.
func WithConfig(fn func(*Config)) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, fn)
	}
}

// NewServer constructs a transaction coordinator according to cfg.
// Example:
//
//	srv, err := rseata.NewServer(rseata.Config{Listen: ":8091"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfg)
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.Ensure(o.Clock)

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}

	backend := o.Backend
	if backend == nil {
		backend, err = openArchiveBackend(cfg)
		if err != nil {
			closeTelemetry()
			return nil, err
		}
	}
	if backend, err = sealArchive(cfg, backend); err != nil {
		closeTelemetry()
		return nil, err
	}
	storageLogger := loggingutil.WithSubsystem(logger, "storage")
	if !cfg.DisableStorageTracing {
		backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "tc.archive.backend")
	}
	if networkArchive(cfg.Archive) {
		backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
			MaxAttempts: cfg.StorageRetryMaxAttempts,
			BaseDelay:   cfg.StorageRetryBaseDelay,
			MaxDelay:    cfg.StorageRetryMaxDelay,
			Multiplier:  cfg.StorageRetryMultiplier,
		})
	}

	audit := event.NewAudit(cfg.AuditSize)
	bus := event.NewBus(event.BusConfig{QueueSize: cfg.EventQueueSize, Logger: logger, Clock: serverClock},
		audit,
		event.LogHandler(logger),
		event.MetricsHandler(logger),
	)

	store := o.SessionStore
	if store == nil {
		store = session.NewMemoryStore()
	}
	if !cfg.DisableStorageTracing {
		store = session.Traced(store, logger)
	}
	locks := lock.NewManager(logger)
	sessions := session.NewManager(store, locks, logger)
	registry := tcrm.NewRegistry(tcrm.Config{
		QueueSize: cfg.InstructionQueueSize,
		Logger:    logger,
		Events:    bus,
		Clock:     serverClock,
	})
	ackTimeout := cfg.BranchAckTimeout
	if ackTimeout < 0 {
		ackTimeout = 0
	}
	xids := &txncoord.XidLocks{}
	at, err := atcore.New(atcore.Config{
		Sessions:       sessions,
		Locks:          locks,
		Registry:       registry,
		Events:         bus,
		Logger:         logger,
		Clock:          serverClock,
		XidLocks:       xids,
		LockOnRegister: !cfg.DisableLockOnRegister,
		AckTimeout:     ackTimeout,
	})
	if err != nil {
		_ = backend.Close()
		closeTelemetry()
		return nil, err
	}
	coord, err := txncoord.New(txncoord.Config{
		Sessions:            sessions,
		Locks:               locks,
		Archive:             archive.New(backend, logger, serverClock),
		AT:                  at,
		Events:              bus,
		Logger:              logger,
		Clock:               serverClock,
		DefaultTimeout:      cfg.DefaultTimeout,
		PhaseTwoTimeout:     cfg.PhaseTwoTimeout,
		XidLocks:            xids,
		DispatchMaxAttempts: cfg.DispatchMaxAttempts,
		DispatchBaseDelay:   cfg.DispatchBaseDelay,
		DispatchMaxDelay:    cfg.DispatchMaxDelay,
		DispatchMultiplier:  cfg.DispatchMultiplier,
	})
	if err != nil {
		_ = backend.Close()
		closeTelemetry()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		clock:     serverClock,
		telemetry: telemetry,
		backend:   backend,
		sessions:  sessions,
		locks:     locks,
		registry:  registry,
		bus:       bus,
		audit:     audit,
		coord:     coord,
		readyCh:   make(chan struct{}),
	}
	s.sweeperInterval.Store(int64(cfg.SweeperInterval))

	handler, err := httpapi.New(httpapi.Config{
		Coordinator:        coord,
		AT:                 at,
		Registry:           registry,
		Audit:              audit,
		Logger:             logger,
		Clock:              serverClock,
		JSONMaxBytes:       cfg.JSONMaxBytes,
		Heartbeat:          cfg.InstructionHeartbeat,
		ShutdownState:      s.shutdownState,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	if err != nil {
		_ = backend.Close()
		closeTelemetry()
		return nil, err
	}
	s.handler = handler
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr: cfg.Listen,
		Handler: h2c.NewHandler(mux, &http2.Server{
			MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams),
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	return s, nil
}

// Handler returns the HTTP handler so the coordinator can be mounted inside
// an existing server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"archive", s.cfg.Archive,
		"lock_on_register", !s.cfg.DisableLockOnRegister,
	)
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown announces a drain, waits DrainGrace so in-flight phase two
// dispatches can complete over open instruction streams, closes the
// streams and stops the HTTP server. The returned error is nil for clean
// shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if grace := s.cfg.DrainGrace; grace > 0 {
		s.drainDeadline.Store(s.clock.Now().Add(grace).UnixNano())
		s.logger.Info("server.drain.begin", "grace", grace, "resources", s.registry.Len())
		select {
		case <-s.clock.After(grace):
		case <-ctx.Done():
		}
	} else {
		s.drainDeadline.Store(s.clock.Now().UnixNano())
	}
	s.stopSweeper()
	s.registry.Close()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if err := s.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("event bus: %w", err))
	}
	if err := s.sessions.Store().Close(); err != nil {
		errs = append(errs, fmt.Errorf("session store: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("archive backend: %w", err))
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete", "dropped_events", s.bus.Dropped())
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) shutdownState() httpapi.ShutdownState {
	deadline := s.drainDeadline.Load()
	if deadline == 0 {
		return httpapi.ShutdownState{}
	}
	remaining := time.Unix(0, deadline).Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return httpapi.ShutdownState{Draining: true, Remaining: remaining, Notify: true}
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus endpoint address, or "".
func (s *Server) MetricsAddr() string {
	if s.telemetry == nil {
		return ""
	}
	return s.telemetry.metricsAddr
}

// Audit returns the most recent coordinator events, oldest first.
func (s *Server) Audit() []event.Event {
	return s.audit.Snapshot()
}

// ActiveSessions returns the number of live global sessions.
func (s *Server) ActiveSessions(ctx context.Context) (int, error) {
	all, err := s.sessions.AllSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

// HeldLocks returns the number of row locks currently held.
func (s *Server) HeldLocks() int {
	return s.locks.Len()
}

func (s *Server) startSweeper() {
	s.mu.Lock()
	if s.sweeperStop != nil || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		ctx := context.Background()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(time.Duration(s.sweeperInterval.Load())):
				n, err := s.coord.SweepTimeouts(ctx)
				if err != nil {
					s.logger.Warn("sweeper.iteration.failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("sweeper.timeouts", "rolled_back", n)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := rseata.StartServer(ctx, rseata.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// Tunables are the settings that may change while the server runs.
type Tunables struct {
	SweeperInterval time.Duration
	DefaultTimeout  time.Duration
}

// ApplyTunables updates runtime settings. Zero fields are left unchanged.
func (s *Server) ApplyTunables(t Tunables) {
	if t.SweeperInterval > 0 {
		prev := time.Duration(s.sweeperInterval.Swap(int64(t.SweeperInterval)))
		if prev != t.SweeperInterval {
			s.logger.Info("server.tunables.sweeper_interval", "from", prev, "to", t.SweeperInterval)
		}
	}
	if t.DefaultTimeout > 0 {
		prev := s.coord.DefaultTimeout()
		s.coord.SetDefaultTimeout(t.DefaultTimeout)
		if prev != t.DefaultTimeout {
			s.logger.Info("server.tunables.default_timeout", "from", prev, "to", t.DefaultTimeout)
		}
	}
}

// CurrentTunables reports the settings in effect.
func (s *Server) CurrentTunables() Tunables {
	return Tunables{
		SweeperInterval: time.Duration(s.sweeperInterval.Load()),
		DefaultTimeout:  s.coord.DefaultTimeout(),
	}
}
