package rseata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/rseata/client"
	"pkt.systems/rseata/internal/storage"
	"pkt.systems/rseata/rm"
)

// TestServer is a coordinator bound to a loopback port together with a
// client pointed at it.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	backend storage.Backend
	logger  pslog.Logger

	stopOnce sync.Once
	stopErr  error
	served   chan error
}

// tbWriter forwards log lines to a testing.TB until the test completes.
type tbWriter struct {
	t    testing.TB
	mu   sync.Mutex
	done bool
}

func (w *tbWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		for line := range bytes.SplitSeq(p, []byte{'\n'}) {
			if len(line) > 0 {
				w.logLine(string(line))
			}
		}
	}
	return len(p), nil
}

// logLine swallows the panic testing raises for logs from goroutines that
// outlive their test.
func (w *tbWriter) logLine(line string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if !strings.Contains(msg, "Log in goroutine") {
				panic(r)
			}
		}
	}()
	w.t.Log(line)
}

func (w *tbWriter) finish() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger that writes through t.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	w := &tbWriter{t: t}
	t.Cleanup(w.finish)
	logger := pslog.NewStructured(w)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "rseata-test")
}

// Stop shuts the coordinator down. Later calls return the first result.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.Server == nil {
		return nil
	}
	ts.stopOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		ts.stopErr = ts.Server.Shutdown(ctx)
		if err := <-ts.served; err != nil && ts.stopErr == nil {
			ts.stopErr = err
		}
	})
	return ts.stopErr
}

// URL is the coordinator's base URL.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr is the bound listener address.
func (ts *TestServer) Addr() net.Addr {
	switch {
	case ts == nil:
		return nil
	case ts.Listener != nil:
		return ts.Listener
	case ts.Server != nil:
		return ts.Server.ListenerAddr()
	}
	return nil
}

// Backend is the archive backend passed with WithTestBackend, if any.
func (ts *TestServer) Backend() storage.Backend {
	if ts == nil {
		return nil
	}
	return ts.backend
}

// NewClient builds another client for the coordinator.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, errors.New("test server: nil")
	}
	return client.New(ts.BaseURL, opts...)
}

// WaitForResource polls the resource list until resourceID has a live
// instruction stream.
func (ts *TestServer) WaitForResource(ctx context.Context, resourceID string) error {
	cli := ts.Client
	if cli == nil {
		var err error
		if cli, err = ts.NewClient(); err != nil {
			return err
		}
	}
	for {
		resources, err := cli.Resources(ctx)
		if err != nil {
			return err
		}
		for _, res := range resources {
			if res.ResourceID == resourceID {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("test server: resource %s not connected: %w", resourceID, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// StartResourceManager runs an rm.Manager for res against the coordinator
// until the test ends and waits for its instruction stream to connect.
func (ts *TestServer) StartResourceManager(t testing.TB, res rm.Resource) *rm.Manager {
	t.Helper()
	cli, err := ts.NewClient(client.WithLogger(ts.logger))
	if err != nil {
		t.Fatalf("resource manager client: %v", err)
	}
	manager, err := rm.NewManager(rm.Config{TC: cli, Resource: res, Logger: ts.logger})
	if err != nil {
		t.Fatalf("resource manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := ts.WaitForResource(waitCtx, res.ResourceID); err != nil {
		t.Fatalf("%v", err)
	}
	return manager
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	backend       storage.Backend
	logger        pslog.Logger
	logTB         testing.TB
	logLevel      pslog.Level
	serverOpts    []Option
	clientOpts    []client.Option
	withoutClient bool
	readyTimeout  time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) { o.cfg = cfg }
}

// WithTestConfigFunc edits the configuration before the server is built.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestArchive sets the archive URL.
func WithTestArchive(archive string) TestServerOption {
	return func(o *testServerOptions) { o.cfg.Archive = archive }
}

// WithTestBackend injects a ready archive backend.
func WithTestBackend(backend storage.Backend) TestServerOption {
	return func(o *testServerOptions) { o.backend = backend }
}

// WithTestLogger sets the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) { o.logger = logger }
}

// WithTestLoggerFromTB logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.logTB = t
		o.logLevel = level
	}
}

// WithTestServerOptions passes extra options to NewServer.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) { o.serverOpts = append(o.serverOpts, opts...) }
}

// WithTestClientOptions configures the bundled client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithoutTestClient leaves TestServer.Client nil.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) { o.withoutClient = true }
}

// WithTestStartTimeout bounds the wait for readiness.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) { o.readyTimeout = d }
}

func (o *testServerOptions) config() (Config, error) {
	cfg := o.cfg
	for _, fn := range o.mutators {
		fn(&cfg)
	}
	if cfg.Archive == "" {
		cfg.Archive = "mem://"
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "tcp" {
		return cfg, fmt.Errorf("test server: %s listeners are not reachable by the client", cfg.ListenProto)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	return cfg, nil
}

func (o *testServerOptions) resolveLogger() pslog.Logger {
	switch {
	case o.logger != nil:
		return o.logger
	case o.logTB != nil:
		return NewTestingLogger(o.logTB, o.logLevel)
	}
	return pslog.NoopLogger()
}

// NewTestServer starts a coordinator with an in-memory archive on a loopback
// port. Drain grace is zero unless configured, so Stop returns promptly.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	o := testServerOptions{
		cfg:          Config{Archive: "mem://", Listen: "127.0.0.1:0", DrainGraceSet: true},
		logLevel:     pslog.DebugLevel,
		readyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	logger := o.resolveLogger()
	serverOpts := append([]Option{WithLogger(logger)}, o.serverOpts...)
	if o.backend != nil {
		serverOpts = append(serverOpts, WithArchiveBackend(o.backend))
	}
	srv, err := NewServer(cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	ts := &TestServer{
		Server:  srv,
		Config:  srv.cfg,
		backend: o.backend,
		logger:  logger,
		served:  make(chan error, 1),
	}
	go func() { ts.served <- srv.Start() }()

	if ctx == nil {
		ctx = context.Background()
	}
	if o.readyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.readyTimeout)
		defer cancel()
	}
	select {
	case <-srv.readyCh:
	case err := <-ts.served:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server exited before ready")
		}
		return nil, fmt.Errorf("test server start: %w", err)
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-ts.served
		return nil, fmt.Errorf("test server start: %w", ctx.Err())
	}

	ts.Listener = srv.ListenerAddr()
	if ts.Listener == nil {
		_ = ts.Stop(context.Background())
		return nil, errors.New("test server: no listener address")
	}
	ts.BaseURL = "http://" + ts.Listener.String()
	if !o.withoutClient {
		if ts.Client, err = client.New(ts.BaseURL, o.clientOpts...); err != nil {
			_ = ts.Stop(context.Background())
			return nil, err
		}
	}
	return ts, nil
}

// StartTestServer calls NewTestServer, fails t on error and stops the
// server during cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}
