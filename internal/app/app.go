// Package app wires all subsystems into a running transcription server.
//
// The App struct owns the full lifecycle: New loads the model and connects
// the note store, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithModel, WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MeBadDev/online-amt/internal/config"
	"github.com/MeBadDev/online-amt/internal/health"
	"github.com/MeBadDev/online-amt/internal/mcp/mcpserver"
	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/notestore"
	"github.com/MeBadDev/online-amt/internal/observe"
	"github.com/MeBadDev/online-amt/internal/resilience"
	"github.com/MeBadDev/online-amt/internal/server"
	"github.com/MeBadDev/online-amt/internal/stream"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
	storeProbeSession = "__readyz__"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	// Subsystems: initialised in New, torn down in Shutdown.
	net     *model.Model
	store   notestore.Store
	stream  *server.Server
	tools   *mcpserver.Server
	health  *health.Handler
	handler http.Handler

	settings atomic.Pointer[server.Settings]
	ready    atomic.Bool

	mu      sync.Mutex
	httpSrv *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithModel injects a network instead of loading one from config.
func WithModel(m *model.Model) Option {
	return func(a *App) { a.net = m }
}

// WithStore injects a note store instead of opening one from config. The
// injected store is not closed by Shutdown.
func WithStore(s notestore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects metric instruments instead of the global defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets [App.ApplyConfig] change the log level of the handler
// behind the logger.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It performs all
// initialisation synchronously: model loading, note store connection and
// route registration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Model ─────────────────────────────────────────────────────────
	if err := a.initModel(); err != nil {
		return nil, fmt.Errorf("app: init model: %w", err)
	}

	// ── 2. Note store ────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Streaming server ──────────────────────────────────────────────
	a.storeSettings(cfg.Stream)
	srvOpts := []server.Option{
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
		server.WithMaxSessions(cfg.Server.MaxSessions),
		server.WithSettings(func() server.Settings { return *a.settings.Load() }),
	}
	if a.store != nil {
		srvOpts = append(srvOpts, server.WithStore(a.store, string(cfg.Store.Driver)))
	}
	a.stream = server.New(a.net, srvOpts...)

	// ── 4. MCP tools ─────────────────────────────────────────────────────
	if cfg.MCP.Enabled {
		mcpOpts := []mcpserver.Option{
			mcpserver.WithLogger(a.log),
			mcpserver.WithMetrics(a.metrics),
			mcpserver.WithMaxClip(time.Duration(cfg.MCP.MaxClipSeconds) * time.Second),
			mcpserver.WithStreamOptions(func() []stream.Option { return a.settings.Load().Stream }),
		}
		if a.store != nil {
			mcpOpts = append(mcpOpts, mcpserver.WithStore(a.store, string(cfg.Store.Driver)))
		}
		a.tools = mcpserver.New(a.net, mcpOpts...)
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.Flag("model", a.ready.Load)}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: a.probeStore})
	}
	a.health = health.New(checkers...)

	// ── 6. Routes ────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	a.stream.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if a.tools != nil {
		mux.Handle(cfg.MCP.Path, a.tools.Handler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.ready.Store(true)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initModel() error {
	if a.net != nil {
		return nil
	}
	mc := a.cfg.Model
	if mc.Checkpoint == "" {
		m, err := model.NewRandom(mc.Hyper(), mc.Seed)
		if err != nil {
			return err
		}
		a.log.Warn("no checkpoint configured, using randomly initialised weights",
			"conv_complexity", m.Hyper().ConvComplexity,
			"lstm_complexity", m.Hyper().LSTMComplexity,
			"seed", mc.Seed,
		)
		a.net = m
		return nil
	}

	m, report, err := model.LoadFile(mc.Checkpoint,
		model.WithStrict(mc.StrictCheckpoint),
		model.WithLoadLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.log.Info("model loaded",
		"checkpoint", mc.Checkpoint,
		"conv_complexity", m.Hyper().ConvComplexity,
		"lstm_complexity", m.Hyper().LSTMComplexity,
		"loaded", len(report.Loaded),
		"skipped", len(report.Skipped),
		"mismatched", len(report.Mismatched),
	)
	a.net = m
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil || a.cfg.Store.Driver == "" {
		return nil
	}
	s, err := notestore.Open(ctx, a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	guarded := notestore.Guard(s, resilience.Config{
		Name:        "notestore/" + string(a.cfg.Store.Driver),
		MaxFailures: a.cfg.Store.MaxFailures,
		Cooldown:    a.cfg.Store.Cooldown,
		Logger:      a.log,
	})
	a.store = guarded
	a.closers = append(a.closers, guarded.Close)
	a.log.Info("note store connected", "driver", a.cfg.Store.Driver)
	return nil
}

func (a *App) storeSettings(sc config.StreamConfig) {
	a.settings.Store(&server.Settings{
		Stream:  sc.Options(nil),
		History: sc.HistoryLimit(),
	})
}

// probeStore reads a reserved session so that an empty store counts as
// healthy.
func (a *App) probeStore(ctx context.Context) error {
	_, err := a.store.List(ctx, storeProbeSession, 1)
	if err == nil || errors.Is(err, notestore.ErrNotFound) {
		return nil
	}
	return err
}

// Handler returns the root HTTP handler with all routes and middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Model returns the loaded network.
func (a *App) Model() *model.Model { return a.net }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured address and blocks until ctx is
// cancelled or the listener fails. Cancelling ctx drains open requests
// before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.httpSrv = srv
	a.mu.Unlock()

	a.log.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed config: the log
// level and the session settings for new streams. Changes that need a
// restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.StreamChanged {
		a.storeSettings(new.Stream)
		a.log.Info("stream settings reloaded", "changed", d.StreamChanges)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		a.ready.Store(false)

		a.mu.Lock()
		srv := a.httpSrv
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to its slog counterpart.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
