package commands

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MeBadDev/online-amt/internal/app"
	"github.com/MeBadDev/online-amt/internal/config"
	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/observe"
)

var (
	serveConfig string
	serveWatch  time.Duration
	serveSample float64
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming transcription server",
	Long: `Run the HTTP server.

Routes:
  GET /v1/stream               WebSocket streaming transcription
  GET /v1/sessions             live sessions
  GET /v1/sessions/{id}/notes  recent note events of a session
  GET /healthz, /readyz        health probes
  GET /metrics                 Prometheus metrics
  /mcp                         MCP tools (when enabled)

The configuration file is polled for changes. Log level and stream settings
apply without a restart.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "config.yaml", "path to the YAML configuration file")
	serveCmd.Flags().DurationVar(&serveWatch, "watch-interval", 5*time.Second, "config file polling interval (0 disables reload)")
	serveCmd.Flags().Float64Var(&serveSample, "trace-sample-ratio", 1, "fraction of sessions traced (outside (0,1) traces all)")
}

func serve(parent context.Context) error {
	// ── Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(serveConfig)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", serveConfig)
		}
		return err
	}
	if logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(logLevel)
	}

	// ── Logger ────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	slog.Info("online-amt starting",
		"version", Version,
		"config", serveConfig,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	hyper := model.DefaultHyper()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: Version,
		Model: observe.ModelInfo{
			Checkpoint:     cfg.Model.Checkpoint,
			ConvComplexity: cmp.Or(cfg.Model.ConvComplexity, hyper.ConvComplexity),
			LSTMComplexity: cmp.Or(cfg.Model.LSTMComplexity, hyper.LSTMComplexity),
			Seed:           cfg.Model.Seed,
		},
		SampleRatio: serveSample,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	application, err := app.New(ctx, cfg, app.WithLogger(logger), app.WithLevel(level))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	if serveWatch > 0 {
		w, err := config.NewWatcher(serveConfig, application.ApplyConfig,
			config.WithInterval(serveWatch),
			config.WithWatcherLogger(logger),
		)
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
