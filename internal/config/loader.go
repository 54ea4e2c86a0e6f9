package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/notestore"
	"github.com/MeBadDev/online-amt/internal/stream"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultMCPPath        = "/mcp"
	DefaultMaxClipSeconds = 60
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Model.ConvComplexity == 0 {
		cfg.Model.ConvComplexity = model.DefaultHyper().ConvComplexity
	}
	if cfg.Model.LSTMComplexity == 0 {
		cfg.Model.LSTMComplexity = model.DefaultHyper().LSTMComplexity
	}
	if cfg.Stream.Mode == "" {
		cfg.Stream.Mode = stream.ModeEvents.String()
	}
	if cfg.MCP.Path == "" {
		cfg.MCP.Path = DefaultMCPPath
	}
	if cfg.MCP.MaxClipSeconds == 0 {
		cfg.MCP.MaxClipSeconds = DefaultMaxClipSeconds
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Model
	if err := cfg.Model.Hyper().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}
	if cfg.Model.StrictCheckpoint && cfg.Model.Checkpoint == "" {
		slog.Warn("model.strict_checkpoint is set but no checkpoint is configured; using random weights")
	}

	// Stream
	if _, err := stream.ParseMode(cfg.Stream.Mode); err != nil {
		errs = append(errs, fmt.Errorf("stream.mode: %w", err))
	}
	if t := cfg.Stream.Threshold; t != nil && *t < 0 {
		errs = append(errs, fmt.Errorf("stream.threshold %g must not be negative", *t))
	}
	if p := cfg.Stream.Patience; p != nil && *p < 0 {
		errs = append(errs, fmt.Errorf("stream.patience %d must not be negative", *p))
	}
	if b := cfg.Stream.OnsetBias; b != nil {
		if err := b.bias().Validate(model.Classes); err != nil {
			errs = append(errs, fmt.Errorf("stream.onset_bias: %w", err))
		}
	}
	if cfg.Stream.History < 0 {
		errs = append(errs, fmt.Errorf("stream.history %d must not be negative", cfg.Stream.History))
	}

	// Store
	switch cfg.Store.Driver {
	case notestore.DriverNone, notestore.DriverMemory:
	case notestore.DriverPostgres:
		if cfg.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required when driver is postgres"))
		}
	case notestore.DriverBadger:
		if cfg.Store.DSN == "" {
			slog.Warn("store.dsn is empty; badger will keep note events in memory only")
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, postgres, badger", cfg.Store.Driver))
	}

	if cfg.Store.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("store.max_failures %d must not be negative", cfg.Store.MaxFailures))
	}
	if cfg.Store.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("store.cooldown %v must not be negative", cfg.Store.Cooldown))
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}
	if cfg.MCP.MaxClipSeconds < 0 {
		errs = append(errs, fmt.Errorf("mcp.max_clip_seconds %d must not be negative", cfg.MCP.MaxClipSeconds))
	}

	return errors.Join(errs...)
}
