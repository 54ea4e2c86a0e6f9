package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MeBadDev/online-amt/internal/app"
	"github.com/MeBadDev/online-amt/internal/config"
	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/notestore"
	"github.com/MeBadDev/online-amt/internal/server"
)

// testConfig returns a config with a tiny random model, an in-memory store
// and the MCP endpoint enabled.
func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	yaml := `
model:
  conv_complexity: 2
  lstm_complexity: 2
  seed: 11
store:
  driver: memory
mcp:
  enabled: true
` + extra
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithLogger(quietLogger())}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RandomModel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""))

	if h := a.Model().Hyper(); h.ConvComplexity != 2 || h.LSTMComplexity != 2 {
		t.Errorf("Hyper = %+v, want 2/2", h)
	}
}

func TestNew_Routes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""))
	h := a.Handler()

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/v1/sessions"} {
		if rec := get(t, h, path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200: %s", path, rec.Code, rec.Body)
		}
	}

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(get(t, h, "/readyz").Body.Bytes(), &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Checks["model"] != "ok" || ready.Checks["store"] != "ok" {
		t.Errorf("readyz checks = %v", ready.Checks)
	}

	if rec := get(t, h, config.DefaultMCPPath); rec.Code == http.StatusNotFound {
		t.Errorf("MCP endpoint not registered")
	}
	if rec := get(t, h, "/v1/sessions/unknown/notes"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session notes = %d, want 404", rec.Code)
	}
}

func TestNew_MCPDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "")
	cfg.MCP.Enabled = false
	a := newApp(t, cfg)
	if rec := get(t, a.Handler(), config.DefaultMCPPath); rec.Code != http.StatusNotFound {
		t.Errorf("GET %s = %d, want 404 when disabled", config.DefaultMCPPath, rec.Code)
	}
}

func TestNew_LoadsCheckpoint(t *testing.T) {
	t.Parallel()
	m, err := model.NewRandom(model.Hyper{ConvComplexity: 3, LSTMComplexity: 2}, 5)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "piano.msgpack")
	if err := m.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	cfg := testConfig(t, "")
	cfg.Model.Checkpoint = path
	cfg.Model.StrictCheckpoint = true
	a := newApp(t, cfg)
	if h := a.Model().Hyper(); h.ConvComplexity != 3 || h.LSTMComplexity != 2 {
		t.Errorf("Hyper = %+v, want 3/2 from checkpoint", h)
	}
}

func TestNew_MissingCheckpoint(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "")
	cfg.Model.Checkpoint = filepath.Join(t.TempDir(), "absent.msgpack")
	if _, err := app.New(context.Background(), cfg, app.WithLogger(quietLogger())); err == nil {
		t.Fatal("expected error for missing checkpoint")
	}
}

func TestNew_InjectedDependencies(t *testing.T) {
	t.Parallel()
	m, err := model.NewRandom(model.Hyper{ConvComplexity: 2, LSTMComplexity: 2}, 1)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, "")
	cfg.Model.Checkpoint = "/does/not/exist"
	store := notestore.NewMemStore()

	a := newApp(t, cfg, app.WithModel(m), app.WithStore(store))
	if a.Model() != m {
		t.Error("injected model was not used")
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	old := testConfig(t, "")
	level := new(slog.LevelVar)
	a := newApp(t, old, app.WithLevel(level))

	updated := testConfig(t, "server:\n  log_level: debug\nstream:\n  mode: roll\n")
	a.ApplyConfig(old, updated)
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"start"}`)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ready server.ReadyMessage
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatal(err)
	}
	if ready.Mode != "roll" {
		t.Errorf("new session mode = %q, want roll after reload", ready.Mode)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t, ""), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if rec := get(t, a.Handler(), "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want 503", rec.Code)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t, ""), app.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); err == nil {
		t.Error("expected context error with pending closers")
	}
}
