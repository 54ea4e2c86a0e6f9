package config_test

import (
	"strings"
	"testing"

	"github.com/MeBadDev/online-amt/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"negative sessions", "server:\n  max_sessions: -1\n", "server.max_sessions"},
		{"partial tls", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"negative complexity", "model:\n  conv_complexity: -2\n", "complexities"},
		{"bad mode", "stream:\n  mode: piano\n", "stream.mode"},
		{"negative threshold", "stream:\n  threshold: -0.1\n", "stream.threshold"},
		{"negative patience", "stream:\n  patience: -1\n", "stream.patience"},
		{"bias class out of range", "stream:\n  onset_bias:\n    classes: [7]\n    factor: 2\n", "stream.onset_bias"},
		{"negative history", "stream:\n  history: -5\n", "stream.history"},
		{"unknown driver", "store:\n  driver: sqlite\n", "store.driver"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "store.dsn"},
		{"negative store failures", "store:\n  max_failures: -1\n", "store.max_failures"},
		{"negative store cooldown", "store:\n  cooldown: -5s\n", "store.cooldown"},
		{"relative mcp path", "mcp:\n  enabled: true\n  path: tools\n", "mcp.path"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
stream:
  mode: sheet
store:
  driver: floppy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "stream.mode", "store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestValidate_AcceptsValidVariants(t *testing.T) {
	t.Parallel()
	valid := []string{
		"store:\n  driver: badger\n",
		"store:\n  driver: badger\n  dsn: /var/lib/amt\n",
		"store:\n  driver: memory\n",
		"store:\n  driver: memory\n  max_failures: 3\n  cooldown: 1m30s\n",
		"stream:\n  threshold: 0\n  patience: 0\n",
		"model:\n  strict_checkpoint: true\n",
		"mcp:\n  enabled: false\n  path: tools\n",
	}
	for _, yaml := range valid {
		if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
			t.Errorf("LoadFromReader(%q): %v", yaml, err)
		}
	}
}
