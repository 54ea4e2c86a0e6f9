package config

import (
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen address, model, store, MCP) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StreamChanged is true if any per-session setting changed. New values
	// apply to sessions opened after the reload.
	StreamChanged bool
	StreamChanges []string // changed stream.* keys, in schema order

	// RestartRequired lists changed top-level sections that are not
	// hot-reloadable.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Stream settings
	os, ns := old.Stream, new.Stream
	if os.Mode != ns.Mode {
		d.StreamChanges = append(d.StreamChanges, "mode")
	}
	if !equalPtr(os.Threshold, ns.Threshold) {
		d.StreamChanges = append(d.StreamChanges, "threshold")
	}
	if !equalPtr(os.Patience, ns.Patience) {
		d.StreamChanges = append(d.StreamChanges, "patience")
	}
	if !reflect.DeepEqual(os.OnsetBias, ns.OnsetBias) {
		d.StreamChanges = append(d.StreamChanges, "onset_bias")
	}
	if os.History != ns.History {
		d.StreamChanges = append(d.StreamChanges, "history")
	}
	d.StreamChanged = len(d.StreamChanges) > 0

	// Restart-only sections
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Model != new.Model {
		d.RestartRequired = append(d.RestartRequired, "model")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}

	return d
}

// equalPtr reports whether a and b are both nil or point to equal values.
func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
