// Package mcpserver exposes offline transcription as Model Context Protocol
// tools.
//
// Two tools are registered:
//   - "transcribe_audio" runs a complete clip through a fresh session and
//     returns its note events.
//   - "session_notes" reads persisted events of a streaming session. It is
//     only available when a note store is configured.
//
// The server is served over the streamable HTTP transport via [Server.Handler]
// or connected to any other transport through [Server.MCP].
package mcpserver

import (
	"log/slog"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MeBadDev/online-amt/internal/notestore"
	"github.com/MeBadDev/online-amt/internal/observe"
	"github.com/MeBadDev/online-amt/internal/stream"
)

// Implementation identifies the server to MCP clients.
var Implementation = mcpsdk.Implementation{Name: "online-amt", Version: "1.0.0"}

// Option configures a [Server].
type Option func(*Server)

// WithStore enables the session_notes tool.
func WithStore(s notestore.Store, driver string) Option {
	return func(srv *Server) {
		srv.store = s
		srv.driver = driver
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) {
		if m != nil {
			srv.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.log = l
		}
	}
}

// WithMaxClip bounds the duration of a transcribed clip. Zero disables the
// bound.
func WithMaxClip(d time.Duration) Option {
	return func(srv *Server) { srv.maxClip = max(d, 0) }
}

// WithStreamOptions sets the source of session options applied to every
// transcription. The mode is always forced to events.
func WithStreamOptions(f func() []stream.Option) Option {
	return func(srv *Server) {
		if f != nil {
			srv.settings = f
		}
	}
}

// Server hosts the transcription tools.
type Server struct {
	net      stream.Network
	store    notestore.Store
	driver   string
	metrics  *observe.Metrics
	log      *slog.Logger
	maxClip  time.Duration
	settings func() []stream.Option

	mcp *mcpsdk.Server
}

// New creates the MCP server and registers its tools.
func New(net stream.Network, opts ...Option) *Server {
	s := &Server{
		net:      net,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
		maxClip:  time.Minute,
		settings: func() []stream.Option { return nil },
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = mcpsdk.NewServer(&Implementation, nil)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name: ToolTranscribe,
		Description: "Transcribe a short piano recording into MIDI note onsets and offsets. " +
			"Times are measured from the start of the clip.",
	}, s.transcribe)
	if s.store != nil {
		mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
			Name:        ToolSessionNotes,
			Description: "Read the note events recorded for a streaming transcription session.",
		}, s.sessionNotes)
	}
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.mcp }

// Handler serves the tools over the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.mcp }, nil)
}
