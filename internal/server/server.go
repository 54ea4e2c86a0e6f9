// Package server exposes transcription sessions over HTTP.
//
// A client opens a WebSocket on /v1/stream, sends a JSON start message that
// describes its audio, and then streams binary audio frames. The server
// answers with note events as they are decoded. Completed events can be read
// back from the configured note store.
//
// Routes:
//
//	GET /v1/stream                 streaming WebSocket
//	GET /v1/sessions               live sessions
//	GET /v1/sessions/{id}/notes    recent note events of a session
package server

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MeBadDev/online-amt/internal/notes"
	"github.com/MeBadDev/online-amt/internal/notestore"
	"github.com/MeBadDev/online-amt/internal/observe"
	"github.com/MeBadDev/online-amt/internal/stream"
	"github.com/MeBadDev/online-amt/pkg/audio"
)

const (
	defaultReadLimit    = 1 << 20
	defaultStartTimeout = 10 * time.Second
	writeTimeout        = 5 * time.Second
)

// Settings are the per-session parameters. They are read when a session
// starts, so a reload affects new sessions only.
type Settings struct {
	Stream  []stream.Option
	History int
}

// Option configures a [Server].
type Option func(*Server)

// WithStore persists note events of every session. driver labels store
// error metrics.
func WithStore(s notestore.Store, driver string) Option {
	return func(srv *Server) {
		srv.store = s
		srv.driver = driver
	}
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(srv *Server) {
		if m != nil {
			srv.metrics = m
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.log = l
		}
	}
}

// WithMaxSessions caps concurrent streaming sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(srv *Server) { srv.maxSessions = max(n, 0) }
}

// WithSettings sets the source of per-session settings.
func WithSettings(f func() Settings) Option {
	return func(srv *Server) {
		if f != nil {
			srv.settings = f
		}
	}
}

// WithReadLimit caps the size of a single inbound WebSocket message.
func WithReadLimit(n int64) Option {
	return func(srv *Server) {
		if n > 0 {
			srv.readLimit = n
		}
	}
}

// WithOriginPatterns sets the host patterns allowed to open cross-origin
// WebSockets.
func WithOriginPatterns(patterns ...string) Option {
	return func(srv *Server) { srv.origins = patterns }
}

// Server serves streaming transcription. All sessions share one network,
// which is read-only after loading.
type Server struct {
	net         stream.Network
	store       notestore.Store
	driver      string
	metrics     *observe.Metrics
	log         *slog.Logger
	maxSessions int
	settings    func() Settings
	readLimit   int64
	origins     []string

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a server for net.
func New(net stream.Network, opts ...Option) *Server {
	s := &Server{
		net:       net,
		metrics:   observe.DefaultMetrics(),
		log:       slog.Default(),
		settings:  func() Settings { return Settings{History: notes.DefaultHistory} },
		readLimit: defaultReadLimit,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the server routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/notes", s.handleNotes)
}

// ActiveSessions returns the number of live streaming sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of the live sessions ordered by start time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	list := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sess.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.Started.Compare(b.Started); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

func (s *Server) session(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// reserve registers sess unless the session cap is reached.
func (s *Server) reserve(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return false
	}
	s.sessions[sess.ID()] = sess
	return true
}

func (s *Server) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSessions > 0 && len(s.sessions) >= s.maxSessions
}

// ── Streaming ────────────────────────────────────────────────────────────────

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.full() {
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("server: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(s.readLimit)

	ctx, span := observe.StartSpan(r.Context(), observe.SpanSession)
	defer span.End()

	sess, err := s.start(ctx, conn)
	if err != nil {
		observe.Fail(span, err, "start failed")
		s.log.Info("server: session rejected", "remote", r.RemoteAddr, "err", err)
		conn.Close(websocket.StatusPolicyViolation, "bad start message")
		return
	}
	if !s.reserve(sess) {
		s.writeJSON(ctx, conn, ErrorMessage{Type: TypeError, Code: CodeInternal, Message: "too many sessions"})
		conn.Close(websocket.StatusTryAgainLater, "too many sessions")
		return
	}
	defer s.release(sess.ID())

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	span.SetAttributes(
		observe.AttrSessionID.String(sess.ID()),
		observe.AttrSessionMode.String(sess.tr.Mode().String()),
	)
	log := observe.Logger(ctx, s.log).With("session_id", sess.ID())
	log.Info("server: session started",
		"remote", r.RemoteAddr,
		"format", sess.format.String(),
		"mode", sess.tr.Mode().String(),
	)

	ready := ReadyMessage{
		Type:          TypeReady,
		SessionID:     sess.ID(),
		Mode:          sess.tr.Mode().String(),
		SampleRate:    sess.tr.SampleRate(),
		Hop:           sess.tr.Layout().Hop,
		Window:        sess.tr.Layout().Window,
		CorrelationID: observe.CorrelationID(ctx),
	}
	if err := s.writeJSON(ctx, conn, ready); err != nil {
		log.Warn("server: write ready failed", "err", err)
		return
	}

	if err := s.serve(ctx, conn, sess, log); err != nil {
		observe.Fail(span, err, err.Error())
		log.Warn("server: session ended with error", "err", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	log.Info("server: session ended", "samples", sess.tr.Samples(), "steps", sess.tr.Steps())
}

// start reads and validates the start message and builds the session.
func (s *Server) start(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	readCtx, cancel := context.WithTimeout(ctx, defaultStartTimeout)
	defer cancel()

	typ, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("read start: %w", err)
	}
	reject := func(err error) (*Session, error) {
		s.writeJSON(ctx, conn, ErrorMessage{Type: TypeError, Code: CodeBadStart, Message: err.Error()})
		return nil, err
	}
	if typ != websocket.MessageText {
		return reject(errors.New("first message must be a JSON start message"))
	}
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return reject(fmt.Errorf("decode start: %w", err))
	}
	if msg.Type != TypeStart {
		return reject(fmt.Errorf("expected %q message, got %q", TypeStart, msg.Type))
	}

	settings := s.settings()
	opts := slices.Clone(settings.Stream)
	if msg.Mode != "" {
		mode, err := stream.ParseMode(msg.Mode)
		if err != nil {
			return reject(err)
		}
		opts = append(opts, stream.WithMode(mode))
	}

	id := uuid.NewString()
	log := s.log.With("session_id", id)
	opts = append(opts, stream.WithLogger(log))
	tr, err := stream.New(s.net, opts...)
	if err != nil {
		return reject(err)
	}

	enc, err := audio.ParseEncoding(msg.Encoding)
	if err != nil {
		return reject(err)
	}
	format := audio.Format{
		SampleRate: cmp.Or(msg.SampleRate, tr.SampleRate()),
		Channels:   cmp.Or(msg.Channels, 1),
		Encoding:   enc,
	}
	history := settings.History
	if history <= 0 {
		history = notes.DefaultHistory
	}
	sess, err := NewSession(id, format, tr, history, log)
	if err != nil {
		return reject(err)
	}
	return sess, nil
}

// serve runs the message loop until the client stops or disconnects.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// A client that disconnects ends the session normally.
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Debug("server: read ended", "err", err)
			}
			return nil
		}

		if typ == websocket.MessageBinary {
			if err := s.handleChunk(ctx, conn, sess, log, data); err != nil {
				return err
			}
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := s.writeJSON(ctx, conn, ErrorMessage{Type: TypeError, Code: CodeBadMessage, Message: err.Error()}); err != nil {
				return err
			}
			continue
		}
		switch msg.Type {
		case TypeReset:
			if err := sess.Reset(); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			log.Debug("server: session reset")
			if err := s.writeJSON(ctx, conn, activeMessage(nil)); err != nil {
				return err
			}
		case TypeStop:
			if err := s.writeJSON(ctx, conn, sess.summary()); err != nil {
				return err
			}
			conn.Close(websocket.StatusNormalClosure, "stopped")
			return nil
		default:
			msg := ErrorMessage{Type: TypeError, Code: CodeBadMessage, Message: fmt.Sprintf("unexpected message type %q", msg.Type)}
			if err := s.writeJSON(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

// handleChunk runs one audio frame and sends the resulting messages. A
// rejected frame is reported to the client and the loop continues.
func (s *Server) handleChunk(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger, payload []byte) error {
	ctx, span := observe.StartChunkSpan(ctx, len(payload))
	defer span.End()

	start := time.Now()
	upd, err := sess.Feed(payload)
	if err != nil {
		code, reason := CodeBadChunk, "invalid"
		if errors.Is(err, audio.ErrMisaligned) {
			code, reason = CodeMisaligned, "misaligned"
		}
		observe.Fail(span, err, reason)
		s.metrics.RecordRejectedChunk(ctx, reason)
		log.Debug("server: chunk rejected", "bytes", len(payload), "err", err)
		return s.writeJSON(ctx, conn, ErrorMessage{Type: TypeError, Code: code, Message: err.Error()})
	}

	s.metrics.ChunkDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.Chunks.Add(ctx, 1)
	s.metrics.RecordSteps(ctx, upd.Steps, upd.Suppressed)
	observe.EndChunk(span, upd.Steps, upd.Suppressed, len(upd.Events))

	if len(upd.Events) > 0 {
		var onsets, offsets int
		for _, e := range upd.Events {
			if e.Kind == notes.KindOnset {
				onsets++
			} else {
				offsets++
			}
		}
		s.metrics.RecordNoteEvents(ctx, onsets, offsets)
		s.persist(ctx, sess.ID(), upd.Events, log)

		if err := s.writeJSON(ctx, conn, NotesMessage{Type: TypeNotes, Events: upd.Events}); err != nil {
			return err
		}
	}
	if upd.Roll != nil {
		if err := s.writeJSON(ctx, conn, RollMessage{Type: TypeRoll, Notes: upd.Roll, TimeNS: int64(upd.At)}); err != nil {
			return err
		}
	}
	if upd.ActiveChanged {
		if err := s.writeJSON(ctx, conn, activeMessage(upd.Active)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) persist(ctx context.Context, sessionID string, events []notes.Event, log *slog.Logger) {
	if s.store == nil {
		return
	}
	if err := s.store.Append(ctx, sessionID, events); err != nil {
		s.metrics.RecordStoreError(ctx, s.driver, "append")
		log.Warn("server: persist note events failed", "driver", s.driver, "events", len(events), "err", err)
	}
}

func (s *Server) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal %T: %w", v, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── REST ─────────────────────────────────────────────────────────────────────

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.Sessions()})
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var storeErr error
	if s.store != nil {
		events, err := s.store.List(r.Context(), id, limit)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, NotesResponse{SessionID: id, Source: "store", Events: events})
			return
		case !errors.Is(err, notestore.ErrNotFound):
			s.metrics.RecordStoreError(r.Context(), s.driver, "list")
			s.log.Warn("server: list note events failed", "session_id", id, "err", err)
			storeErr = err
		}
	}

	// Live history still answers for a running session while the store is down.
	sess, ok := s.session(id)
	switch {
	case !ok && storeErr != nil:
		http.Error(w, "note store unavailable", http.StatusServiceUnavailable)
		return
	case !ok:
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	events := sess.History()
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []notes.Event{}
	}
	writeJSON(w, http.StatusOK, NotesResponse{SessionID: id, Source: "live", Events: events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
