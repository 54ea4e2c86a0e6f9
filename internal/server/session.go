package server

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MeBadDev/online-amt/internal/notes"
	"github.com/MeBadDev/online-amt/internal/stream"
	"github.com/MeBadDev/online-amt/pkg/audio"
)

// Session is one live transcription stream: a format converter in front of a
// [stream.Transcriber] plus the note tracker that follows its output. All
// methods are safe for concurrent use.
type Session struct {
	id      string
	format  audio.Format
	started time.Time

	mu        sync.Mutex
	conv      *audio.Converter
	tr        *stream.Transcriber
	collector *notes.Collector
	events    int
}

// Update is what one audio frame produced.
type Update struct {
	Events     []notes.Event
	Steps      int
	Suppressed int

	// Active is the sounding set after the frame, set when it differs from
	// the set before the frame.
	Active        []int
	ActiveChanged bool

	// Roll is the sounding set after the frame in roll mode when the frame
	// completed at least one step.
	Roll []int
	At   time.Duration
}

// NewSession wires a converter for format in front of tr.
func NewSession(id string, format audio.Format, tr *stream.Transcriber, history int, log *slog.Logger) (*Session, error) {
	conv, err := audio.NewConverter(format, tr.SampleRate(), log)
	if err != nil {
		return nil, fmt.Errorf("server: new session: %w", err)
	}
	return &Session{
		id:        id,
		format:    conv.Source(),
		started:   time.Now(),
		conv:      conv,
		tr:        tr,
		collector: notes.NewCollector(tr, notes.NewTracker(history)),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Feed decodes one binary audio frame and runs it through the transcriber,
// splitting it into pieces the ring buffer accepts. A frame that fails to
// decode is rejected before any state changes.
func (s *Session) Feed(payload []byte) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frame, err := s.conv.Convert(payload)
	if err != nil {
		return Update{}, err
	}

	tracker := s.collector.Tracker()
	before := tracker.Active()
	window := s.tr.Layout().Window

	var upd Update
	for start := 0; start < len(frame.Samples); start += window {
		out, events, err := s.collector.Process(frame.Samples[start:min(start+window, len(frame.Samples))])
		if err != nil {
			return upd, fmt.Errorf("server: feed: %w", err)
		}
		upd.Steps += out.Steps
		upd.Suppressed += out.Suppressed
		upd.Events = append(upd.Events, events...)
	}
	s.events += len(upd.Events)
	upd.At = notes.SampleTime(s.tr.Samples(), s.tr.SampleRate())

	after := tracker.Active()
	if !slices.Equal(before, after) {
		upd.Active = after
		upd.ActiveChanged = true
	}
	if s.tr.Mode() == stream.ModeRoll && upd.Steps > 0 {
		upd.Roll = after
	}
	return upd, nil
}

// Reset returns the session to its initial state. The session keeps its id
// and the event count used for the stop summary.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tr.Reset(); err != nil {
		return err
	}
	if err := s.conv.Reset(); err != nil {
		return err
	}
	s.collector.Tracker().Reset()
	return nil
}

// History returns the recent note events of the session.
func (s *Session) History() []notes.Event {
	return s.collector.Tracker().History()
}

// Info returns a snapshot for the sessions listing.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.collector.Tracker().Active()
	return SessionInfo{
		ID:         s.id,
		Mode:       s.tr.Mode().String(),
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Encoding:   string(s.format.Encoding),
		Started:    s.started,
		Samples:    s.tr.Samples(),
		Steps:      s.tr.Steps(),
		Active:     active,
	}
}

func (s *Session) summary() StoppedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoppedMessage{Type: TypeStopped, Samples: s.tr.Samples(), Steps: s.tr.Steps(), Events: s.events}
}
