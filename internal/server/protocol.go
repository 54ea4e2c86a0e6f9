package server

import (
	"time"

	"github.com/MeBadDev/online-amt/internal/notes"
)

// Message types exchanged on the streaming WebSocket. Audio travels in
// binary frames; everything else is a JSON text frame with a "type" field.
const (
	TypeStart   = "start"
	TypeReset   = "reset"
	TypeStop    = "stop"
	TypeReady   = "ready"
	TypeNotes   = "notes"
	TypeRoll    = "roll"
	TypeActive  = "active_notes"
	TypeStopped = "stopped"
	TypeError   = "error"
)

// Error codes carried by [ErrorMessage].
const (
	CodeBadStart   = "bad_start"
	CodeMisaligned = "misaligned"
	CodeBadChunk   = "bad_chunk"
	CodeBadMessage = "bad_message"
	CodeInternal   = "internal"
)

// ClientMessage is any text frame sent by the client. Only start messages
// carry the audio fields.
type ClientMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// ReadyMessage acknowledges a start message.
type ReadyMessage struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	Mode          string `json:"mode"`
	SampleRate    int    `json:"sample_rate"`
	Hop           int    `json:"hop"`
	Window        int    `json:"window"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NotesMessage carries the note events produced by one audio frame.
type NotesMessage struct {
	Type   string        `json:"type"`
	Events []notes.Event `json:"events"`
}

// RollMessage carries the sounding MIDI notes after a frame that completed
// at least one step. Sent in roll mode only.
type RollMessage struct {
	Type   string `json:"type"`
	Notes  []int  `json:"notes"`
	TimeNS int64  `json:"time_ns"`
}

// ActiveMessage is sent whenever the set of sounding notes changes.
type ActiveMessage struct {
	Type  string   `json:"type"`
	Notes []int    `json:"notes"`
	Names []string `json:"names"`
}

// StoppedMessage summarises a session that the client stopped.
type StoppedMessage struct {
	Type    string `json:"type"`
	Samples int64  `json:"samples"`
	Steps   int64  `json:"steps"`
	Events  int    `json:"events"`
}

// ErrorMessage reports a rejected message. The session stays usable unless
// the connection is closed right after.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionInfo describes a live streaming session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Encoding   string    `json:"encoding"`
	Started    time.Time `json:"started"`
	Samples    int64     `json:"samples"`
	Steps      int64     `json:"steps"`
	Active     []int     `json:"active"`
}

// NotesResponse is the body of GET /v1/sessions/{id}/notes.
type NotesResponse struct {
	SessionID string        `json:"session_id"`
	Source    string        `json:"source"`
	Events    []notes.Event `json:"events"`
}

func activeMessage(midi []int) ActiveMessage {
	names := make([]string, len(midi))
	for i, m := range midi {
		names[i] = notes.Name(m)
	}
	if midi == nil {
		midi = []int{}
	}
	return ActiveMessage{Type: TypeActive, Notes: midi, Names: names}
}
