// Package notes turns per-chunk pitch indices from a transcription session
// into timestamped note events and tracks which notes are sounding.
package notes

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// MIDIOffset maps pitch index 0 (A0) to its MIDI note number.
const MIDIOffset = 21

// DefaultHistory is how many events a [Tracker] keeps by default.
const DefaultHistory = 100

var pitchClasses = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Name returns the scientific pitch name of a MIDI note, with MIDI 60 as C4.
func Name(midi int) string {
	octave := midi/12 - 1
	if midi < 0 {
		octave = (midi-11)/12 - 1
	}
	return fmt.Sprintf("%s%d", pitchClasses[((midi%12)+12)%12], octave)
}

// Kind distinguishes note starts from note ends.
type Kind string

const (
	KindOnset  Kind = "onset"
	KindOffset Kind = "offset"
)

// Event is one note onset or offset.
type Event struct {
	Kind  Kind          `json:"kind" msgpack:"kind"`
	Pitch int           `json:"pitch" msgpack:"pitch"` // 0–87
	MIDI  int           `json:"midi" msgpack:"midi"`
	Name  string        `json:"name" msgpack:"name"`
	Time  time.Duration `json:"time_ns" msgpack:"time_ns"` // stream time of the chunk end
}

// Seconds returns the event time in seconds.
func (e Event) Seconds() float64 { return e.Time.Seconds() }

// String formats the event the way the command line prints it.
func (e Event) String() string {
	label := "Onset"
	if e.Kind == KindOffset {
		label = "Offset"
	}
	return fmt.Sprintf("%s: time=%.3fs, midi_pitch=%d", label, e.Seconds(), e.MIDI)
}

// NewEvent builds an event for pitch index p.
func NewEvent(kind Kind, p int, at time.Duration) Event {
	midi := p + MIDIOffset
	return Event{Kind: kind, Pitch: p, MIDI: midi, Name: Name(midi), Time: at}
}

// FromIndices builds the events of one chunk: onsets first, then offsets,
// each in ascending pitch order.
func FromIndices(onsets, offsets []int, at time.Duration) []Event {
	events := make([]Event, 0, len(onsets)+len(offsets))
	for _, p := range onsets {
		events = append(events, NewEvent(KindOnset, p, at))
	}
	for _, p := range offsets {
		events = append(events, NewEvent(KindOffset, p, at))
	}
	return events
}

// SampleTime converts a sample count at rate Hz into a stream time.
func SampleTime(samples int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples * int64(time.Second) / int64(rate))
}

// Tracker keeps the set of sounding notes and a bounded history of events.
// All methods are safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	active  map[int]Event // MIDI → onset event
	history []Event
	limit   int
}

// NewTracker returns a tracker keeping at most limit events of history.
// A non-positive limit selects [DefaultHistory].
func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Tracker{active: make(map[int]Event), limit: limit}
}

// Apply records events in order. An onset marks its note active and an
// offset releases it.
func (t *Tracker) Apply(events ...Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range events {
		switch e.Kind {
		case KindOnset:
			t.active[e.MIDI] = e
		case KindOffset:
			delete(t.active, e.MIDI)
		}
		t.history = append(t.history, e)
	}
	if over := len(t.history) - t.limit; over > 0 {
		t.history = slices.Delete(t.history, 0, over)
	}
}

// SetRoll replaces the active set with the pitches marked in roll, emitting
// onset and offset events for the differences at time at. It returns the
// emitted events.
func (t *Tracker) SetRoll(roll []bool, at time.Duration) []Event {
	t.mu.Lock()
	var onsets, offsets []int
	for p, on := range roll {
		_, was := t.active[p+MIDIOffset]
		switch {
		case on && !was:
			onsets = append(onsets, p)
		case !on && was:
			offsets = append(offsets, p)
		}
	}
	t.mu.Unlock()
	events := FromIndices(onsets, offsets, at)
	t.Apply(events...)
	return events
}

// Active returns the sounding MIDI notes in ascending order.
func (t *Tracker) Active() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.active))
	for midi := range t.active {
		out = append(out, midi)
	}
	slices.Sort(out)
	return out
}

// History returns a copy of the retained events, oldest first.
func (t *Tracker) History() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}

// Reset forgets all active notes and history.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.active)
	t.history = nil
}
