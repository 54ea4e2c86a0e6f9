package notes

import (
	"context"
	"fmt"
	"slices"

	"github.com/MeBadDev/online-amt/internal/stream"
)

// Processor is the part of a transcription session a [Collector] drives.
type Processor interface {
	Process(chunk []float32) (stream.Output, error)
	Mode() stream.Mode
	Layout() stream.Layout
	SampleRate() int
	Samples() int64
}

var _ Processor = (*stream.Transcriber)(nil)

// Collector converts session output into note events and keeps a [Tracker]
// current. Each event carries the stream time at the end of the step that
// produced it. In roll mode events are derived from changes in the sounding
// set.
type Collector struct {
	proc    Processor
	tracker *Tracker
}

// NewCollector wraps proc. tracker may be shared with readers; nil creates a
// private tracker with the default history.
func NewCollector(proc Processor, tracker *Tracker) *Collector {
	if tracker == nil {
		tracker = NewTracker(DefaultHistory)
	}
	return &Collector{proc: proc, tracker: tracker}
}

// Tracker returns the tracker the collector updates.
func (c *Collector) Tracker() *Tracker { return c.tracker }

// Process feeds one chunk and returns the session output together with the
// note events it produced, in step order. The chunk is fed in pieces that end
// on hop boundaries so every piece completes at most one step. The returned
// output sums the pieces: Onsets and Offsets are their union and Roll is the
// state after the last piece.
func (c *Collector) Process(chunk []float32) (stream.Output, []Event, error) {
	layout := c.proc.Layout()
	if len(chunk) == 0 || len(chunk) > layout.Window {
		return stream.Output{}, nil, fmt.Errorf("notes: process %d samples (ring holds %d): %w",
			len(chunk), layout.Window, stream.ErrInvalidChunkLength)
	}

	var (
		total  stream.Output
		events []Event
	)
	for len(chunk) > 0 {
		n := len(chunk)
		if hop := int64(layout.Hop); hop > 0 {
			n = min(n, int(hop-c.proc.Samples()%hop))
		}
		out, err := c.proc.Process(chunk[:n])
		if err != nil {
			return total, events, err
		}
		chunk = chunk[n:]
		total.Steps += out.Steps
		total.Suppressed += out.Suppressed

		at := SampleTime(c.proc.Samples(), c.proc.SampleRate())
		if c.proc.Mode() == stream.ModeRoll {
			total.Roll = out.Roll
			if out.Steps > 0 {
				events = append(events, c.tracker.SetRoll(out.Roll, at)...)
			}
			continue
		}
		total.Onsets = union(total.Onsets, out.Onsets)
		total.Offsets = union(total.Offsets, out.Offsets)
		ev := FromIndices(out.Onsets, out.Offsets, at)
		c.tracker.Apply(ev...)
		events = append(events, ev...)
	}
	return total, events, nil
}

func union(a, b []int) []int {
	if len(b) == 0 {
		return a
	}
	a = append(a, b...)
	slices.Sort(a)
	return slices.Compact(a)
}

// TranscribeClip streams a complete mono clip through proc in hop-sized
// chunks and returns every note event in order. It stops early when ctx is
// cancelled.
func TranscribeClip(ctx context.Context, proc Processor, samples []float32, hop int) ([]Event, error) {
	if hop <= 0 {
		return nil, fmt.Errorf("notes: transcribe clip: hop must be positive, got %d", hop)
	}
	c := NewCollector(proc, nil)
	var events []Event
	for start := 0; start < len(samples); start += hop {
		if err := ctx.Err(); err != nil {
			return events, fmt.Errorf("notes: transcribe clip: %w", err)
		}
		_, ev, err := c.Process(samples[start:min(start+hop, len(samples))])
		if err != nil {
			return events, fmt.Errorf("notes: transcribe clip: %w", err)
		}
		events = append(events, ev...)
	}
	return events, nil
}
