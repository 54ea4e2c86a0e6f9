package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MeBadDev/online-amt/internal/dsp"
)

const (
	// DefaultThreshold is the peak-to-trough amplitude below which a step
	// counts as quiet.
	DefaultThreshold = 0.05

	// DefaultPatience is the number of consecutive quiet steps tolerated
	// before inference is suppressed.
	DefaultPatience = 100
)

// Option is a functional option for configuring a [Transcriber].
type Option func(*Transcriber)

// WithMode selects roll or event output. The default is [ModeEvents].
func WithMode(m Mode) Option {
	return func(t *Transcriber) { t.mode = m }
}

// WithThreshold sets the activity gate amplitude threshold.
func WithThreshold(v float64) Option {
	return func(t *Transcriber) { t.gate.Threshold = v }
}

// WithPatience sets how many consecutive quiet steps are tolerated before
// inference is suppressed.
func WithPatience(n int) Option {
	return func(t *Transcriber) { t.gate.Patience = n }
}

// WithOnsetBias overrides the post-softmax class bias.
func WithOnsetBias(b OnsetBias) Option {
	return func(t *Transcriber) { t.bias = b }
}

// WithSpectrogram overrides the spectrogram front end. The network must
// have been trained with the same parameters.
func WithSpectrogram(cfg dsp.Config) Option {
	return func(t *Transcriber) { t.melCfg = cfg }
}

// WithLogger sets the logger used for session diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) { t.log = l }
}

// Output is the result of one [Transcriber.Process] call.
type Output struct {
	// Roll marks the pitches sounding after the chunk's last step (or after
	// the most recent step when the chunk completed none). Set in
	// [ModeRoll] only.
	Roll []bool

	// Onsets and Offsets hold the ascending pitch indices (0–87) that had an
	// onset or an offset in any step of the chunk. Set in [ModeEvents] only.
	Onsets  []int
	Offsets []int

	// Steps is the number of pipeline steps the chunk completed.
	Steps int

	// Suppressed is how many of those steps the activity gate skipped.
	Suppressed int
}

// Transcriber is one streaming transcription session.
//
// Audio is pushed in sub-chunks that never cross a hop boundary. Each time a
// full hop of new samples has accumulated one step runs: the activity gate,
// one new spectrogram frame, one new frame per cache point and one decoder
// step. Chunks may have any length from 1 to the ring size.
type Transcriber struct {
	net    Network
	layout Layout
	melCfg dsp.Config
	mode   Mode
	bias   OnsetBias
	log    *slog.Logger

	ring     *RingBuffer
	mel      *SpectrogramWindow
	spec     *dsp.Spectrogram
	features *FeatureCache
	decoder  *Decoder
	gate     ActivityGate

	pending int // samples pushed since the last step
	samples int64
	steps   int64
	stale   bool // caches skipped steps while suppressed
	roll    []bool
	feature []float64
}

// New creates a session at its initial state: a zero-filled ring, the
// spectrogram and feature caches bootstrapped from it and a zeroed decoder.
func New(net Network, opts ...Option) (*Transcriber, error) {
	t := &Transcriber{
		net:    net,
		melCfg: dsp.DefaultConfig(),
		mode:   ModeEvents,
		bias:   DefaultOnsetBias(),
		log:    slog.Default(),
		gate:   ActivityGate{Threshold: DefaultThreshold, Patience: DefaultPatience},
	}
	for _, opt := range opts {
		opt(t)
	}

	shape := net.Shape()
	var errs []error
	if t.mode != ModeEvents && t.mode != ModeRoll {
		errs = append(errs, fmt.Errorf("stream: unknown mode %v", t.mode))
	}
	if t.gate.Threshold < 0 {
		errs = append(errs, fmt.Errorf("stream: threshold %g must not be negative", t.gate.Threshold))
	}
	if t.gate.Patience < 0 {
		errs = append(errs, fmt.Errorf("stream: patience %d must not be negative", t.gate.Patience))
	}
	if err := t.bias.Validate(shape.Classes); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	spec, err := dsp.New(t.melCfg)
	if err != nil {
		return nil, fmt.Errorf("stream: new: %w", err)
	}
	layout, err := NewLayout(shape, t.melCfg)
	if err != nil {
		return nil, fmt.Errorf("stream: new: %w", err)
	}
	t.spec = spec
	t.layout = layout
	t.ring = NewRingBuffer(layout.Window)
	t.mel = NewSpectrogramWindow(spec, layout.MelFrames)
	t.features = NewFeatureCache(net, layout)
	t.decoder = NewDecoder(net, t.bias)
	if err := t.bootstrap(); err != nil {
		return nil, fmt.Errorf("stream: new: %w", err)
	}
	t.roll = make([]bool, shape.Pitches)
	return t, nil
}

// Layout returns the session's buffer geometry.
func (t *Transcriber) Layout() Layout { return t.layout }

// Mode returns the output mode.
func (t *Transcriber) Mode() Mode { return t.mode }

// SampleRate returns the sample rate the session expects.
func (t *Transcriber) SampleRate() int { return t.melCfg.SampleRate }

// Samples returns how many samples have been processed since session start.
func (t *Transcriber) Samples() int64 { return t.samples }

// Steps returns how many pipeline steps have run since session start,
// suppressed ones included.
func (t *Transcriber) Steps() int64 { return t.steps }

// Suppressing reports whether the activity gate suppressed the last step.
func (t *Transcriber) Suppressing() bool { return t.gate.Suppressing() }

// Window returns a copy of the ring buffer, oldest sample first.
func (t *Transcriber) Window() []float64 { return t.ring.Window() }

// Features returns a copy of the acoustic feature vector of the last
// non-suppressed step.
func (t *Transcriber) Features() []float64 { return slices.Clone(t.feature) }

// Classes returns the classes emitted by the last non-suppressed step.
func (t *Transcriber) Classes() []int { return t.decoder.Previous() }

// Process feeds one chunk of mono samples in [-1, 1] through the session.
// An empty chunk or one longer than the ring buffer is rejected with
// [ErrInvalidChunkLength] before any state changes.
func (t *Transcriber) Process(chunk []float32) (Output, error) {
	if len(chunk) == 0 || len(chunk) > t.layout.Window {
		return Output{}, fmt.Errorf("stream: process %d samples (ring holds %d): %w", len(chunk), t.layout.Window, ErrInvalidChunkLength)
	}

	var out Output
	var onsets, offsets []bool
	if t.mode == ModeEvents {
		onsets = make([]bool, len(t.roll))
		offsets = make([]bool, len(t.roll))
	}
	for len(chunk) > 0 {
		n := min(len(chunk), t.layout.Hop-t.pending)
		// Sub-chunks are never longer than a hop.
		_ = t.ring.Push(chunk[:n])
		chunk = chunk[n:]
		t.pending += n
		t.samples += int64(n)
		if t.pending < t.layout.Hop {
			continue
		}
		t.pending = 0

		classes, ok, err := t.step()
		if err != nil {
			return out, err
		}
		out.Steps++
		if !ok {
			out.Suppressed++
			clear(t.roll)
			continue
		}
		if t.mode == ModeRoll {
			t.roll = Roll(classes)
			continue
		}
		on, off := Events(classes)
		for _, p := range on {
			onsets[p] = true
		}
		for _, p := range off {
			offsets[p] = true
		}
	}

	if t.mode == ModeRoll {
		out.Roll = slices.Clone(t.roll)
		return out, nil
	}
	for p := range onsets {
		if onsets[p] {
			out.Onsets = append(out.Onsets, p)
		}
		if offsets[p] {
			out.Offsets = append(out.Offsets, p)
		}
	}
	return out, nil
}

// step runs one pipeline step on the current ring contents. It reports
// false when the activity gate suppressed inference.
func (t *Transcriber) step() ([]int, bool, error) {
	t.steps++
	if t.gate.ShouldSuppress(t.ring) {
		if !t.stale {
			t.log.Debug("stream: suppressing inference", "quiet_steps", t.gate.Quiet(), "step", t.steps)
		}
		t.stale = true
		return nil, false, nil
	}

	if t.stale {
		t.log.Debug("stream: resuming inference", "step", t.steps)
		if err := t.bootstrap(); err != nil {
			return nil, false, fmt.Errorf("stream: resume: %w", err)
		}
		t.stale = false
	} else {
		t.mel.Update(t.ring.Tail(t.layout.FFTSize))
		feature, err := t.features.Update(t.mel.Frames())
		if err != nil {
			return nil, false, err
		}
		t.feature = feature
	}

	pred := t.decoder.Step(t.feature)
	return pred.Classes, true, nil
}

// bootstrap recomputes the spectrogram window and both feature caches from
// the full ring buffer.
func (t *Transcriber) bootstrap() error {
	if err := t.mel.Reset(t.ring.Window()); err != nil {
		return err
	}
	feature, err := t.features.Bootstrap(t.mel.Frames())
	if err != nil {
		return err
	}
	t.feature = feature
	return nil
}

// Reset restarts the session: the ring, caches, gate, recurrent state and
// previous output all return to their initial values.
func (t *Transcriber) Reset() error {
	t.ring.Reset()
	t.gate.Reset()
	t.decoder.Reset()
	t.pending, t.samples, t.steps, t.stale = 0, 0, 0, false
	clear(t.roll)
	return t.bootstrap()
}
