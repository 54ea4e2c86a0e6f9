package stream_test

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"reflect"
	"slices"
	"testing"

	"github.com/MeBadDev/online-amt/internal/dsp"
	"github.com/MeBadDev/online-amt/internal/model"
	"github.com/MeBadDev/online-amt/internal/nn"
	"github.com/MeBadDev/online-amt/internal/stream"
)

const hop = 512

func testModel(t *testing.T) *model.Model {
	t.Helper()
	m, err := model.NewRandom(model.Hyper{ConvComplexity: 2, LSTMComplexity: 2}, 42)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	return m
}

func newSession(t *testing.T, m *model.Model, opts ...stream.Option) *stream.Transcriber {
	t.Helper()
	opts = append([]stream.Option{stream.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	tr, err := stream.New(m, opts...)
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	return tr
}

// tone returns n samples of a sine at freq Hz starting at sample offset,
// plus a little deterministic broadband content.
func tone(n, offset int, freq, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		x := float64(offset + i)
		out[i] = float32(amp*math.Sin(2*math.Pi*freq*x/16000) + 0.05*amp*math.Sin(x*x*1e-3))
	}
	return out
}

func assertClose(t *testing.T, step int, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("step %d: %d features, want %d", step, len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("step %d: feature %d = %.9g, batch %.9g", step, i, got[i], want[i])
		}
	}
}

func TestIncrementalMatchesBatch(t *testing.T) {
	m := testModel(t)
	tr := newSession(t, m, stream.WithThreshold(0))
	spec, err := dsp.New(dsp.DefaultConfig())
	if err != nil {
		t.Fatalf("dsp.New: %v", err)
	}

	for step := range 20 {
		freq := 220 * math.Pow(2, float64(step%12)/12)
		if _, err := tr.Process(tone(hop, step*hop, freq, 0.4)); err != nil {
			t.Fatalf("step %d: Process: %v", step, err)
		}
		want, err := stream.BatchFeatures(m, spec, tr.Layout(), tr.Window())
		if err != nil {
			t.Fatalf("step %d: BatchFeatures: %v", step, err)
		}
		assertClose(t, step, tr.Features(), want, 1e-4)
	}
}

func TestResumeAfterSuppressionMatchesBatch(t *testing.T) {
	m := testModel(t)
	tr := newSession(t, m, stream.WithPatience(0))
	spec, _ := dsp.New(dsp.DefaultConfig())

	for i := range 3 {
		out, err := tr.Process(make([]float32, hop))
		if err != nil {
			t.Fatalf("silence %d: %v", i, err)
		}
		if out.Suppressed != 1 {
			t.Fatalf("silence %d: Suppressed = %d, want 1", i, out.Suppressed)
		}
	}
	for step := range 4 {
		out, err := tr.Process(tone(hop, step*hop, 330, 0.5))
		if err != nil {
			t.Fatalf("tone %d: %v", step, err)
		}
		if out.Suppressed != 0 {
			t.Fatalf("tone %d was suppressed", step)
		}
		want, _ := stream.BatchFeatures(m, spec, tr.Layout(), tr.Window())
		assertClose(t, step, tr.Features(), want, 1e-4)
	}
}

func TestUnbiasedDecoderMatchesBatchTranscription(t *testing.T) {
	m := testModel(t)
	const frames = 16
	mel := make([]float64, frames*model.MelBins)
	for i := range mel {
		mel[i] = -6 + float64((i*7)%31)/5
	}

	want := m.Transcribe(mel)
	if len(want) == 0 {
		t.Fatal("Transcribe returned no rows")
	}

	x := nn.FromFrames(slices.Clone(mel), frames, model.MelBins)
	feats := m.ApplyStage(stream.StageBack, m.ApplyStage(stream.StageMiddle, m.ApplyStage(stream.StageFront, x)))
	if feats.T != len(want) {
		t.Fatalf("%d feature frames, %d batch rows", feats.T, len(want))
	}

	dec := stream.NewDecoder(m, stream.OnsetBias{Factor: 1})
	for f := range feats.T {
		got := dec.Step(feats.Data[f*feats.F : (f+1)*feats.F]).Classes
		if !slices.Equal(got, want[f]) {
			t.Fatalf("frame %d: streaming decoder %v, batch %v", f, got, want[f])
		}
	}
}

func TestChunkSizeDoesNotChangeResults(t *testing.T) {
	m := testModel(t)
	audio := tone(16*hop, 0, 523.25, 0.3)

	whole := newSession(t, m, stream.WithThreshold(0))
	split := newSession(t, m, stream.WithThreshold(0))
	for i := 0; i < len(audio); i += hop {
		out, err := whole.Process(audio[i : i+hop])
		if err != nil || out.Steps != 1 {
			t.Fatalf("whole chunk %d: steps %d, err %v", i/hop, out.Steps, err)
		}
		steps := 0
		for j := i; j < i+hop; j += 128 {
			o, err := split.Process(audio[j : j+128])
			if err != nil {
				t.Fatalf("split chunk: %v", err)
			}
			steps += o.Steps
		}
		if steps != 1 {
			t.Fatalf("four 128-sample chunks ran %d steps, want 1", steps)
		}
		if !slices.Equal(whole.Features(), split.Features()) || !slices.Equal(whole.Classes(), split.Classes()) {
			t.Fatalf("hop %d: split session diverged", i/hop)
		}
	}

	// A long chunk runs one step per hop.
	long := newSession(t, m, stream.WithThreshold(0))
	out, err := long.Process(audio[:3*hop+100])
	if err != nil {
		t.Fatalf("long chunk: %v", err)
	}
	if out.Steps != 3 || long.Samples() != 3*hop+100 {
		t.Errorf("long chunk: %d steps over %d samples", out.Steps, long.Samples())
	}
}

func TestInvalidChunkLeavesSessionUnchanged(t *testing.T) {
	tr := newSession(t, testModel(t))
	if _, err := tr.Process(tone(700, 0, 440, 0.5)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	window, samples, steps := tr.Window(), tr.Samples(), tr.Steps()

	for _, chunk := range [][]float32{nil, {}, make([]float32, tr.Layout().Window+1)} {
		if _, err := tr.Process(chunk); !errors.Is(err, stream.ErrInvalidChunkLength) {
			t.Errorf("Process(len %d) = %v, want ErrInvalidChunkLength", len(chunk), err)
		}
	}
	if !slices.Equal(tr.Window(), window) || tr.Samples() != samples || tr.Steps() != steps {
		t.Error("rejected chunk modified the session")
	}
	if _, err := tr.Process(make([]float32, tr.Layout().Window)); err != nil {
		t.Errorf("full-window chunk rejected: %v", err)
	}
}

func TestEndToEndSilenceThenTone(t *testing.T) {
	m := testModel(t)
	// A large onset bias makes every energised pitch report an onset, so the
	// test does not depend on what the random weights predict.
	tr := newSession(t, m,
		stream.WithPatience(0),
		stream.WithOnsetBias(stream.OnsetBias{Classes: []int{int(stream.ClassOnset)}, Factor: 1e9}),
	)

	chunks := [][]float32{
		make([]float32, hop),
		make([]float32, hop),
		tone(hop, 2*hop, 440, 0.6),
		make([]float32, hop),
		make([]float32, hop),
	}
	var outs []stream.Output
	for i, c := range chunks {
		out, err := tr.Process(c)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		outs = append(outs, out)
	}

	for i := range 2 {
		if outs[i].Suppressed != 1 || len(outs[i].Onsets) != 0 || len(outs[i].Offsets) != 0 {
			t.Errorf("chunk %d: %+v, want a suppressed step without events", i, outs[i])
		}
	}
	if outs[2].Suppressed != 0 {
		t.Fatal("chunk 3 was suppressed")
	}
	if len(outs[2].Onsets) == 0 {
		t.Error("no onset once the signal was energised")
	}
	// The tone is still inside the ring for the following chunks.
	for i := 3; i < 5; i++ {
		if outs[i].Suppressed != 0 {
			t.Errorf("chunk %d suppressed while the tone is buffered", i)
		}
	}
	if a4 := 69 - 21; !slices.Contains(outs[2].Onsets, a4) {
		t.Errorf("onsets %v do not include A4 (index %d)", outs[2].Onsets, a4)
	}
}

func TestRollMode(t *testing.T) {
	m := testModel(t)
	tr := newSession(t, m,
		stream.WithMode(stream.ModeRoll),
		stream.WithPatience(0),
		stream.WithOnsetBias(stream.OnsetBias{Classes: []int{int(stream.ClassOnset)}, Factor: 1e9}),
	)

	out, err := tr.Process(make([]float32, hop))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Roll) != 88 || slices.Contains(out.Roll, true) {
		t.Fatalf("suppressed roll = %v, want 88 inactive pitches", out.Roll)
	}
	if out.Onsets != nil || out.Offsets != nil {
		t.Error("roll mode returned events")
	}

	out, err = tr.Process(tone(hop, 0, 440, 0.6))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := stream.Roll(tr.Classes())
	if !slices.Equal(out.Roll, want) || !slices.Contains(out.Roll, true) {
		t.Fatalf("roll = %v, want %v", out.Roll, want)
	}

	// A chunk that completes no step repeats the last roll.
	out, err = tr.Process(tone(100, hop, 440, 0.6))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Steps != 0 || !slices.Equal(out.Roll, want) {
		t.Errorf("partial chunk: steps %d roll changed", out.Steps)
	}
}

func TestDeterminism(t *testing.T) {
	run := func() ([]stream.Output, []float64) {
		m := testModel(t)
		tr := newSession(t, m, stream.WithThreshold(0))
		var outs []stream.Output
		for i := range 8 {
			out, err := tr.Process(tone(hop, i*hop, 261.63, 0.5))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			outs = append(outs, out)
		}
		return outs, tr.Features()
	}
	outsA, featA := run()
	outsB, featB := run()
	if !reflect.DeepEqual(outsA, outsB) {
		t.Error("outputs differ between identical runs")
	}
	if !slices.Equal(featA, featB) {
		t.Error("features differ between identical runs")
	}
}

func TestResetRestoresInitialState(t *testing.T) {
	m := testModel(t)
	fresh := newSession(t, m, stream.WithThreshold(0))
	used := newSession(t, m, stream.WithThreshold(0))
	for i := range 5 {
		if _, err := used.Process(tone(hop, i*hop, 700, 0.5)); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if err := used.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if used.Samples() != 0 || slices.ContainsFunc(used.Window(), func(v float64) bool { return v != 0 }) {
		t.Fatal("Reset left samples behind")
	}
	chunk := tone(hop, 0, 880, 0.5)
	a, _ := fresh.Process(chunk)
	b, _ := used.Process(chunk)
	if !reflect.DeepEqual(a, b) || !slices.Equal(fresh.Features(), used.Features()) {
		t.Error("reset session differs from a fresh one")
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	m := testModel(t)
	tests := []struct {
		name string
		opt  stream.Option
	}{
		{"negative patience", stream.WithPatience(-1)},
		{"negative threshold", stream.WithThreshold(-0.1)},
		{"bias class out of range", stream.WithOnsetBias(stream.OnsetBias{Classes: []int{7}, Factor: 2})},
		{"unknown mode", stream.WithMode(stream.Mode(9))},
		{"mismatched spectrogram", stream.WithSpectrogram(dsp.Config{
			SampleRate: 16000, FFTSize: 1024, HopSize: 256, NumMels: 128, LowFreq: 30, HighFreq: 8000, Floor: 1e-5,
		})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := stream.New(m, tc.opt); err == nil {
				t.Error("expected error")
			}
		})
	}
}
