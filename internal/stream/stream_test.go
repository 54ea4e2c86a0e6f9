package stream

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/MeBadDev/online-amt/internal/dsp"
	"github.com/MeBadDev/online-amt/internal/nn"
)

func TestRingBufferHoldsLatestSamples(t *testing.T) {
	const size = 8
	r := NewRingBuffer(size)
	var stream []float64
	rng := rand.New(rand.NewPCG(1, 1))
	for range 50 {
		n := 1 + rng.IntN(size)
		chunk := make([]float32, n)
		for i := range chunk {
			chunk[i] = float32(rng.IntN(1000))
		}
		if err := r.Push(chunk); err != nil {
			t.Fatalf("Push(%d): %v", n, err)
		}
		for _, v := range chunk {
			stream = append(stream, float64(v))
		}
		want := make([]float64, size)
		if len(stream) >= size {
			copy(want, stream[len(stream)-size:])
		} else {
			copy(want[size-len(stream):], stream)
		}
		if got := r.Window(); !slices.Equal(got, want) {
			t.Fatalf("after %d samples Window = %v, want %v", len(stream), got, want)
		}
		if got := r.Tail(3); !slices.Equal(got, want[size-3:]) {
			t.Fatalf("Tail(3) = %v, want %v", got, want[size-3:])
		}
	}
}

func TestRingBufferRejectsInvalidChunks(t *testing.T) {
	r := NewRingBuffer(4)
	if err := r.Push([]float32{1, 2}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	before := r.Window()
	for _, chunk := range [][]float32{nil, {}, {1, 2, 3, 4, 5}} {
		if err := r.Push(chunk); !errors.Is(err, ErrInvalidChunkLength) {
			t.Errorf("Push(len %d) = %v, want ErrInvalidChunkLength", len(chunk), err)
		}
	}
	if got := r.Window(); !slices.Equal(got, before) {
		t.Errorf("buffer changed to %v, want %v", got, before)
	}
}

func TestRingBufferSpan(t *testing.T) {
	r := NewRingBuffer(4)
	if got := r.Span(); got != 0 {
		t.Errorf("Span of silence = %g", got)
	}
	_ = r.Push([]float32{0.5, -0.25})
	if got := r.Span(); got != 0.75 {
		t.Errorf("Span = %g, want 0.75", got)
	}
	r.Reset()
	if got := r.Span(); got != 0 {
		t.Errorf("Span after Reset = %g", got)
	}
}

func TestActivityGate(t *testing.T) {
	tests := []struct {
		name     string
		patience int
		spans    []float64
		want     []bool
	}{
		{
			name:     "sustained silence suppresses after patience",
			patience: 2,
			spans:    []float64{0, 0, 0, 0},
			want:     []bool{false, false, true, true},
		},
		{
			name:     "loud step resets the counter",
			patience: 2,
			spans:    []float64{0, 0, 0.5, 0, 0, 0},
			want:     []bool{false, false, false, false, false, true},
		},
		{
			name:     "zero patience suppresses immediately",
			patience: 0,
			spans:    []float64{0.01, 1, 0.01},
			want:     []bool{true, false, true},
		},
		{
			name:     "threshold is inclusive for loud",
			patience: 0,
			spans:    []float64{0.05},
			want:     []bool{false},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := ActivityGate{Threshold: 0.05, Patience: tc.patience}
			for i, span := range tc.spans {
				if got := g.Observe(span); got != tc.want[i] {
					t.Fatalf("step %d (span %g): suppress = %v, want %v (quiet=%d)", i, span, got, tc.want[i], g.Quiet())
				}
			}
		})
	}
}

func TestActivityGateReadsRing(t *testing.T) {
	r := NewRingBuffer(16)
	g := ActivityGate{Threshold: 0.05, Patience: 100}
	for range 100 {
		if g.ShouldSuppress(r) {
			t.Fatal("suppressed before patience was exceeded")
		}
	}
	if !g.ShouldSuppress(r) {
		t.Fatal("not suppressed after 101 quiet steps")
	}
	_ = r.Push([]float32{0.3})
	if g.ShouldSuppress(r) || g.Quiet() != 0 {
		t.Fatalf("loud buffer did not reset the gate (quiet=%d)", g.Quiet())
	}
}

func TestRollAndEventsAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	for range 20 {
		classes := make([]int, 88)
		for p := range classes {
			classes[p] = rng.IntN(5)
		}
		roll := Roll(classes)
		onsets, offsets := Events(classes)
		for p, c := range classes {
			if roll[p] != (c == 2 || c == 3) {
				t.Fatalf("pitch %d class %d: roll %v", p, c, roll[p])
			}
			remapped := c
			if remapped == 4 {
				remapped = 3
			}
			if slices.Contains(onsets, p) != (remapped == 3) {
				t.Fatalf("pitch %d class %d: onset membership wrong", p, c)
			}
			if slices.Contains(offsets, p) != (c == 1) {
				t.Fatalf("pitch %d class %d: offset membership wrong", p, c)
			}
		}
		if !slices.IsSorted(onsets) || !slices.IsSorted(offsets) {
			t.Fatal("event indices not ascending")
		}
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"roll", ModeRoll, false},
		{" Events ", ModeEvents, false},
		{"", ModeEvents, false},
		{"midi", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseMode(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestNewLayout(t *testing.T) {
	shape := Shape{MelBins: 229, Context: 3, FeatureSize: 16, Pitches: 88, Classes: 5}
	l, err := NewLayout(shape, dsp.DefaultConfig())
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	want := Layout{Window: 5120, Hop: 512, FFTSize: 2048, MelFrames: 7, FrontFrames: 5, MiddleFrames: 3, Context: 3}
	if l != want {
		t.Errorf("layout = %+v, want %+v", l, want)
	}

	bad := shape
	bad.MelBins = 128
	if _, err := NewLayout(bad, dsp.DefaultConfig()); err == nil {
		t.Error("expected mel bin mismatch error")
	}
	bad = shape
	bad.Context = 0
	if _, err := NewLayout(bad, dsp.DefaultConfig()); err == nil {
		t.Error("expected context error")
	}
}

// scriptedNet is a Network whose recurrent step returns fixed logits and
// records what it was fed.
type scriptedNet struct {
	logits  []float64
	inputs  [][]float64
	classes [][]int
}

func (n *scriptedNet) Shape() Shape {
	return Shape{MelBins: 229, Context: 3, FeatureSize: 4, Pitches: 88, Classes: 5}
}

func (n *scriptedNet) ApplyStage(Stage, *nn.Tensor) *nn.Tensor { panic("not used") }

func (n *scriptedNet) EmbedClasses(classes []int) []float64 {
	n.classes = append(n.classes, slices.Clone(classes))
	return make([]float64, 2*len(classes))
}

func (n *scriptedNet) InitialState() *nn.LSTMState { return &nn.LSTMState{} }

func (n *scriptedNet) RecurrentStep(input []float64, _ *nn.LSTMState) []float64 {
	n.inputs = append(n.inputs, slices.Clone(input))
	return slices.Clone(n.logits)
}

func TestDecoderBiasAndFeedback(t *testing.T) {
	logits := make([]float64, 88*5)
	// Pitch 0 prefers sustain slightly over onset; pitch 1 clearly prefers
	// sustain; every other pitch is uniform.
	logits[0*5+2], logits[0*5+3] = 1.0, 0.9
	logits[1*5+2], logits[1*5+3] = 5.0, 0.0
	net := &scriptedNet{logits: logits}
	d := NewDecoder(net, DefaultOnsetBias())

	if got := d.Previous(); !slices.Equal(got, make([]int, 88)) {
		t.Fatal("previous classes do not start at off")
	}
	pred := d.Step([]float64{1, 2, 3, 4})
	if pred.Classes[0] != int(ClassOnset) {
		t.Errorf("pitch 0 = %v, want onset after bias", Class(pred.Classes[0]))
	}
	if pred.Classes[1] != int(ClassSustain) {
		t.Errorf("pitch 1 = %v, want sustain", Class(pred.Classes[1]))
	}
	// Uniform pitches tie between the doubled onset and re-onset; the lower
	// index wins.
	if pred.Classes[2] != int(ClassOnset) {
		t.Errorf("pitch 2 = %v, want onset", Class(pred.Classes[2]))
	}
	if len(net.inputs[0]) != 4+176 {
		t.Errorf("decoder input has %d values, want 180", len(net.inputs[0]))
	}

	d.Step([]float64{1, 2, 3, 4})
	if !slices.Equal(net.classes[1], pred.Classes) {
		t.Error("second step was not fed the first step's classes")
	}

	d.Reset()
	if got := d.Previous(); !slices.Equal(got, make([]int, 88)) {
		t.Error("Reset did not clear previous classes")
	}
}

func TestDecoderWithoutBias(t *testing.T) {
	logits := make([]float64, 88*5)
	logits[0*5+2], logits[0*5+3] = 1.0, 0.9
	d := NewDecoder(&scriptedNet{logits: logits}, OnsetBias{Factor: 1})
	if got := d.Step(make([]float64, 4)).Classes[0]; got != int(ClassSustain) {
		t.Errorf("pitch 0 = %v, want sustain", Class(got))
	}
}

func TestOnsetBiasValidate(t *testing.T) {
	if err := DefaultOnsetBias().Validate(5); err != nil {
		t.Errorf("default bias: %v", err)
	}
	if err := (OnsetBias{Classes: []int{5}, Factor: 2}).Validate(5); err == nil {
		t.Error("expected out-of-range class error")
	}
	if err := (OnsetBias{Factor: 0}).Validate(5); err == nil {
		t.Error("expected factor error")
	}
}
