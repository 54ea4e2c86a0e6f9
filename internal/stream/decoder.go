package stream

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MeBadDev/online-amt/internal/nn"
)

// OnsetBias scales the probabilities of selected classes after the softmax
// and before the arg-max. It is an inference-time calibration of the trained
// weights that favours early onset detection.
type OnsetBias struct {
	Classes []int
	Factor  float64
}

// DefaultOnsetBias doubles the onset and re-onset probabilities.
func DefaultOnsetBias() OnsetBias {
	return OnsetBias{Classes: []int{int(ClassOnset), int(ClassReonset)}, Factor: 2}
}

// Validate checks the bias against the number of classes.
func (b OnsetBias) Validate(classes int) error {
	var errs []error
	if b.Factor <= 0 {
		errs = append(errs, fmt.Errorf("stream: onset bias factor %g must be positive", b.Factor))
	}
	for _, c := range b.Classes {
		if c < 0 || c >= classes {
			errs = append(errs, fmt.Errorf("stream: onset bias class %d out of range [0, %d)", c, classes))
		}
	}
	return errors.Join(errs...)
}

// Prediction is the outcome of one decoder step.
type Prediction struct {
	// Scores holds the biased class probabilities, pitch-major
	// (index p*Classes+k).
	Scores []float64

	// Classes holds the arg-max class per pitch.
	Classes []int
}

// Decoder is the autoregressive half of the network. It carries the
// recurrent state and the classes emitted by the previous step, both of
// which start zeroed (every pitch [ClassOff]).
type Decoder struct {
	net   Network
	shape Shape
	bias  OnsetBias
	state *nn.LSTMState
	prev  []int
}

// NewDecoder returns a decoder at session start.
func NewDecoder(net Network, bias OnsetBias) *Decoder {
	d := &Decoder{net: net, shape: net.Shape(), bias: bias}
	d.Reset()
	return d
}

// Reset zeroes the recurrent state and the previous classes.
func (d *Decoder) Reset() {
	d.state = d.net.InitialState()
	d.prev = make([]int, d.shape.Pitches)
}

// Previous returns a copy of the classes emitted by the last step.
func (d *Decoder) Previous() []int { return slices.Clone(d.prev) }

// Step consumes one acoustic feature vector and returns the prediction for
// the current frame. The prediction becomes the previous output of the next
// step.
func (d *Decoder) Step(feature []float64) Prediction {
	input := make([]float64, 0, len(feature)+d.shape.Pitches*2)
	input = append(input, feature...)
	input = append(input, d.net.EmbedClasses(d.prev)...)

	logits := d.net.RecurrentStep(input, d.state)
	scores := nn.Softmax(logits, d.shape.Classes)
	for p := range d.shape.Pitches {
		for _, k := range d.bias.Classes {
			scores[p*d.shape.Classes+k] *= d.bias.Factor
		}
	}
	classes := nn.Argmax(scores, d.shape.Classes)
	d.prev = classes
	return Prediction{Scores: scores, Classes: slices.Clone(classes)}
}
