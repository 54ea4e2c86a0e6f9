// Package stream implements the online transcription engine: a per-session
// state machine that turns successive chunks of mono 16 kHz audio into
// per-pitch note predictions without ever recomputing the full receptive
// field from scratch.
//
// One [Transcriber] owns every piece of mutable state of a session:
//
//   - [RingBuffer] holds the most recent W audio samples.
//   - [SpectrogramWindow] holds the last T_mel log-mel frames and computes
//     only the newest frame per step.
//   - [FeatureCache] keeps the outputs of the two time-reducing cache points
//     of the convolutional stack and recomputes one frame per stage per step.
//   - [Decoder] carries the recurrent state and the previous step's classes.
//   - [ActivityGate] suppresses inference after sustained silence.
//
// The engine depends on the network only through the narrow [Network]
// capability interface. A Transcriber is not safe for concurrent use; hosts
// that serve several streams create one Transcriber per stream.
package stream

import (
	"fmt"

	"github.com/MeBadDev/online-amt/internal/dsp"
	"github.com/MeBadDev/online-amt/internal/nn"
)

// Stage names one group of the convolutional stack, delimited by the cache
// points.
type Stage int

const (
	// StageFront maps log-mel frames (one channel) to the first cache point.
	StageFront Stage = iota

	// StageMiddle maps first cache point frames to the second cache point.
	StageMiddle

	// StageBack maps second cache point frames to acoustic feature vectors:
	// the remaining layers, flattening and the linear projection. The result
	// has one channel and F equal to [Shape.FeatureSize].
	StageBack
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case StageFront:
		return "front"
	case StageMiddle:
		return "middle"
	case StageBack:
		return "back"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Shape describes the dimensions a [Network] works with.
type Shape struct {
	// MelBins is the number of log-mel bins per input frame.
	MelBins int

	// Context is the number of input frames each stage consumes to produce one
	// output frame (the time extent of its unpadded convolution kernel).
	Context int

	// FeatureSize is the length of one acoustic feature vector.
	FeatureSize int

	// Pitches is the number of output pitches (88 piano keys).
	Pitches int

	// Classes is the number of mutually exclusive classes per pitch.
	Classes int
}

// Network is the capability the engine needs from the transcription model.
// Implementations must be deterministic and must not retain or mutate their
// inputs.
type Network interface {
	// Shape returns the network dimensions.
	Shape() Shape

	// ApplyStage runs one group of the convolutional stack over x. Each stage
	// shrinks the time axis by Context-1 frames.
	ApplyStage(stage Stage, x *nn.Tensor) *nn.Tensor

	// EmbedClasses returns the concatenated class embeddings of one class
	// index per pitch.
	EmbedClasses(classes []int) []float64

	// InitialState returns a zeroed recurrent state.
	InitialState() *nn.LSTMState

	// RecurrentStep advances state by one step and returns Pitches×Classes
	// logits, pitch-major.
	RecurrentStep(input []float64, state *nn.LSTMState) []float64
}

// Layout is the buffer geometry derived from a [Shape] and a spectrogram
// configuration. Every size is fixed for the lifetime of a session.
type Layout struct {
	// Window is the ring buffer length W in samples.
	Window int

	// Hop is the number of new samples per pipeline step.
	Hop int

	// FFTSize is the number of trailing samples one spectrogram frame needs.
	FFTSize int

	// MelFrames is T_mel, the spectrogram window length in frames.
	MelFrames int

	// FrontFrames is the time length of the first cache point.
	FrontFrames int

	// MiddleFrames is the time length of the second cache point.
	MiddleFrames int

	// Context is the per-stage time receptive field in frames.
	Context int
}

// NewLayout derives the buffer geometry. Three stages of Context-tap time
// convolutions need 1+3·(Context-1) mel frames to produce one feature frame;
// the ring must hold exactly the samples those frames cover.
func NewLayout(shape Shape, mel dsp.Config) (Layout, error) {
	if shape.Context < 1 {
		return Layout{}, fmt.Errorf("stream: layout: context %d must be at least 1", shape.Context)
	}
	if shape.MelBins != mel.NumMels {
		return Layout{}, fmt.Errorf("stream: layout: network expects %d mel bins, spectrogram yields %d", shape.MelBins, mel.NumMels)
	}
	if shape.Pitches <= 0 || shape.Classes <= 0 || shape.FeatureSize <= 0 {
		return Layout{}, fmt.Errorf("stream: layout: invalid network shape %+v", shape)
	}
	k := shape.Context - 1
	l := Layout{
		Hop:          mel.HopSize,
		FFTSize:      mel.FFTSize,
		MelFrames:    1 + 3*k,
		FrontFrames:  1 + 2*k,
		MiddleFrames: 1 + k,
		Context:      shape.Context,
	}
	l.Window = mel.FFTSize + (l.MelFrames-1)*mel.HopSize
	if got := mel.FrameCount(l.Window); got != l.MelFrames {
		return Layout{}, fmt.Errorf("stream: layout: window of %d samples yields %d frames, want %d", l.Window, got, l.MelFrames)
	}
	return l, nil
}
