// Package model is the autoregressive piano transcription network: a
// convolutional acoustic model over log-mel frames followed by a two-layer
// LSTM that is fed its own previous per-pitch classes.
//
// The architecture is sized by two complexity knobs. With conv complexity c
// and LSTM complexity l:
//
//	conv stack   1 → c → c → (pool) → 2c → (pool) channels, 3×3 kernels
//	projection   2c·57 → 16c
//	LSTM         16c + 88·2 → 16l, two layers
//	post         16l → 88·5
//	embedding    5 classes → 2 dims
//
// Parameter names follow the state-dict layout of the trained checkpoints
// (for example "acoustic_model.cnn.0.weight" or "language_model.weight_ih_l1")
// so that [Load] can address them by name. [Model] implements
// [stream.Network] for the streaming engine; in streaming mode the
// convolutions pad frequency only, never time.
package model

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/MeBadDev/online-amt/internal/nn"
	"github.com/MeBadDev/online-amt/internal/stream"
)

// Fixed network dimensions.
const (
	MelBins  = 229
	Pitches  = 88
	Classes  = 5
	EmbedDim = 2

	// kernelTime is the time extent of every convolution kernel.
	kernelTime = 3
)

// Hyper holds the architecture hyperparameters stored in checkpoints.
type Hyper struct {
	ConvComplexity int
	LSTMComplexity int
}

// DefaultHyper is the size of the published checkpoints.
func DefaultHyper() Hyper { return Hyper{ConvComplexity: 48, LSTMComplexity: 48} }

// Validate reports whether h describes a buildable network.
func (h Hyper) Validate() error {
	if h.ConvComplexity <= 0 || h.LSTMComplexity <= 0 {
		return fmt.Errorf("model: complexities must be positive, got conv=%d lstm=%d", h.ConvComplexity, h.LSTMComplexity)
	}
	return nil
}

// FeatureSize is the acoustic feature length 16·ConvComplexity.
func (h Hyper) FeatureSize() int { return 16 * h.ConvComplexity }

// HiddenSize is the LSTM hidden size 16·LSTMComplexity.
func (h Hyper) HiddenSize() int { return 16 * h.LSTMComplexity }

// Model is an inference-only transcription network. It is immutable after
// construction or loading and safe for concurrent use by many sessions.
type Model struct {
	hyper Hyper

	front  nn.Sequential // cnn layers 0–2
	middle nn.Sequential // cnn layers 3–7
	back   nn.Sequential // cnn layers 8–12
	fc     *nn.Linear
	lstm   *nn.LSTM
	post   *nn.Linear
	embed  *nn.Embedding

	params map[string]*nn.Param
}

var _ stream.Network = (*Model)(nil)

// New builds a network with zero weights and identity batch normalisation.
func New(h Hyper) (*Model, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	c := h.ConvComplexity
	m := &Model{hyper: h, params: make(map[string]*nn.Param)}

	conv0 := nn.NewConv2d(1, c, kernelTime, 3, 0, 1)
	bn1 := nn.NewBatchNorm2d(c)
	conv3 := nn.NewConv2d(c, c, kernelTime, 3, 0, 1)
	bn4 := nn.NewBatchNorm2d(c)
	conv8 := nn.NewConv2d(c, 2*c, kernelTime, 3, 0, 1)
	bn9 := nn.NewBatchNorm2d(2 * c)

	m.front = nn.Sequential{conv0, bn1, nn.ReLU{}}
	m.middle = nn.Sequential{conv3, bn4, nn.ReLU{}, nn.MaxPool2d{KT: 1, KF: 2}, nn.Dropout{P: 0.25}}
	m.back = nn.Sequential{conv8, bn9, nn.ReLU{}, nn.MaxPool2d{KT: 1, KF: 2}, nn.Dropout{P: 0.25}}
	m.fc = nn.NewLinear(2*c*(MelBins/4), h.FeatureSize())
	m.lstm = nn.NewLSTM(h.FeatureSize()+Pitches*EmbedDim, h.HiddenSize(), 2)
	m.post = nn.NewLinear(h.HiddenSize(), Pitches*Classes)
	m.embed = nn.NewEmbedding(Classes, EmbedDim)

	for i, conv := range map[int]*nn.Conv2d{0: conv0, 3: conv3, 8: conv8} {
		m.register(fmt.Sprintf("acoustic_model.cnn.%d.weight", i), conv.Weight)
		m.register(fmt.Sprintf("acoustic_model.cnn.%d.bias", i), conv.Bias)
	}
	for i, bn := range map[int]*nn.BatchNorm2d{1: bn1, 4: bn4, 9: bn9} {
		prefix := fmt.Sprintf("acoustic_model.cnn.%d.", i)
		m.register(prefix+"weight", bn.Weight)
		m.register(prefix+"bias", bn.Bias)
		m.register(prefix+"running_mean", bn.RunningMean)
		m.register(prefix+"running_var", bn.RunningVar)
	}
	m.register("acoustic_model.fc.0.weight", m.fc.Weight)
	m.register("acoustic_model.fc.0.bias", m.fc.Bias)
	for i, layer := range m.lstm.Layers {
		m.register(fmt.Sprintf("language_model.weight_ih_l%d", i), layer.WeightIH)
		m.register(fmt.Sprintf("language_model.weight_hh_l%d", i), layer.WeightHH)
		m.register(fmt.Sprintf("language_model.bias_ih_l%d", i), layer.BiasIH)
		m.register(fmt.Sprintf("language_model.bias_hh_l%d", i), layer.BiasHH)
	}
	m.register("language_post.0.weight", m.post.Weight)
	m.register("language_post.0.bias", m.post.Bias)
	m.register("class_embedding.weight", m.embed.Weight)
	return m, nil
}

// NewRandom builds a network with randomly initialised weights drawn from a
// PCG generator seeded with seed. Equal seeds give identical networks.
func NewRandom(h Hyper, seed uint64) (*Model, error) {
	m, err := New(h)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, l := range []nn.Sequential{m.front, m.middle, m.back} {
		for _, layer := range l {
			if conv, ok := layer.(*nn.Conv2d); ok {
				conv.Init(rng)
			}
		}
	}
	m.fc.Init(rng)
	m.lstm.Init(rng)
	m.post.Init(rng)
	m.embed.Init(rng)
	return m, nil
}

func (m *Model) register(name string, p *nn.Param) { m.params[name] = p }

// Hyper returns the architecture hyperparameters.
func (m *Model) Hyper() Hyper { return m.hyper }

// ParamNames returns the sorted names of every parameter.
func (m *Model) ParamNames() []string {
	names := make([]string, 0, len(m.params))
	for name := range m.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Param returns the named parameter, or nil.
func (m *Model) Param(name string) *nn.Param { return m.params[name] }

// Shape implements [stream.Network].
func (m *Model) Shape() stream.Shape {
	return stream.Shape{
		MelBins:     MelBins,
		Context:     kernelTime,
		FeatureSize: m.hyper.FeatureSize(),
		Pitches:     Pitches,
		Classes:     Classes,
	}
}

// ApplyStage implements [stream.Network].
func (m *Model) ApplyStage(stage stream.Stage, x *nn.Tensor) *nn.Tensor {
	switch stage {
	case stream.StageFront:
		return m.front.Forward(x)
	case stream.StageMiddle:
		return m.middle.Forward(x)
	case stream.StageBack:
		rows := m.back.Forward(x).Flatten()
		out := nn.NewTensor(1, len(rows), m.hyper.FeatureSize())
		for t, row := range rows {
			copy(out.Data[t*out.F:(t+1)*out.F], m.fc.Apply(row))
		}
		return out
	default:
		panic(fmt.Sprintf("model: unknown stage %v", stage))
	}
}

// EmbedClasses implements [stream.Network].
func (m *Model) EmbedClasses(classes []int) []float64 { return m.embed.Lookup(classes) }

// InitialState implements [stream.Network].
func (m *Model) InitialState() *nn.LSTMState { return m.lstm.ZeroState() }

// RecurrentStep implements [stream.Network].
func (m *Model) RecurrentStep(input []float64, state *nn.LSTMState) []float64 {
	return m.post.Apply(m.lstm.Step(input, state))
}

// Transcribe runs the whole network over a batch of log-mel frames
// (frame-major, MelBins values per frame) the non-streaming way: the
// acoustic model once over the full sequence, then the decoder frame by
// frame feeding back its own arg-max classes without any bias. Time padding
// is zero, so the result has len(frames)/MelBins-6 rows.
func (m *Model) Transcribe(frames []float64) [][]int {
	n := len(frames) / MelBins
	if n < 1+3*(kernelTime-1) {
		return nil
	}
	mel := nn.FromFrames(slices.Clone(frames[:n*MelBins]), n, MelBins)
	feats := m.ApplyStage(stream.StageBack, m.ApplyStage(stream.StageMiddle, m.ApplyStage(stream.StageFront, mel)))

	state := m.InitialState()
	prev := make([]int, Pitches)
	out := make([][]int, feats.T)
	for t := range feats.T {
		input := append(slices.Clone(feats.Data[t*feats.F:(t+1)*feats.F]), m.EmbedClasses(prev)...)
		probs := nn.Softmax(m.RecurrentStep(input, state), Classes)
		prev = nn.Argmax(probs, Classes)
		out[t] = prev
	}
	return out
}
