package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Linear is an affine projection y = Wx + b. Weight has shape [Out, In].
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param
}

// NewLinear returns a zero-initialised projection.
func NewLinear(in, out int) *Linear {
	return &Linear{In: in, Out: out, Weight: NewParam(out, in), Bias: NewParam(out)}
}

// Init draws weights and biases from U(-1/sqrt(In), 1/sqrt(In)).
func (l *Linear) Init(rng *rand.Rand) {
	b := fanInBound(l.In)
	l.Weight.Uniform(rng, b)
	l.Bias.Uniform(rng, b)
}

// Apply projects x, which must hold In values.
func (l *Linear) Apply(x []float64) []float64 {
	if len(x) != l.In {
		panic(fmt.Sprintf("nn: linear expects %d inputs, got %d", l.In, len(x)))
	}
	out := make([]float64, l.Out)
	y := mat.NewVecDense(l.Out, out)
	y.MulVec(mat.NewDense(l.Out, l.In, l.Weight.Data), mat.NewVecDense(l.In, x))
	for i := range out {
		out[i] += l.Bias.Data[i]
	}
	return out
}

// LSTMState is the recurrent state of a stacked LSTM: one hidden and one
// cell vector per layer.
type LSTMState struct {
	H [][]float64
	C [][]float64
}

// Clone returns a deep copy of s.
func (s *LSTMState) Clone() *LSTMState {
	out := &LSTMState{H: make([][]float64, len(s.H)), C: make([][]float64, len(s.C))}
	for i := range s.H {
		out.H[i] = append([]float64(nil), s.H[i]...)
		out.C[i] = append([]float64(nil), s.C[i]...)
	}
	return out
}

// lstmLayer holds the weights of one stacked layer. Gate rows are ordered
// input, forget, cell, output.
type lstmLayer struct {
	WeightIH *Param // [4H, in]
	WeightHH *Param // [4H, H]
	BiasIH   *Param // [4H]
	BiasHH   *Param // [4H]
}

// LSTM is a stacked unidirectional LSTM evaluated one time step at a time.
type LSTM struct {
	Input, Hidden int
	Layers        []lstmLayer
}

// NewLSTM returns a zero-initialised LSTM with the given number of layers.
func NewLSTM(input, hidden, layers int) *LSTM {
	l := &LSTM{Input: input, Hidden: hidden, Layers: make([]lstmLayer, layers)}
	for i := range l.Layers {
		in := input
		if i > 0 {
			in = hidden
		}
		l.Layers[i] = lstmLayer{
			WeightIH: NewParam(4*hidden, in),
			WeightHH: NewParam(4*hidden, hidden),
			BiasIH:   NewParam(4 * hidden),
			BiasHH:   NewParam(4 * hidden),
		}
	}
	return l
}

// Init draws every parameter from U(-1/sqrt(Hidden), 1/sqrt(Hidden)).
func (l *LSTM) Init(rng *rand.Rand) {
	b := fanInBound(l.Hidden)
	for _, layer := range l.Layers {
		layer.WeightIH.Uniform(rng, b)
		layer.WeightHH.Uniform(rng, b)
		layer.BiasIH.Uniform(rng, b)
		layer.BiasHH.Uniform(rng, b)
	}
}

// ZeroState returns an all-zero recurrent state.
func (l *LSTM) ZeroState() *LSTMState {
	s := &LSTMState{H: make([][]float64, len(l.Layers)), C: make([][]float64, len(l.Layers))}
	for i := range l.Layers {
		s.H[i] = make([]float64, l.Hidden)
		s.C[i] = make([]float64, l.Hidden)
	}
	return s
}

// Step advances the state by one time step with input x and returns the
// top layer's new hidden vector. state is updated in place.
func (l *LSTM) Step(x []float64, state *LSTMState) []float64 {
	if len(x) != l.Input {
		panic(fmt.Sprintf("nn: lstm expects %d inputs, got %d", l.Input, len(x)))
	}
	h := l.Hidden
	in := x
	for i, layer := range l.Layers {
		gates := make([]float64, 4*h)
		for k := range gates {
			gates[k] = layer.BiasIH.Data[k] + layer.BiasHH.Data[k]
		}
		g := mat.NewVecDense(4*h, gates)
		g.AddVec(g, mulVec(layer.WeightIH, in))
		g.AddVec(g, mulVec(layer.WeightHH, state.H[i]))

		hNext := make([]float64, h)
		cNext := make([]float64, h)
		for k := range h {
			ig := sigmoid(gates[k])
			fg := sigmoid(gates[h+k])
			gg := math.Tanh(gates[2*h+k])
			og := sigmoid(gates[3*h+k])
			cNext[k] = fg*state.C[i][k] + ig*gg
			hNext[k] = og * math.Tanh(cNext[k])
		}
		state.H[i], state.C[i] = hNext, cNext
		in = hNext
	}
	return append([]float64(nil), in...)
}

func mulVec(w *Param, x []float64) *mat.VecDense {
	rows, cols := w.Shape[0], w.Shape[1]
	out := mat.NewVecDense(rows, nil)
	out.MulVec(mat.NewDense(rows, cols, w.Data), mat.NewVecDense(cols, x))
	return out
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// Embedding maps class indices to learned vectors. Weight has shape
// [Num, Dim].
type Embedding struct {
	Num, Dim int
	Weight   *Param
}

// NewEmbedding returns a zero-initialised embedding table.
func NewEmbedding(num, dim int) *Embedding {
	return &Embedding{Num: num, Dim: dim, Weight: NewParam(num, dim)}
}

// Init draws the table from a standard normal distribution.
func (e *Embedding) Init(rng *rand.Rand) {
	for i := range e.Weight.Data {
		e.Weight.Data[i] = rng.NormFloat64()
	}
}

// Lookup concatenates the vectors of indices: the vector of indices[p]
// occupies [p*Dim, (p+1)*Dim).
func (e *Embedding) Lookup(indices []int) []float64 {
	out := make([]float64, len(indices)*e.Dim)
	for p, idx := range indices {
		if idx < 0 || idx >= e.Num {
			panic(fmt.Sprintf("nn: embedding index %d out of range [0, %d)", idx, e.Num))
		}
		copy(out[p*e.Dim:(p+1)*e.Dim], e.Weight.Data[idx*e.Dim:(idx+1)*e.Dim])
	}
	return out
}
