// Package nn is the small numeric library the streaming transcriber runs on:
// a dense feature-map tensor and the inference-only layers the network is
// built from (2-D convolution, batch normalisation, ReLU, max pooling,
// dropout, linear projection, LSTM, embedding, softmax).
//
// Layers never mutate their input; every Forward allocates its output. Matrix
// products go through gonum.
package nn

import "fmt"

// Tensor is a dense row-major feature map of shape [1 × C × T × F]: the batch
// dimension is fixed at one, C is channels, T is time frames and F is
// frequency bins. Value (c, t, f) lives at Data[(c*T+t)*F+f].
type Tensor struct {
	C, T, F int
	Data    []float64
}

// NewTensor returns a zeroed tensor of the given shape.
func NewTensor(c, t, f int) *Tensor {
	return &Tensor{C: c, T: t, F: f, Data: make([]float64, c*t*f)}
}

// FromFrames wraps frame-major data ([T][F] flattened) as a single-channel
// tensor without copying.
func FromFrames(data []float64, frames, bins int) *Tensor {
	if len(data) != frames*bins {
		panic(fmt.Sprintf("nn: %d values cannot form %d×%d frames", len(data), frames, bins))
	}
	return &Tensor{C: 1, T: frames, F: bins, Data: data}
}

// At returns the value at (c, t, f).
func (x *Tensor) At(c, t, f int) float64 { return x.Data[(c*x.T+t)*x.F+f] }

// Set stores v at (c, t, f).
func (x *Tensor) Set(c, t, f int, v float64) { x.Data[(c*x.T+t)*x.F+f] = v }

// Shape returns the shape as [batch, C, T, F].
func (x *Tensor) Shape() [4]int { return [4]int{1, x.C, x.T, x.F} }

// String implements fmt.Stringer with the tensor shape.
func (x *Tensor) String() string {
	return fmt.Sprintf("Tensor[1×%d×%d×%d]", x.C, x.T, x.F)
}

// Clone returns a deep copy of x.
func (x *Tensor) Clone() *Tensor {
	out := &Tensor{C: x.C, T: x.T, F: x.F, Data: make([]float64, len(x.Data))}
	copy(out.Data, x.Data)
	return out
}

// Frames returns a copy of time frames [t0, t1) of every channel.
func (x *Tensor) Frames(t0, t1 int) *Tensor {
	if t0 < 0 || t1 > x.T || t0 >= t1 {
		panic(fmt.Sprintf("nn: frame range [%d, %d) out of bounds for T=%d", t0, t1, x.T))
	}
	n := t1 - t0
	out := NewTensor(x.C, n, x.F)
	for c := range x.C {
		src := x.Data[(c*x.T+t0)*x.F : (c*x.T+t1)*x.F]
		copy(out.Data[c*n*x.F:(c+1)*n*x.F], src)
	}
	return out
}

// Tail returns a copy of the last n time frames.
func (x *Tensor) Tail(n int) *Tensor { return x.Frames(x.T-n, x.T) }

// ShiftAppend drops the oldest src.T frames of every channel, moves the
// remaining frames towards the start and copies src into the freed tail.
// Channel and frequency sizes must match and src.T must not exceed x.T.
func (x *Tensor) ShiftAppend(src *Tensor) error {
	if src.C != x.C || src.F != x.F || src.T > x.T {
		return fmt.Errorf("nn: cannot append %v to %v", src, x)
	}
	n := src.T
	block := x.T * x.F
	for c := range x.C {
		ch := x.Data[c*block : (c+1)*block]
		copy(ch, ch[n*x.F:])
		copy(ch[(x.T-n)*x.F:], src.Data[c*n*x.F:(c+1)*n*x.F])
	}
	return nil
}

// Flatten returns the frames of x as rows of C*F values, channel-major
// within a row: row t holds x(0,t,·), x(1,t,·), … This matches moving the
// time axis ahead of channels and flattening the last two axes.
func (x *Tensor) Flatten() [][]float64 {
	rows := make([][]float64, x.T)
	for t := range x.T {
		row := make([]float64, x.C*x.F)
		for c := range x.C {
			copy(row[c*x.F:(c+1)*x.F], x.Data[(c*x.T+t)*x.F:(c*x.T+t+1)*x.F])
		}
		rows[t] = row
	}
	return rows
}
