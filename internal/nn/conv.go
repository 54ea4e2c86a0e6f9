package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Layer is one step of a feed-forward feature-map pipeline.
type Layer interface {
	Forward(x *Tensor) *Tensor
}

// Sequential applies its layers in order.
type Sequential []Layer

// Forward runs x through every layer.
func (s Sequential) Forward(x *Tensor) *Tensor {
	for _, l := range s {
		x = l.Forward(x)
	}
	return x
}

// Conv2d is a stride-1 2-D convolution over the (time, frequency) plane with
// zero padding PadT frames on both time edges and PadF bins on both frequency
// edges. Weight has shape [Out, In, KT, KF]; Bias has shape [Out].
type Conv2d struct {
	In, Out    int
	KT, KF     int
	PadT, PadF int
	Weight     *Param
	Bias       *Param
}

// NewConv2d returns a zero-initialised convolution.
func NewConv2d(in, out, kt, kf, padT, padF int) *Conv2d {
	return &Conv2d{
		In: in, Out: out, KT: kt, KF: kf, PadT: padT, PadF: padF,
		Weight: NewParam(out, in, kt, kf),
		Bias:   NewParam(out),
	}
}

// Init draws weights and biases from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func (l *Conv2d) Init(rng *rand.Rand) {
	b := fanInBound(l.In * l.KT * l.KF)
	l.Weight.Uniform(rng, b)
	l.Bias.Uniform(rng, b)
}

// OutSize returns the output time and frequency sizes for an input of t×f.
func (l *Conv2d) OutSize(t, f int) (int, int) {
	return t + 2*l.PadT - l.KT + 1, f + 2*l.PadF - l.KF + 1
}

// Forward lowers x to a column matrix (im2col) and multiplies it by the
// kernel matrix. It panics when the channel count does not match or the
// input is smaller than the kernel.
func (l *Conv2d) Forward(x *Tensor) *Tensor {
	if x.C != l.In {
		panic(fmt.Sprintf("nn: conv expects %d channels, got %v", l.In, x))
	}
	tOut, fOut := l.OutSize(x.T, x.F)
	if tOut <= 0 || fOut <= 0 {
		panic(fmt.Sprintf("nn: conv kernel %d×%d does not fit %v", l.KT, l.KF, x))
	}

	rows := l.In * l.KT * l.KF
	cols := tOut * fOut
	buf := make([]float64, rows*cols)
	for c := range l.In {
		for i := range l.KT {
			for j := range l.KF {
				r := (c*l.KT+i)*l.KF + j
				row := buf[r*cols : (r+1)*cols]
				for t := range tOut {
					st := t + i - l.PadT
					if st < 0 || st >= x.T {
						continue
					}
					base := (c*x.T + st) * x.F
					for f := range fOut {
						sf := f + j - l.PadF
						if sf < 0 || sf >= x.F {
							continue
						}
						row[t*fOut+f] = x.Data[base+sf]
					}
				}
			}
		}
	}

	kernel := mat.NewDense(l.Out, rows, l.Weight.Data)
	patches := mat.NewDense(rows, cols, buf)
	out := NewTensor(l.Out, tOut, fOut)
	prod := mat.NewDense(l.Out, cols, out.Data)
	prod.Mul(kernel, patches)
	for o := range l.Out {
		b := l.Bias.Data[o]
		seg := out.Data[o*cols : (o+1)*cols]
		for k := range seg {
			seg[k] += b
		}
	}
	return out
}
