package nn

import (
	"fmt"
	"math"
)

// BatchNorm2d applies inference-mode batch normalisation per channel using
// the stored running statistics.
type BatchNorm2d struct {
	C           int
	Eps         float64
	Weight      *Param // gamma
	Bias        *Param // beta
	RunningMean *Param
	RunningVar  *Param
}

// NewBatchNorm2d returns an identity batch normalisation over c channels.
func NewBatchNorm2d(c int) *BatchNorm2d {
	bn := &BatchNorm2d{
		C:           c,
		Eps:         1e-5,
		Weight:      NewParam(c),
		Bias:        NewParam(c),
		RunningMean: NewParam(c),
		RunningVar:  NewParam(c),
	}
	bn.Weight.Fill(1)
	bn.RunningVar.Fill(1)
	return bn
}

// Forward normalises every channel of x.
func (l *BatchNorm2d) Forward(x *Tensor) *Tensor {
	if x.C != l.C {
		panic(fmt.Sprintf("nn: batch norm expects %d channels, got %v", l.C, x))
	}
	out := NewTensor(x.C, x.T, x.F)
	block := x.T * x.F
	for c := range x.C {
		scale := l.Weight.Data[c] / math.Sqrt(l.RunningVar.Data[c]+l.Eps)
		shift := l.Bias.Data[c] - l.RunningMean.Data[c]*scale
		src := x.Data[c*block : (c+1)*block]
		dst := out.Data[c*block : (c+1)*block]
		for i, v := range src {
			dst[i] = v*scale + shift
		}
	}
	return out
}

// ReLU clamps negative values to zero.
type ReLU struct{}

// Forward applies max(0, x) element-wise.
func (ReLU) Forward(x *Tensor) *Tensor {
	out := NewTensor(x.C, x.T, x.F)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

// MaxPool2d takes the maximum over non-overlapping KT×KF windows. Trailing
// frames or bins that do not fill a window are dropped.
type MaxPool2d struct {
	KT, KF int
}

// Forward pools x.
func (l MaxPool2d) Forward(x *Tensor) *Tensor {
	tOut, fOut := x.T/l.KT, x.F/l.KF
	out := NewTensor(x.C, tOut, fOut)
	for c := range x.C {
		for t := range tOut {
			for f := range fOut {
				best := math.Inf(-1)
				for i := range l.KT {
					for j := range l.KF {
						best = math.Max(best, x.At(c, t*l.KT+i, f*l.KF+j))
					}
				}
				out.Set(c, t, f, best)
			}
		}
	}
	return out
}

// Dropout is the identity at inference time. P is kept for documentation
// of the trained network.
type Dropout struct {
	P float64
}

// Forward returns x unchanged.
func (Dropout) Forward(x *Tensor) *Tensor { return x }
