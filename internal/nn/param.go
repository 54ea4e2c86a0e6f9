package nn

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Param is a named-shape parameter buffer. Layers keep their weights in
// Params so that checkpoints can address them by name and shape.
type Param struct {
	Shape []int
	Data  []float64
}

// NewParam returns a zeroed parameter of the given shape.
func NewParam(shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Shape: slices.Clone(shape), Data: make([]float64, n)}
}

// Len returns the number of elements.
func (p *Param) Len() int { return len(p.Data) }

// SameShape reports whether p and shape describe the same dimensions.
func (p *Param) SameShape(shape []int) bool { return slices.Equal(p.Shape, shape) }

// Load copies data into p after checking the shape.
func (p *Param) Load(shape []int, data []float64) error {
	if !p.SameShape(shape) {
		return fmt.Errorf("nn: shape %v does not match %v", shape, p.Shape)
	}
	if len(data) != len(p.Data) {
		return fmt.Errorf("nn: %d values for shape %v", len(data), p.Shape)
	}
	copy(p.Data, data)
	return nil
}

// Fill sets every element to v.
func (p *Param) Fill(v float64) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// Uniform fills p with values drawn uniformly from [-bound, bound).
func (p *Param) Uniform(rng *rand.Rand, bound float64) {
	for i := range p.Data {
		p.Data[i] = (2*rng.Float64() - 1) * bound
	}
}

// fanInBound is the default initialisation bound 1/sqrt(fanIn).
func fanInBound(fanIn int) float64 {
	if fanIn <= 0 {
		return 0
	}
	return 1 / math.Sqrt(float64(fanIn))
}
