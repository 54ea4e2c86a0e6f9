package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Softmax normalises consecutive groups of width values of x into
// probability distributions and returns them in a new slice.
func Softmax(x []float64, width int) []float64 {
	if width <= 0 || len(x)%width != 0 {
		panic(fmt.Sprintf("nn: cannot split %d values into groups of %d", len(x), width))
	}
	out := make([]float64, len(x))
	for g := 0; g < len(x); g += width {
		src, dst := x[g:g+width], out[g:g+width]
		peak := floats.Max(src)
		for i, v := range src {
			dst[i] = math.Exp(v - peak)
		}
		floats.Scale(1/floats.Sum(dst), dst)
	}
	return out
}

// Argmax returns the index of the largest value in each group of width
// values. Ties resolve to the lowest index.
func Argmax(x []float64, width int) []int {
	if width <= 0 || len(x)%width != 0 {
		panic(fmt.Sprintf("nn: cannot split %d values into groups of %d", len(x), width))
	}
	out := make([]int, len(x)/width)
	for g := range out {
		out[g] = floats.MaxIdx(x[g*width : (g+1)*width])
	}
	return out
}
