package stream

// ActivityGate suppresses inference once the ring buffer has stayed quiet
// for more than Patience consecutive steps. A step is quiet when the
// peak-to-trough amplitude of the whole buffer is below Threshold; any loud
// step resets the count.
type ActivityGate struct {
	Threshold float64
	Patience  int

	quiet int
}

// ShouldSuppress observes the buffer for one step and reports whether
// inference must be skipped.
func (g *ActivityGate) ShouldSuppress(r *RingBuffer) bool {
	return g.Observe(r.Span())
}

// Observe records one step with the given peak-to-trough amplitude.
func (g *ActivityGate) Observe(span float64) bool {
	if span < g.Threshold {
		g.quiet++
	} else {
		g.quiet = 0
	}
	return g.Suppressing()
}

// Suppressing reports whether the last observed step was suppressed.
func (g *ActivityGate) Suppressing() bool { return g.quiet > g.Patience }

// Quiet returns the number of consecutive quiet steps.
func (g *ActivityGate) Quiet() int { return g.quiet }

// Reset clears the quiet counter.
func (g *ActivityGate) Reset() { g.quiet = 0 }
