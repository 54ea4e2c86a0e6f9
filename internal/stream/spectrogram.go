package stream

import (
	"fmt"

	"github.com/MeBadDev/online-amt/internal/dsp"
	"github.com/MeBadDev/online-amt/internal/nn"
)

// SpectrogramWindow caches the last MelFrames log-mel frames of the ring
// buffer. Frame t (oldest first) covers ring samples
// [t*Hop, t*Hop+FFTSize), so the newest frame always covers the last FFTSize
// samples.
type SpectrogramWindow struct {
	spec   *dsp.Spectrogram
	frames *nn.Tensor // C=1, T=MelFrames, F=NumMels
	next   *nn.Tensor // C=1, T=1 staging frame
}

// NewSpectrogramWindow returns a window of frames frames filled with the
// spectrogram of silence.
func NewSpectrogramWindow(spec *dsp.Spectrogram, frames int) *SpectrogramWindow {
	bins := spec.Config().NumMels
	w := &SpectrogramWindow{
		spec:   spec,
		frames: nn.NewTensor(1, frames, bins),
		next:   nn.NewTensor(1, 1, bins),
	}
	silence := make([]float64, spec.Config().FFTSize)
	for t := range frames {
		spec.Frame(w.frames.Data[t*bins:(t+1)*bins], silence)
	}
	return w
}

// Reset recomputes every frame from a full ring window. The window must
// yield exactly as many frames as the cache holds.
func (w *SpectrogramWindow) Reset(window []float64) error {
	all := w.spec.Frames(window)
	bins := w.frames.F
	if len(all) != w.frames.T*bins {
		return fmt.Errorf("stream: spectrogram reset: %d samples yield %d frames, want %d",
			len(window), len(all)/bins, w.frames.T)
	}
	copy(w.frames.Data, all)
	return nil
}

// Update shifts the window by one frame and computes the newest frame from
// the trailing FFTSize samples of tail.
func (w *SpectrogramWindow) Update(tail []float64) {
	w.spec.Frame(w.next.Data, tail)
	// Shapes are fixed at construction, ShiftAppend cannot fail.
	_ = w.frames.ShiftAppend(w.next)
}

// Frames returns the cached window as a C=1 tensor, oldest frame first. The
// tensor is owned by the window and must not be mutated.
func (w *SpectrogramWindow) Frames() *nn.Tensor { return w.frames }
