// Package dsp computes log-mel spectrogram frames from mono PCM audio.
//
// The front end matches the one the transcription network was trained with:
//
//	SampleRate: 16000
//	FFTSize:    2048 (periodic Hann window of the same length)
//	HopSize:     512
//	NumMels:     229
//	LowFreq:      30
//	HighFreq:   8000
//	Floor:      1e-5
//
// Frames are computed without centre padding: frame t covers samples
// [t*HopSize, t*HopSize+FFTSize). The magnitude (not power) spectrum is
// projected onto a triangular HTK mel filter bank, clamped to Floor and
// log-compressed.
package dsp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Config controls spectrogram extraction.
type Config struct {
	SampleRate int     // audio sample rate in Hz
	FFTSize    int     // FFT and window length in samples
	HopSize    int     // samples between successive frames
	NumMels    int     // number of mel bins
	LowFreq    float64 // lowest filter-bank frequency in Hz
	HighFreq   float64 // highest filter-bank frequency in Hz
	Floor      float64 // minimum mel energy before the logarithm
}

// DefaultConfig returns the front-end parameters of the transcription network.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		FFTSize:    2048,
		HopSize:    512,
		NumMels:    229,
		LowFreq:    30,
		HighFreq:   8000,
		Floor:      1e-5,
	}
}

// Validate reports whether c describes a computable front end.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("dsp: sample rate %d must be positive", c.SampleRate))
	}
	if c.FFTSize <= 0 {
		errs = append(errs, fmt.Errorf("dsp: fft size %d must be positive", c.FFTSize))
	}
	if c.HopSize <= 0 || c.HopSize > c.FFTSize {
		errs = append(errs, fmt.Errorf("dsp: hop size %d must be in (0, %d]", c.HopSize, c.FFTSize))
	}
	if c.NumMels <= 0 {
		errs = append(errs, fmt.Errorf("dsp: mel bins %d must be positive", c.NumMels))
	}
	if c.LowFreq < 0 || c.HighFreq <= c.LowFreq || c.HighFreq > float64(c.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("dsp: mel range [%g, %g] Hz is invalid for %d Hz audio", c.LowFreq, c.HighFreq, c.SampleRate))
	}
	if c.Floor <= 0 {
		errs = append(errs, errors.New("dsp: floor must be positive"))
	}
	return errors.Join(errs...)
}

// FrameCount returns how many complete frames fit into n samples.
func (c Config) FrameCount(n int) int {
	if n < c.FFTSize {
		return 0
	}
	return (n-c.FFTSize)/c.HopSize + 1
}

// filter is one triangular mel filter restricted to its non-zero support.
type filter struct {
	start   int
	weights []float64
}

// Spectrogram computes log-mel frames. The window and filter bank are
// precomputed once; the FFT work buffers make a Spectrogram unsafe for
// concurrent use, so each streaming session owns its own.
type Spectrogram struct {
	cfg     Config
	window  []float64
	filters []filter
	fft     *fourier.FFT

	frame  []float64
	coeffs []complex128
	mag    []float64
}

// New creates a Spectrogram for cfg.
func New(cfg Config) (*Spectrogram, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Spectrogram{
		cfg:     cfg,
		window:  hannWindow(cfg.FFTSize),
		filters: melFilterBank(cfg),
		fft:     fourier.NewFFT(cfg.FFTSize),
		frame:   make([]float64, cfg.FFTSize),
		coeffs:  make([]complex128, cfg.FFTSize/2+1),
		mag:     make([]float64, cfg.FFTSize/2+1),
	}, nil
}

// Config returns the configuration the Spectrogram was built with.
func (s *Spectrogram) Config() Config { return s.cfg }

// Frame computes one log-mel frame from the last FFTSize samples of samples
// and writes it into dst, which must hold NumMels values. It panics if
// samples is shorter than FFTSize.
func (s *Spectrogram) Frame(dst, samples []float64) {
	n := s.cfg.FFTSize
	if len(samples) < n {
		panic(fmt.Sprintf("dsp: frame needs %d samples, got %d", n, len(samples)))
	}
	if len(dst) != s.cfg.NumMels {
		panic(fmt.Sprintf("dsp: frame destination holds %d bins, want %d", len(dst), s.cfg.NumMels))
	}
	src := samples[len(samples)-n:]
	for i, v := range src {
		s.frame[i] = v * s.window[i]
	}
	s.fft.Coefficients(s.coeffs, s.frame)
	for k, c := range s.coeffs {
		s.mag[k] = math.Hypot(real(c), imag(c))
	}
	for m, f := range s.filters {
		var sum float64
		for j, w := range f.weights {
			sum += w * s.mag[f.start+j]
		}
		dst[m] = math.Log(math.Max(sum, s.cfg.Floor))
	}
}

// Frames computes every complete frame in samples and returns them flattened
// frame-major: value (t, m) is at index t*NumMels+m. It returns nil when
// samples holds less than one frame.
func (s *Spectrogram) Frames(samples []float64) []float64 {
	count := s.cfg.FrameCount(len(samples))
	if count == 0 {
		return nil
	}
	m := s.cfg.NumMels
	out := make([]float64, count*m)
	for t := range count {
		start := t * s.cfg.HopSize
		s.Frame(out[t*m:(t+1)*m], samples[start:start+s.cfg.FFTSize])
	}
	return out
}

// hannWindow returns a periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterBank builds NumMels triangular filters over FFTSize/2+1 bins.
// Filter edges are placed at floor((FFTSize+1)*f/SampleRate).
func melFilterBank(cfg Config) []filter {
	lo, hi := hzToMel(cfg.LowFreq), hzToMel(cfg.HighFreq)
	bins := make([]int, cfg.NumMels+2)
	for i := range bins {
		mel := lo + (hi-lo)*float64(i)/float64(cfg.NumMels+1)
		bins[i] = int(math.Floor(float64(cfg.FFTSize+1) * melToHz(mel) / float64(cfg.SampleRate)))
	}

	half := cfg.FFTSize/2 + 1
	filters := make([]filter, cfg.NumMels)
	for m := 1; m <= cfg.NumMels; m++ {
		left, center, right := bins[m-1], bins[m], bins[m+1]
		right = min(right, half)
		if right <= left {
			filters[m-1] = filter{start: left}
			continue
		}
		weights := make([]float64, right-left)
		for k := left; k < center; k++ {
			weights[k-left] = float64(k-left) / float64(center-left)
		}
		for k := center; k < right; k++ {
			weights[k-left] = float64(right-k) / float64(right-center)
		}
		filters[m-1] = filter{start: left, weights: weights}
	}
	return filters
}
