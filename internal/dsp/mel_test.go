package dsp

import (
	"math"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"hop larger than fft", func(c *Config) { c.HopSize = c.FFTSize + 1 }},
		{"no mels", func(c *Config) { c.NumMels = 0 }},
		{"high above nyquist", func(c *Config) { c.HighFreq = 9000 }},
		{"inverted range", func(c *Config) { c.LowFreq, c.HighFreq = 500, 400 }},
		{"zero floor", func(c *Config) { c.Floor = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFrameCount(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		n, want int
	}{
		{0, 0},
		{2047, 0},
		{2048, 1},
		{2559, 1},
		{2560, 2},
		{5120, 7},
	}
	for _, tc := range tests {
		if got := cfg.FrameCount(tc.n); got != tc.want {
			t.Errorf("FrameCount(%d) = %d, want %d", tc.n, got, tc.want)
		}
	}
}

func TestHannWindow(t *testing.T) {
	w := hannWindow(8)
	if w[0] != 0 {
		t.Errorf("w[0] = %f, want 0", w[0])
	}
	if math.Abs(w[4]-1) > 1e-12 {
		t.Errorf("w[4] = %f, want 1", w[4])
	}
	// Periodic window: w[i] == w[n-i].
	for i := 1; i < 4; i++ {
		if math.Abs(w[i]-w[8-i]) > 1e-12 {
			t.Errorf("w[%d] = %f, w[%d] = %f; want symmetric", i, w[i], 8-i, w[8-i])
		}
	}
}

func TestMelRoundTrip(t *testing.T) {
	for _, hz := range []float64{30, 440, 1000, 8000} {
		if got := melToHz(hzToMel(hz)); math.Abs(got-hz) > 1e-9 {
			t.Errorf("melToHz(hzToMel(%g)) = %g", hz, got)
		}
	}
}

func TestMelFilterBankShape(t *testing.T) {
	cfg := DefaultConfig()
	bank := melFilterBank(cfg)
	if len(bank) != cfg.NumMels {
		t.Fatalf("got %d filters, want %d", len(bank), cfg.NumMels)
	}
	half := cfg.FFTSize/2 + 1
	prevStart := -1
	for i, f := range bank {
		if f.start < prevStart {
			t.Errorf("filter %d starts at %d before previous start %d", i, f.start, prevStart)
		}
		prevStart = f.start
		if f.start+len(f.weights) > half {
			t.Errorf("filter %d exceeds spectrum: start %d + %d > %d", i, f.start, len(f.weights), half)
		}
		for _, w := range f.weights {
			if w < 0 || w > 1 {
				t.Errorf("filter %d has weight %f outside [0, 1]", i, w)
			}
		}
	}
}

func TestFrameSilenceHitsFloor(t *testing.T) {
	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst := make([]float64, 229)
	s.Frame(dst, make([]float64, 2048))
	want := math.Log(1e-5)
	for i, v := range dst {
		if v != want {
			t.Fatalf("bin %d = %f, want %f", i, v, want)
		}
	}
}

func TestFrameSinePeaksNearItsFrequency(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	const freq = 440.0
	samples := make([]float64, cfg.FFTSize)
	for i := range samples {
		samples[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(cfg.SampleRate))
	}
	dst := make([]float64, cfg.NumMels)
	s.Frame(dst, samples)

	best := 0
	for i, v := range dst {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("bin %d is not finite: %f", i, v)
		}
		if v > dst[best] {
			best = i
		}
	}
	f := s.filters[best]
	lo := float64(f.start) * float64(cfg.SampleRate) / float64(cfg.FFTSize)
	hi := float64(f.start+len(f.weights)) * float64(cfg.SampleRate) / float64(cfg.FFTSize)
	if freq < lo-20 || freq > hi+20 {
		t.Errorf("loudest bin %d covers [%.0f, %.0f] Hz, want it to contain %.0f Hz", best, lo, hi, freq)
	}
}

func TestFramesMatchesFrame(t *testing.T) {
	cfg := DefaultConfig()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	samples := make([]float64, 5120)
	for i := range samples {
		samples[i] = 0.3*math.Sin(2*math.Pi*261.6*float64(i)/16000) + 0.1*math.Sin(float64(i)*0.37)
	}
	all := s.Frames(samples)
	if len(all) != 7*cfg.NumMels {
		t.Fatalf("Frames returned %d values, want %d", len(all), 7*cfg.NumMels)
	}

	// The last frame is the one computed from the trailing FFTSize samples.
	last := make([]float64, cfg.NumMels)
	s.Frame(last, samples)
	for m := range cfg.NumMels {
		if got := all[6*cfg.NumMels+m]; got != last[m] {
			t.Fatalf("bin %d: Frames = %f, Frame = %f", m, got, last[m])
		}
	}
}

func TestFramesTooShort(t *testing.T) {
	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Frames(make([]float64, 100)); got != nil {
		t.Errorf("Frames(short) = %d values, want nil", len(got))
	}
}
