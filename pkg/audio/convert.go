package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// ErrMisaligned is returned when a PCM payload is not a whole number of
// samples of its encoding.
var ErrMisaligned = errors.New("audio: payload not aligned to sample size")

// PCM16ToFloat32 decodes interleaved little-endian int16 PCM into samples
// scaled to [-1, 1).
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: decode pcm_s16le (%d bytes): %w", len(pcm), ErrMisaligned)
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}

// Int16ToFloat32 scales int16 samples to [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32LEToFloat32 decodes interleaved little-endian IEEE-754 float32 PCM.
func Float32LEToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%4 != 0 {
		return nil, fmt.Errorf("audio: decode f32le (%d bytes): %w", len(pcm), ErrMisaligned)
	}
	out := make([]float32, len(pcm)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
	}
	return out, nil
}

// Float32ToPCM16 encodes samples as little-endian int16 PCM, clamping to the
// int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(float64(s) * 32768)
		v = max(-32768, min(32767, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Downmix averages interleaved multi-channel samples to mono. A trailing
// partial frame is dropped. Mono input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += s
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a mono stream between sample rates by linear
// interpolation. It keeps the last input sample and the fractional read
// position between calls, so a stream fed in any chunking yields the same
// output as the whole stream fed at once.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int

	// pos is the read position in units of 1/dst input samples, relative to
	// the first sample of the current buffer (the carried sample when primed).
	pos    int64
	last   float32
	primed bool
}

// NewResampler returns a resampler from srcRate to dstRate. Non-positive
// rates yield a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: srcRate, dst: dstRate}
}

// Process resamples the next chunk of the stream.
func (r *Resampler) Process(in []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return in
	}
	if len(in) == 0 {
		return nil
	}
	buf := in
	if r.primed {
		buf = make([]float32, 0, len(in)+1)
		buf = append(buf, r.last)
		buf = append(buf, in...)
	}

	dst := int64(r.dst)
	n := int64(len(buf))
	out := make([]float32, 0, int(n*dst/int64(r.src))+1)
	for {
		i0 := r.pos / dst
		if i0+1 >= n {
			break
		}
		frac := float32(r.pos%dst) / float32(dst)
		out = append(out, buf[i0]*(1-frac)+buf[i0+1]*frac)
		r.pos += int64(r.src)
	}

	r.last = buf[n-1]
	r.pos -= (n - 1) * dst
	r.primed = true
	return out
}

// Reset forgets the carried sample and read position.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}

// Resample converts a complete mono signal from srcRate to dstRate.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	return NewResampler(srcRate, dstRate).Process(samples)
}

// Converter turns client payloads of one [Format] into mono frames at a
// target sample rate. Create one per stream; it is not designed for shared
// use across goroutines.
type Converter struct {
	source     Format
	targetRate int
	opus       *OpusDecoder
	resampler  *Resampler
	produced   int64
	log        *slog.Logger

	warnedMismatch sync.Once
}

// NewConverter validates source and prepares a converter to targetRate.
func NewConverter(source Format, targetRate int, log *slog.Logger) (*Converter, error) {
	if source.Encoding == "" {
		source.Encoding = EncodingPCM16
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}
	if targetRate <= 0 {
		return nil, fmt.Errorf("audio: target rate must be positive, got %d", targetRate)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Converter{
		source:     source,
		targetRate: targetRate,
		resampler:  NewResampler(source.SampleRate, targetRate),
		log:        log,
	}
	if source.Encoding == EncodingOpus {
		dec, err := NewOpusDecoder(source.SampleRate, source.Channels)
		if err != nil {
			return nil, err
		}
		c.opus = dec
	}
	return c, nil
}

// Source returns the format the converter decodes.
func (c *Converter) Source() Format { return c.source }

// Convert decodes one payload. A misaligned PCM payload or a corrupt Opus
// packet returns an error and leaves the converter state unchanged.
func (c *Converter) Convert(payload []byte) (Frame, error) {
	var (
		samples []float32
		err     error
	)
	switch c.source.Encoding {
	case EncodingPCM16:
		samples, err = PCM16ToFloat32(payload)
	case EncodingFloat32:
		samples, err = Float32LEToFloat32(payload)
	case EncodingOpus:
		samples, err = c.opus.Decode(payload)
	}
	if err != nil {
		return Frame{}, err
	}
	if c.source.Channels > 1 && len(samples)%c.source.Channels != 0 {
		return Frame{}, fmt.Errorf("audio: %d samples do not divide into %d channels: %w",
			len(samples), c.source.Channels, ErrMisaligned)
	}

	if c.source.SampleRate != c.targetRate || c.source.Channels != 1 {
		c.warnedMismatch.Do(func() {
			c.log.Debug("audio format mismatch: converting",
				"from", c.source.String(),
				"to_rate", c.targetRate,
			)
		})
	}

	mono := c.resampler.Process(Downmix(samples, c.source.Channels))
	frame := Frame{
		Samples:    mono,
		SampleRate: c.targetRate,
		Timestamp:  time.Duration(c.produced) * time.Second / time.Duration(c.targetRate),
	}
	c.produced += int64(len(mono))
	return frame, nil
}

// Reset clears resampler and decoder state.
func (c *Converter) Reset() error {
	c.resampler.Reset()
	c.produced = 0
	if c.opus != nil {
		dec, err := NewOpusDecoder(c.source.SampleRate, c.source.Channels)
		if err != nil {
			return err
		}
		c.opus = dec
	}
	return nil
}
