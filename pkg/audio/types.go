// Package audio decodes client audio into the mono float32 stream consumed by
// the transcriber.
//
// Input arrives as interleaved little-endian int16 PCM, interleaved
// little-endian float32 PCM, Opus packets, or a RIFF/WAVE file. A [Converter]
// decodes one encoding, averages the channels to mono and resamples to the
// target rate, carrying interpolation state across chunks so that splitting a
// stream differently never changes the samples it produces.
package audio

import (
	"fmt"
	"time"
)

// Encoding names the wire representation of client audio.
type Encoding string

const (
	// EncodingPCM16 is interleaved signed 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm_s16le"

	// EncodingFloat32 is interleaved IEEE-754 32-bit little-endian PCM.
	EncodingFloat32 Encoding = "f32le"

	// EncodingOpus is a sequence of raw Opus packets, one per message.
	EncodingOpus Encoding = "opus"
)

// ParseEncoding resolves an encoding name. The empty string selects
// [EncodingPCM16].
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingPCM16:
		return EncodingPCM16, nil
	case EncodingFloat32, EncodingOpus:
		return Encoding(s), nil
	default:
		return "", fmt.Errorf("audio: unknown encoding %q", s)
	}
}

// Format describes the sample rate, channel count and encoding of an audio
// stream.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Validate reports whether f describes a stream a [Converter] can decode.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count must be positive, got %d", f.Channels)
	}
	if _, err := ParseEncoding(string(f.Encoding)); err != nil {
		return err
	}
	if f.Encoding == EncodingOpus {
		if !opusRate(f.SampleRate) {
			return fmt.Errorf("audio: opus does not support %d Hz", f.SampleRate)
		}
		if f.Channels > 2 {
			return fmt.Errorf("audio: opus supports at most 2 channels, got %d", f.Channels)
		}
	}
	return nil
}

// String returns a human-readable form such as "48000Hz stereo pcm_s16le".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	enc := f.Encoding
	if enc == "" {
		enc = EncodingPCM16
	}
	return fmt.Sprintf("%dHz %s %s", f.SampleRate, ch, enc)
}

// Frame is a block of decoded mono audio.
type Frame struct {
	// Samples holds mono samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks the position of the first sample relative to stream
	// start.
	Timestamp time.Duration
}

// Duration returns the length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
