package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusMaxFrameMs is the longest frame duration an Opus packet can carry.
const opusMaxFrameMs = 120

// opusRate reports whether rate is one of the Opus decoder output rates.
func opusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// OpusDecoder wraps a gopus decoder for a single client stream. Each stream
// gets its own decoder to maintain decoder state across consecutive packets.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
	maxFrame int
}

// NewOpusDecoder creates a decoder producing interleaved samples at rate with
// the given channel count.
func NewOpusDecoder(rate, channels int) (*OpusDecoder, error) {
	if !opusRate(rate) {
		return nil, fmt.Errorf("audio: opus does not support %d Hz", rate)
	}
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		maxFrame: rate * opusMaxFrameMs / 1000,
	}, nil
}

// Decode decodes one Opus packet into interleaved samples in [-1, 1).
func (d *OpusDecoder) Decode(packet []byte) ([]float32, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("audio: opus decode: empty packet")
	}
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Int16ToFloat32(pcm), nil
}
