package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// WAVE format tags.
const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

// WAV is a decoded RIFF/WAVE file.
type WAV struct {
	SampleRate int
	Channels   int

	// Samples holds interleaved samples in [-1, 1].
	Samples []float32
}

// Mono returns the channel average of the file.
func (w *WAV) Mono() []float32 { return Downmix(w.Samples, w.Channels) }

// wavFormat holds the fields of the "fmt " sub-chunk the decoder needs.
type wavFormat struct {
	tag           int
	channels      int
	sampleRate    int
	bitsPerSample int
}

// DecodeWAV reads a RIFF/WAVE file holding 16-bit integer or 32-bit float
// PCM. Unknown sub-chunks are skipped.
func DecodeWAV(r io.Reader) (*WAV, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("audio: read wav: %w", err)
	}
	if len(data) < 12 {
		return nil, errors.New("audio: wav too short to be a valid RIFF file")
	}
	if string(data[0:4]) != "RIFF" {
		return nil, errors.New("audio: wav missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, errors.New("audio: wav missing WAVE identifier")
	}

	var (
		format   wavFormat
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := data[offset+8:]
		if chunkSize <= len(body) {
			body = body[:chunkSize]
		}

		switch chunkID {
		case "fmt ":
			if len(body) < 16 {
				return nil, errors.New("audio: wav fmt chunk too short")
			}
			format = wavFormat{
				tag:           int(binary.LittleEndian.Uint16(body[0:2])),
				channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				sampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				bitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			// WAVE_FORMAT_EXTENSIBLE carries the real tag in the first two
			// bytes of the sub-format GUID.
			if format.tag == wavFormatExtensible && len(body) >= 26 {
				format.tag = int(binary.LittleEndian.Uint16(body[24:26]))
			}
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, errors.New("audio: wav data chunk before fmt chunk")
			}
			return decodeWAVData(format, body)
		}

		// Chunks are word-aligned: pad by 1 if odd size.
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return nil, errors.New("audio: wav missing data chunk")
}

func decodeWAVData(f wavFormat, body []byte) (*WAV, error) {
	if f.channels <= 0 || f.sampleRate <= 0 {
		return nil, fmt.Errorf("audio: wav declares %d channels at %d Hz", f.channels, f.sampleRate)
	}
	frame := f.channels * f.bitsPerSample / 8
	if frame > 0 {
		body = body[:len(body)-len(body)%frame]
	}

	var (
		samples []float32
		err     error
	)
	switch {
	case f.tag == wavFormatPCM && f.bitsPerSample == 16:
		samples, err = PCM16ToFloat32(body)
	case f.tag == wavFormatFloat && f.bitsPerSample == 32:
		samples, err = Float32LEToFloat32(body)
	default:
		return nil, fmt.Errorf("audio: unsupported wav encoding (format %d, %d bits)", f.tag, f.bitsPerSample)
	}
	if err != nil {
		return nil, err
	}
	return &WAV{SampleRate: f.sampleRate, Channels: f.channels, Samples: samples}, nil
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()
	w, err := DecodeWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// EncodeWAV writes samples as a 16-bit PCM RIFF/WAVE file.
func EncodeWAV(samples []float32, sampleRate, channels int) []byte {
	pcm := Float32ToPCM16(samples)
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))

	byteRate := sampleRate * channels * 2
	blockAlign := channels * 2

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
