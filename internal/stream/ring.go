package stream

import (
	"fmt"
	"math"
)

// RingBuffer holds the most recent samples of an audio stream in a fixed
// circular array. It starts zero-filled, so it always holds exactly Len
// samples with the newest at the tail.
type RingBuffer struct {
	buf  []float64
	head int // index of the oldest sample
}

// NewRingBuffer returns a zero-filled buffer of size samples.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		panic(fmt.Sprintf("stream: ring buffer size %d must be positive", size))
	}
	return &RingBuffer{buf: make([]float64, size)}
}

// Len returns the buffer capacity W.
func (r *RingBuffer) Len() int { return len(r.buf) }

// Push drops the oldest len(chunk) samples and appends chunk at the tail.
// An empty chunk or one longer than Len is rejected with
// [ErrInvalidChunkLength] and the buffer is unchanged.
func (r *RingBuffer) Push(chunk []float32) error {
	if len(chunk) == 0 || len(chunk) > len(r.buf) {
		return fmt.Errorf("stream: push %d samples into %d-sample ring: %w", len(chunk), len(r.buf), ErrInvalidChunkLength)
	}
	for _, v := range chunk {
		r.buf[r.head] = float64(v)
		r.head++
		if r.head == len(r.buf) {
			r.head = 0
		}
	}
	return nil
}

// Window returns a copy of the whole buffer, oldest sample first.
func (r *RingBuffer) Window() []float64 { return r.Tail(len(r.buf)) }

// Tail returns a copy of the newest n samples, oldest first. It panics if n
// is negative or exceeds Len.
func (r *RingBuffer) Tail(n int) []float64 {
	size := len(r.buf)
	if n < 0 || n > size {
		panic(fmt.Sprintf("stream: tail of %d samples from %d-sample ring", n, size))
	}
	out := make([]float64, n)
	start := (r.head + size - n) % size
	k := copy(out, r.buf[start:min(start+n, size)])
	copy(out[k:], r.buf[:n-k])
	return out
}

// Span returns the peak-to-trough amplitude over the whole buffer.
func (r *RingBuffer) Span() float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range r.buf {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return hi - lo
}

// Reset zero-fills the buffer.
func (r *RingBuffer) Reset() {
	clear(r.buf)
	r.head = 0
}
