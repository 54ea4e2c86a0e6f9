package stream

import "errors"

// ErrInvalidChunkLength is returned when an audio chunk is empty or longer
// than the ring buffer. The session is left unmodified.
var ErrInvalidChunkLength = errors.New("stream: invalid chunk length")
