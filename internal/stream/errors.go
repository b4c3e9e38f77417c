package stream

import "errors"

var (
	// ErrCapacityExceeded is returned when a chunk does not fit in the space
	// left in the working buffer. The buffer is unchanged.
	ErrCapacityExceeded = errors.New("working buffer capacity exceeded")

	// ErrInvalidConsume is returned when more bytes are consumed than are
	// buffered. From a Session it means the decoder and engine disagree about
	// the buffer contents, and the session refuses further chunks until Reset.
	ErrInvalidConsume = errors.New("consume exceeds buffered length")

	// ErrDecodeFailure wraps a hard failure reported by a Decoder. The
	// buffered bytes are preserved so more input may let the decoder resync.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrSessionClosed is returned by ProcessChunk after Close.
	ErrSessionClosed = errors.New("session closed")
)
