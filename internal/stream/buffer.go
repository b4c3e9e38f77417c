package stream

import "fmt"

// DefaultBufferCapacity is the working buffer size used when none is configured.
const DefaultBufferCapacity = 8 * 1024

// Buffer is a fixed-capacity byte buffer with a write cursor. Bytes are
// appended at the cursor and removed from the front by Consume, which shifts
// the unconsumed tail back to offset zero.
type Buffer struct {
	buf    []byte
	cursor int
}

// NewBuffer returns an empty Buffer. A non-positive capacity selects
// DefaultBufferCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{buf: make([]byte, capacity)}
}

// Append copies p in at the cursor. If p does not fit in the remaining space
// the buffer is left unmodified and ErrCapacityExceeded is returned.
func (b *Buffer) Append(p []byte) error {
	if free := len(b.buf) - b.cursor; len(p) > free {
		return fmt.Errorf("append %d bytes with %d free of %d: %w", len(p), free, len(b.buf), ErrCapacityExceeded)
	}
	b.cursor += copy(b.buf[b.cursor:], p)
	return nil
}

// Consume drops the first n buffered bytes.
func (b *Buffer) Consume(n int) error {
	if n < 0 || n > b.cursor {
		return fmt.Errorf("consume %d bytes of %d: %w", n, b.cursor, ErrInvalidConsume)
	}
	if n == 0 {
		return nil
	}
	b.cursor = copy(b.buf, b.buf[n:b.cursor])
	return nil
}

// Len returns the number of valid bytes, which is also the cursor position.
func (b *Buffer) Len() int { return b.cursor }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Bytes returns the valid region. The slice aliases the buffer and is only
// valid until the next Append, Consume or Reset.
func (b *Buffer) Bytes() []byte { return b.buf[:b.cursor] }

// Reset discards all buffered bytes.
func (b *Buffer) Reset() { b.cursor = 0 }
