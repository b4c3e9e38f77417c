package stream

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuffer_DefaultCapacity(t *testing.T) {
	for _, capacity := range []int{0, -5} {
		b := NewBuffer(capacity)
		assert.Equal(t, DefaultBufferCapacity, b.Cap())
		assert.Equal(t, 0, b.Len())
	}
}

func TestBuffer_AppendConsume(t *testing.T) {
	b := NewBuffer(16)

	require.NoError(t, b.Append([]byte("hello ")))
	require.NoError(t, b.Append([]byte("world")))
	assert.Equal(t, 11, b.Len())
	assert.Equal(t, "hello world", string(b.Bytes()))

	require.NoError(t, b.Consume(6))
	assert.Equal(t, "world", string(b.Bytes()))

	require.NoError(t, b.Consume(0))
	assert.Equal(t, "world", string(b.Bytes()))

	require.NoError(t, b.Consume(5))
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_CapacityExceeded(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Append([]byte("abcde")))

	err := b.Append([]byte("fghi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.Equal(t, 5, b.Len(), "failed append must leave the cursor unchanged")
	assert.Equal(t, "abcde", string(b.Bytes()), "failed append must leave contents unchanged")

	// exactly filling the buffer is allowed
	require.NoError(t, b.Append([]byte("fgh")))
	assert.Equal(t, 8, b.Len())
	assert.ErrorIs(t, b.Append([]byte{0}), ErrCapacityExceeded)
}

func TestBuffer_CapacityExceededBeforeConsume(t *testing.T) {
	b := NewBuffer(10)
	require.NoError(t, b.Append(make([]byte, 6)))
	err := b.Append(make([]byte, 6))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 6, b.Len())
}

func TestBuffer_InvalidConsume(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Append([]byte("abc")))

	assert.ErrorIs(t, b.Consume(4), ErrInvalidConsume)
	assert.ErrorIs(t, b.Consume(-1), ErrInvalidConsume)
	assert.Equal(t, "abc", string(b.Bytes()))
}

func TestBuffer_Reset(t *testing.T) {
	b := NewBuffer(8)
	require.NoError(t, b.Append([]byte("abc")))
	b.Reset()
	assert.Equal(t, 0, b.Len())
	require.NoError(t, b.Append(make([]byte, 8)))
}

// The valid region always equals everything appended minus everything
// consumed, in order.
func TestBuffer_Invariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := NewBuffer(64)
	var model []byte
	var next byte

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			n := rng.Intn(b.Cap() - b.Len() + 1)
			chunk := make([]byte, n)
			for j := range chunk {
				chunk[j] = next
				next++
			}
			require.NoError(t, b.Append(chunk))
			model = append(model, chunk...)
		} else {
			n := rng.Intn(b.Len() + 1)
			require.NoError(t, b.Consume(n))
			model = model[n:]
		}
		if !bytes.Equal(b.Bytes(), model) {
			t.Fatalf("step %d: buffer %v, want %v", i, b.Bytes(), model)
		}
	}
}
