package stream

// Decoder frames and decodes packets from the front of a byte buffer.
//
// Decode examines buf[:n] and reports how many leading bytes it consumed along
// with the packets decoded from them, in stream order. consumed must not exceed
// n. An incomplete trailing frame is left unconsumed so that it can be
// completed by later input. Malformed bytes are the decoder's concern: it may
// skip them by including them in consumed. A non-nil error signals a hard
// failure; the Session then leaves the buffer untouched.
//
// Decode must not retain buf after it returns.
type Decoder interface {
	Decode(buf []byte, n int) (consumed int, packets []Packet, err error)
}

// DecoderFunc adapts an ordinary function to the Decoder interface.
type DecoderFunc func(buf []byte, n int) (int, []Packet, error)

// Decode calls f(buf, n).
func (f DecoderFunc) Decode(buf []byte, n int) (int, []Packet, error) {
	return f(buf, n)
}
