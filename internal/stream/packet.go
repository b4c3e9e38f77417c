// Package stream turns an unbounded byte stream into decoded packets while
// tracking arrival rate, elapsed time and packet loss.
//
// A Session owns every piece of state for one link: the working buffer that
// accumulates raw bytes, the history of recently decoded packets, the timing
// statistics and the loss detector. A Session is not safe for concurrent use;
// feed it from a single goroutine and publish its Snapshot to other goroutines.
package stream

// Packet is one frame decoded by a Decoder.
type Packet struct {
	// Type is the small integer tag identifying the packet's kind.
	Type int `json:"type"`
	// ByteLength is the number of raw bytes the frame occupied in the stream.
	ByteLength int `json:"byte_length"`
	// Params carries side-channel metadata such as a rolling sequence counter.
	Params []int `json:"params"`
	// Data is the payload. When packet-time mode is enabled the first two
	// slots hold the sender's timestamp as whole and fractional units.
	Data []float64 `json:"data"`
}

// Clone returns a deep copy of p.
func (p Packet) Clone() Packet {
	c := Packet{Type: p.Type, ByteLength: p.ByteLength}
	if p.Params != nil {
		c.Params = append([]int(nil), p.Params...)
	}
	if p.Data != nil {
		c.Data = append([]float64(nil), p.Data...)
	}
	return c
}

// Timestamp reconstructs the sender clock reading carried in Data[0] (whole
// units) and Data[1] (thousandths). The boolean is false when the packet does
// not carry both slots.
func (p Packet) Timestamp() (int64, bool) {
	if len(p.Data) < 2 {
		return 0, false
	}
	return int64(p.Data[0]*1000 + p.Data[1]), true
}
