package kserial

import (
	"github.com/banshee-data/kserial/internal/stream"
)

// Decoder frames kSerial packets out of a byte buffer. It implements
// stream.Decoder.
//
// Bytes that cannot start a valid frame are skipped one at a time until a
// header with a matching checksum is found. A valid header whose frame
// extends past the buffered bytes stops the scan; the frame is picked up once
// more input arrives.
type Decoder struct {
	skipped uint64
	frames  uint64
}

var _ stream.Decoder = (*Decoder)(nil)

// NewDecoder returns a Decoder with zeroed counters.
func NewDecoder() *Decoder { return &Decoder{} }

// Decode implements stream.Decoder. It never returns an error.
func (d *Decoder) Decode(buf []byte, n int) (int, []stream.Packet, error) {
	if n > len(buf) {
		n = len(buf)
	}
	var packets []stream.Packet
	off := 0
	for n-off >= Overhead {
		t, size, params, err := parseHeader(buf[off:n])
		if err != nil {
			off++
			d.skipped++
			continue
		}
		end := off + size + Overhead
		if end > n {
			break
		}
		if buf[end-1] != terminator {
			off++
			d.skipped++
			continue
		}
		packets = append(packets, stream.Packet{
			Type:       int(t),
			ByteLength: size + Overhead,
			Params:     []int{int(params[0]), int(params[1])},
			Data:       DecodeValues(t, buf[off+HeaderSize:end-1]),
		})
		d.frames++
		off = end
	}
	return off, packets, nil
}

// Skipped returns the number of bytes discarded while searching for frames.
func (d *Decoder) Skipped() uint64 { return d.skipped }

// Frames returns the number of frames decoded so far.
func (d *Decoder) Frames() uint64 { return d.frames }
