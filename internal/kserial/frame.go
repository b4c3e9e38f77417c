// Package kserial implements the kSerial framing used by the sensor boards:
//
//	byte 0      'K'
//	byte 1      'S'
//	byte 2      type (high nibble) | payload length bits 8-11 (low nibble)
//	byte 3      payload length bits 0-7
//	byte 4      parameter 1
//	byte 5      parameter 2
//	byte 6      checksum, sum of bytes 2..5 mod 256
//	byte 7..    payload
//	last        '\r'
//
// Multi-byte payload elements are little-endian.
package kserial

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

const (
	// HeaderSize is the number of bytes before the payload.
	HeaderSize = 7
	// Overhead is the framing cost of a frame: header plus terminator.
	Overhead = HeaderSize + 1
	// MaxPayload is the largest payload the 12-bit length field can express.
	MaxPayload = 0x0FFF

	headerK    = 'K'
	headerS    = 'S'
	terminator = '\r'
)

var (
	ErrShortFrame      = errors.New("kserial: short frame")
	ErrBadHeader       = errors.New("kserial: missing KS header")
	ErrBadChecksum     = errors.New("kserial: header checksum mismatch")
	ErrBadTerminator   = errors.New("kserial: missing frame terminator")
	ErrPayloadTooLarge = errors.New("kserial: payload too large")
)

// Frame is one undecoded kSerial frame.
type Frame struct {
	Type    DataType
	Params  [2]byte
	Payload []byte
}

// Len returns the encoded size of the frame.
func (f Frame) Len() int { return len(f.Payload) + Overhead }

// Values decodes the payload according to the frame type.
func (f Frame) Values() []float64 { return DecodeValues(f.Type, f.Payload) }

// MarshalBinary encodes the frame.
func (f Frame) MarshalBinary() ([]byte, error) {
	return Pack(f.Params, f.Type, f.Payload)
}

func checksum(b []byte) byte {
	return b[2] + b[3] + b[4] + b[5]
}

// Pack encodes one frame around payload.
func Pack(params [2]byte, t DataType, payload []byte) ([]byte, error) {
	if t > R4 {
		return nil, fmt.Errorf("kserial: invalid data type %d", t)
	}
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	n := len(payload)
	out := make([]byte, n+Overhead)
	out[0] = headerK
	out[1] = headerS
	out[2] = byte(t)<<4 | byte(n>>8)
	out[3] = byte(n)
	out[4] = params[0]
	out[5] = params[1]
	out[6] = checksum(out)
	copy(out[HeaderSize:], payload)
	out[len(out)-1] = terminator
	return out, nil
}

// PackValues encodes values as elements of type t and frames them.
func PackValues(params [2]byte, t DataType, values []float64) ([]byte, error) {
	payload, err := EncodeValues(t, values)
	if err != nil {
		return nil, err
	}
	return Pack(params, t, payload)
}

// parseHeader validates the seven header bytes at the start of b.
func parseHeader(b []byte) (t DataType, size int, params [2]byte, err error) {
	if len(b) < HeaderSize {
		return 0, 0, params, ErrShortFrame
	}
	if b[0] != headerK || b[1] != headerS {
		return 0, 0, params, ErrBadHeader
	}
	if b[6] != checksum(b) {
		return 0, 0, params, ErrBadChecksum
	}
	t = DataType(b[2] >> 4)
	size = int(b[2]&0x0F)<<8 | int(b[3])
	params = [2]byte{b[4], b[5]}
	return t, size, params, nil
}

// Unpack decodes the frame at the start of b and returns it along with the
// number of bytes it occupied. Bytes after the frame are ignored.
func Unpack(b []byte) (Frame, int, error) {
	t, size, params, err := parseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	end := size + Overhead
	if len(b) < end {
		return Frame{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, end, len(b))
	}
	if b[end-1] != terminator {
		return Frame{}, 0, ErrBadTerminator
	}
	payload := make([]byte, size)
	copy(payload, b[HeaderSize:end-1])
	return Frame{Type: t, Params: params, Payload: payload}, end, nil
}

// DecodeValues splits payload into elements of type t and widens them to
// float64. Raw types decode bytewise. A trailing partial element is ignored.
func DecodeValues(t DataType, payload []byte) []float64 {
	w := t.elementWidth()
	out := make([]float64, len(payload)/w)
	le := binary.LittleEndian
	for i := range out {
		b := payload[i*w : (i+1)*w]
		switch t {
		case U16:
			out[i] = float64(le.Uint16(b))
		case U32:
			out[i] = float64(le.Uint32(b))
		case U64:
			out[i] = float64(le.Uint64(b))
		case I8:
			out[i] = float64(int8(b[0]))
		case I16:
			out[i] = float64(int16(le.Uint16(b)))
		case I32:
			out[i] = float64(int32(le.Uint32(b)))
		case I64:
			out[i] = float64(int64(le.Uint64(b)))
		case F16:
			out[i] = float64(float16.Frombits(le.Uint16(b)).Float32())
		case F32:
			out[i] = float64(math.Float32frombits(le.Uint32(b)))
		case F64:
			out[i] = math.Float64frombits(le.Uint64(b))
		default: // U8 and raw
			out[i] = float64(b[0])
		}
	}
	return out
}

// EncodeValues is the inverse of DecodeValues. Integer types reject values
// that are out of range; fractional parts are rounded.
func EncodeValues(t DataType, values []float64) ([]byte, error) {
	if t > R4 {
		return nil, fmt.Errorf("kserial: invalid data type %d", t)
	}
	w := t.elementWidth()
	out := make([]byte, len(values)*w)
	le := binary.LittleEndian
	for i, v := range values {
		b := out[i*w : (i+1)*w]
		switch t {
		case F16:
			le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
		case F32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case F64:
			le.PutUint64(b, math.Float64bits(v))
		default:
			r := math.Round(v)
			lo, hi := intRange(t)
			if math.IsNaN(v) || r < lo || r > hi {
				return nil, fmt.Errorf("kserial: value %v out of range for %s", v, t)
			}
			switch t {
			case U16, I16:
				le.PutUint16(b, uint16(int64(r)))
			case U32, I32:
				le.PutUint32(b, uint32(int64(r)))
			case U64:
				le.PutUint64(b, uint64(r))
			case I64:
				le.PutUint64(b, uint64(int64(r)))
			default:
				b[0] = byte(int64(r))
			}
		}
	}
	return out, nil
}

func intRange(t DataType) (lo, hi float64) {
	switch t {
	case U16:
		return 0, math.MaxUint16
	case U32:
		return 0, math.MaxUint32
	case U64:
		return 0, math.MaxUint64
	case I8:
		return math.MinInt8, math.MaxInt8
	case I16:
		return math.MinInt16, math.MaxInt16
	case I32:
		return math.MinInt32, math.MaxInt32
	case I64:
		return math.MinInt64, math.MaxInt64
	default:
		return 0, math.MaxUint8
	}
}
