package kserial

import (
	"fmt"
	"strings"
)

// DataType is the 4-bit element type carried in a frame header.
type DataType uint8

const (
	U8 DataType = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	R0
	F16
	F32
	F64
	R1
	R2
	R3
	R4
)

var typeNames = [16]string{
	"U8", "U16", "U32", "U64",
	"I8", "I16", "I32", "I64",
	"R0", "F16", "F32", "F64",
	"R1", "R2", "R3", "R4",
}

// element sizes in bytes; the R types carry raw bytes
var typeSizes = [16]int{
	1, 2, 4, 8,
	1, 2, 4, 8,
	0, 2, 4, 8,
	0, 0, 0, 0,
}

// Size returns the element width in bytes, or 0 for the raw R types.
func (t DataType) Size() int {
	if t > R4 {
		return 0
	}
	return typeSizes[t]
}

// Raw reports whether t is one of the untyped R0..R4 payload kinds.
func (t DataType) Raw() bool {
	return t == R0 || t >= R1 && t <= R4
}

func (t DataType) String() string {
	if t > R4 {
		return fmt.Sprintf("DataType(%d)", uint8(t))
	}
	return typeNames[t]
}

// elementWidth is the stride used to split a payload into values: raw types
// are read bytewise.
func (t DataType) elementWidth() int {
	if s := t.Size(); s > 0 {
		return s
	}
	return 1
}

// ParseDataType accepts the short names ("F32") and the long C-style names
// ("float", "int16") used by host tooling.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range typeNames {
		if n == name {
			return DataType(i), nil
		}
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8":
		return U8, nil
	case "uint16":
		return U16, nil
	case "uint32":
		return U32, nil
	case "uint64":
		return U64, nil
	case "int8":
		return I8, nil
	case "int16":
		return I16, nil
	case "int32":
		return I32, nil
	case "int64":
		return I64, nil
	case "half":
		return F16, nil
	case "float":
		return F32, nil
	case "double":
		return F64, nil
	}
	return 0, fmt.Errorf("unknown data type %q", s)
}
