package kserial

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/banshee-data/kserial/internal/stream"
)

// Device command codes carried in parameter 1 of an R0 frame.
const (
	CmdDeviceID   = 0xD0
	CmdBaudRate   = 0xD1
	CmdUpdateRate = 0xD2
	CmdMode       = 0xD3
	CmdGetValue   = 0xE3
)

// TWI bridge commands carried in parameter 1 of an R2 frame.
const (
	CmdTWIScanDevice   = 0xA1
	CmdTWIScanRegister = 0xA2
)

// ErrNotDeviceReply is returned when a packet is not an R0 reply to the
// expected command.
var ErrNotDeviceReply = errors.New("kserial: not a device command reply")

func mustPack(params [2]byte, t DataType, payload []byte) []byte {
	b, err := Pack(params, t, payload)
	if err != nil {
		// payloads built in this file are always small
		panic(err)
	}
	return b
}

// CheckDevice asks the board to report its device id.
func CheckDevice() []byte {
	return mustPack([2]byte{CmdDeviceID, 0}, R0, nil)
}

// SetBaudRate asks the board to switch its UART to baud.
func SetBaudRate(baud uint32) []byte {
	return mustPack([2]byte{CmdBaudRate, 4}, R0, binary.LittleEndian.AppendUint32(nil, baud))
}

// SetUpdateRate sets the board's output rate in Hz.
func SetUpdateRate(rate uint32) []byte {
	return mustPack([2]byte{CmdUpdateRate, 4}, R0, binary.LittleEndian.AppendUint32(nil, rate))
}

// SetMode switches the board's operating mode.
func SetMode(mode uint8) []byte {
	return mustPack([2]byte{CmdMode, mode}, R0, nil)
}

// GetValue asks the board to report the setting selected by item.
func GetValue(item uint8) []byte {
	return mustPack([2]byte{CmdGetValue, item}, R0, nil)
}

// TWIScanDevice asks the board to list the addresses on its I2C bus.
func TWIScanDevice() []byte {
	return mustPack([2]byte{CmdTWIScanDevice, 0}, R2, nil)
}

// TWIScanRegister asks the board to dump the registers of the device at
// address.
func TWIScanRegister(address uint8) []byte {
	return mustPack([2]byte{CmdTWIScanRegister, address << 1}, R2, nil)
}

// TWIWriteRegs writes data to consecutive registers starting at reg.
func TWIWriteRegs(address, reg uint8, data []byte) ([]byte, error) {
	return Pack([2]byte{address << 1, reg}, R1, data)
}

// TWIReadRegs asks the board to read n registers starting at reg.
func TWIReadRegs(address, reg, n uint8) []byte {
	return mustPack([2]byte{address<<1 | 1, reg}, R1, []byte{n})
}

// IsDeviceReply reports whether p is an R0 reply to cmd.
func IsDeviceReply(p stream.Packet, cmd uint8) bool {
	return p.Type == int(R0) && len(p.Params) >= 1 && p.Params[0] == int(cmd)
}

// DeviceID extracts the id from a reply to CheckDevice. The board answers with
// an empty R0 frame carrying the 16-bit id little-endian in its parameters.
func DeviceID(p stream.Packet) (uint16, error) {
	if p.Type != int(R0) || len(p.Params) < 2 || len(p.Data) != 0 {
		return 0, fmt.Errorf("%w: %s params=%v", ErrNotDeviceReply, DataType(p.Type), p.Params)
	}
	return uint16(p.Params[0]&0xFF) | uint16(p.Params[1]&0xFF)<<8, nil
}

// ReplyValue decodes the 32-bit little-endian value carried in the payload of
// a reply to cmd, as sent back for baud rate and update rate queries.
func ReplyValue(p stream.Packet, cmd uint8) (uint32, error) {
	if !IsDeviceReply(p, cmd) {
		return 0, fmt.Errorf("%w: want 0x%02X", ErrNotDeviceReply, cmd)
	}
	if len(p.Data) < 4 {
		return 0, fmt.Errorf("kserial: reply to 0x%02X carries %d bytes, want 4", cmd, len(p.Data))
	}
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(uint8(p.Data[i]))
	}
	return v, nil
}
