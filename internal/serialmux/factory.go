package serialmux

import (
	"go.bug.st/serial"
)

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}

	return NewSerialMux[serial.Port](port), nil
}

// RealSerialPortFactory opens ports with go.bug.st/serial.
type RealSerialPortFactory struct{}

var _ SerialPortFactory = RealSerialPortFactory{}

func NewRealSerialPortFactory() *RealSerialPortFactory {
	return &RealSerialPortFactory{}
}

// Open opens the port at path. A nil mode selects DefaultSerialPortMode.
func (RealSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	if mode == nil {
		mode = DefaultSerialPortMode()
	}
	opts := PortOptions{
		BaudRate: mode.BaudRate,
		DataBits: mode.DataBits,
		StopBits: 1,
		Parity:   "N",
	}
	if mode.StopBits == TwoStopBits {
		opts.StopBits = 2
	}
	switch mode.Parity {
	case OddParity:
		opts.Parity = "O"
	case EvenParity:
		opts.Parity = "E"
	}
	m, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, m)
}

// OpenSerialMux opens path through factory and wraps the port in a mux.
func OpenSerialMux(factory SerialPortFactory, path string, mode *SerialPortMode) (*SerialMux[SerialPorter], error) {
	port, err := factory.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
