package dcon

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port is the half-duplex link the client talks through. A serial.Port
// satisfies it, as does SimulatedPort.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// OpenSerial opens the RS-485 adapter with the 8N1 framing DCON modules use.
func OpenSerial(name string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}
