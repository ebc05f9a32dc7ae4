// Package lineserial backs hal.SerialLine with a real UART, using
// go.bug.st/serial for its per-call read timeout without needing a
// background reader goroutine.
package lineserial

import (
	"time"

	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/codebje/romble/pkg/romstatus"
)

// Line is a UART-backed hal.SerialLine.
type Line struct {
	port serial.Port
}

// Open opens devicePath at baud 8N1, matching the console's fixed framing.
func Open(devicePath string, baud int) (*Line, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"device": devicePath, "baud": baud}).Info("hal/lineserial: opened console serial line")
	return &Line{port: port}, nil
}

// Close releases the underlying port.
func (l *Line) Close() error {
	return l.port.Close()
}

// ReadByte blocks for at most timeout waiting for one byte, returning
// romstatus.ErrBusTimeout on expiry.
func (l *Line) ReadByte(timeout time.Duration) (byte, error) {
	if err := l.port.SetReadTimeout(timeout); err != nil {
		return 0, romstatus.ErrBusError
	}
	buf := make([]byte, 1)
	n, err := l.port.Read(buf)
	if err != nil {
		return 0, romstatus.ErrBusError
	}
	if n == 0 {
		return 0, romstatus.ErrBusTimeout
	}
	return buf[0], nil
}

// WriteByte writes a single byte, used for ACK/NAK/CAN/'C' control bytes.
func (l *Line) WriteByte(b byte) error {
	_, err := l.port.Write([]byte{b})
	if err != nil {
		return romstatus.ErrBusError
	}
	return nil
}

// Write writes a run of bytes, used for packet frames and console text.
func (l *Line) Write(p []byte) error {
	_, err := l.port.Write(p)
	if err != nil {
		return romstatus.ErrBusError
	}
	return nil
}
