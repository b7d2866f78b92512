// Package serialport adapts a real RS-232 port, opened via
// go.bug.st/serial, to the duplex.Duplex contract. This is the one
// concrete implementation that talks to actual hardware; the OS driver
// itself remains an external collaborator.
package serialport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"

	"github.com/serialarq/linkbench/duplex"
)

// Port wraps a go.bug.st/serial port so it satisfies duplex.Duplex.
//
// A single Read and a single Write may be in flight concurrently; Port
// relies on the caller (the transmission engine) to serialize concurrent
// reads among themselves and concurrent writes among themselves, exactly as
// go.bug.st/serial's underlying port requires.
type Port struct {
	port    serial.Port
	baud    int
	readBuf []byte
}

var _ duplex.Duplex = (*Port)(nil)

// Open opens name (e.g. "/dev/ttyUSB0", "COM3") at baud with 8-N-1 framing,
// then purges stale RX/TX so the session starts from a clean line.
func Open(name string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}

	port := &Port{port: p, baud: baud}
	if err := port.Purge(); err != nil {
		_ = p.Close()

		return nil, err
	}

	return port, nil
}

// Write hands every byte of p to the driver, looping until fully written or
// a fatal error occurs.
func (p *Port) Write(data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := p.port.Write(data[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("serialport: write: %w", err)
		}
	}

	return written, nil
}

// ReadSome returns as soon as at least one byte is available, or a timeout
// error if none arrives within d.
func (p *Port) ReadSome(buf []byte, d time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(d); err != nil {
		return 0, fmt.Errorf("serialport: set read timeout: %w", err)
	}

	n, err := p.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("serialport: read: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("serialport: %w", ErrTimeout)
	}

	return n, nil
}

// ReadFull reads exactly len(buf) bytes, applying d as the deadline for each
// underlying Read call (the timer restarts on every partial fill, matching
// the inter-character timeout semantics the session state machine expects
// of SettingsExchange/AckExchange).
func (p *Port) ReadFull(buf []byte, d time.Duration) error {
	read := 0
	for read < len(buf) {
		n, err := p.ReadSome(buf[read:], d)
		read += n
		if err != nil {
			return err
		}
	}

	return nil
}

// Flush forces buffered outbound bytes onto the wire.
func (p *Port) Flush() error {
	if err := p.port.Drain(); err != nil {
		return fmt.Errorf("serialport: flush: %w", err)
	}

	return nil
}

// Purge discards stale bytes queued in both directions.
func (p *Port) Purge() error {
	if err := p.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serialport: purge input: %w", err)
	}
	if err := p.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("serialport: purge output: %w", err)
	}

	return nil
}

// BaudRate returns the configured line rate.
func (p *Port) BaudRate() int { return p.baud }

// Close releases the underlying OS handle.
func (p *Port) Close() error {
	return p.port.Close()
}

// ErrTimeout is returned by ReadSome/ReadFull when no byte arrived within
// the requested duration.
var ErrTimeout = errors.New("serialport: read timeout")
