// Package serialport opens the serial devices used by the test stand.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Config selects a serial device.
type Config struct {
	Device      string
	Baud        int
	ReadTimeout time.Duration
}

// Port wraps a tarm/serial port.
type Port struct {
	port   *serial.Port
	device string
}

// Open opens a serial device.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial device cannot be empty")
	}
	baud := cfg.Baud
	if baud <= 0 {
		baud = 115200
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	return &Port{port: port, device: cfg.Device}, nil
}

// Read reads from the port. A read timeout surfaces from tarm as io.EOF with
// no data; that case is reported as an empty read.
func (p *Port) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

// Write writes to the port.
func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// Close closes the port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Device returns the device path.
func (p *Port) Device() string { return p.device }
