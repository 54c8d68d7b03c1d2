// Package rmx implements a command-station connector speaking the RMX
// network's binary frame protocol.
//
// Every frame is laid out as
//
//	[Header 0x7C] [Length] [Opcode] [Payload...]
//
// where Length counts the whole frame including the header byte.
package rmx

import (
	"errors"
	"fmt"
)

// Protocol constants
const (
	Header       = 0x7C
	MinFrameLen  = 3
	MaxFrameLen  = 32
	OpcodePower  = 0x03
	OpcodeDrive  = 0x24
	PowerOn      = 0x80
	PowerOff     = 0x00
	MaxAddress   = 0xFFFF
	MaxSpeed     = 0x7F
	dirForward   = 0x00
	dirReverse   = 0x01
	posLength    = 1
	posOpcode    = 2
	headerLength = 3
)

var (
	ErrFrameLength = errors.New("rmx: invalid frame length")
	ErrFrameRange  = errors.New("rmx: value out of range")
)

// Frame is one decoded protocol unit.
type Frame struct {
	Opcode  byte
	Payload []byte
}

// Encode serializes f.
func (f Frame) Encode() ([]byte, error) {
	n := headerLength + len(f.Payload)
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameLength, n)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, Header, byte(n), f.Opcode)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// PowerFrame switches track power. Power off halts every locomotive.
func PowerFrame(on bool) Frame {
	state := byte(PowerOff)
	if on {
		state = PowerOn
	}
	return Frame{Opcode: OpcodePower, Payload: []byte{state}}
}

// DriveFrame sets speed and direction for one locomotive address.
func DriveFrame(address, speed int, reverse bool) (Frame, error) {
	if address < 0 || address > MaxAddress {
		return Frame{}, fmt.Errorf("%w: address %d", ErrFrameRange, address)
	}
	if speed < 0 || speed > MaxSpeed {
		return Frame{}, fmt.Errorf("%w: speed %d", ErrFrameRange, speed)
	}
	dir := byte(dirForward)
	if reverse {
		dir = dirReverse
	}
	return Frame{
		Opcode:  OpcodeDrive,
		Payload: []byte{byte(address), byte(address >> 8), byte(speed), dir},
	}, nil
}

// Drive is the decoded payload of a drive frame.
type Drive struct {
	Address int
	Speed   int
	Reverse bool
}

// ParseDrive decodes the payload of an OpcodeDrive frame.
func ParseDrive(f Frame) (Drive, error) {
	if f.Opcode != OpcodeDrive || len(f.Payload) != 4 {
		return Drive{}, fmt.Errorf("%w: not a drive frame", ErrFrameLength)
	}
	return Drive{
		Address: int(f.Payload[0]) | int(f.Payload[1])<<8,
		Speed:   int(f.Payload[2]),
		Reverse: f.Payload[3] == dirReverse,
	}, nil
}

// Decoder splits a byte stream into frames, resynchronizing on the header
// byte after garbage or a bad length.
type Decoder struct {
	buf []byte
}

// Feed appends received bytes.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete frame, or ok=false when more bytes are needed.
func (d *Decoder) Next() (Frame, bool) {
	for len(d.buf) > 0 {
		if d.buf[0] != Header {
			idx := indexByte(d.buf, Header)
			if idx < 0 {
				d.buf = d.buf[:0]
				return Frame{}, false
			}
			d.buf = d.buf[idx:]
		}

		if len(d.buf) < headerLength {
			return Frame{}, false
		}

		n := int(d.buf[posLength])
		if n < MinFrameLen || n > MaxFrameLen {
			// Bad length: drop this header and hunt for the next one.
			d.buf = d.buf[1:]
			continue
		}
		if len(d.buf) < n {
			return Frame{}, false
		}

		f := Frame{Opcode: d.buf[posOpcode]}
		if n > headerLength {
			f.Payload = append([]byte(nil), d.buf[headerLength:n]...)
		}
		d.buf = d.buf[n:]
		return f, true
	}
	return Frame{}, false
}

// Buffered returns the number of undecoded bytes.
func (d *Decoder) Buffered() int { return len(d.buf) }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
