// Package connector defines the southbound contract to the command station
// that drives locomotives on the control network.
//
// A Station is both a Connector (link lifecycle) and a Sender (fire-and-forget
// control commands). Implementations live in subpackages: rmx talks the
// station's binary frame protocol over serial or TCP, fake records commands
// for tests.
package connector

import (
	"context"
	"sync"
	"sync/atomic"
)

// Status is the link state owned by the connector.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
	Disconnecting
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Direction of travel for a drive command.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Connector manages the link to the command station.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() Status
}

// Sender issues control commands. Sends are fire-and-forget: a nil error
// means the command was written to the link, not that it was acknowledged.
type Sender interface {
	// PowerOn switches track power on.
	PowerOn(ctx context.Context) error

	// SetNotch commands one locomotive. magnitude is the absolute notch.
	SetNotch(ctx context.Context, address, magnitude int, dir Direction) error

	// Panic halts every locomotive on the network. It is attempted even when
	// the link is degraded.
	Panic(ctx context.Context) error
}

// Station is a Connector and Sender that also reports asynchronous link faults.
type Station interface {
	Connector
	Sender

	// Faults delivers link failures detected outside a send call.
	Faults() <-chan error
}

// Base carries the status and fault channel shared by Station implementations.
type Base struct {
	status atomic.Int32

	faultOnce sync.Once
	faults    chan error
}

// Status returns the current link status.
func (b *Base) Status() Status {
	return Status(b.status.Load())
}

// SetStatus updates the link status.
func (b *Base) SetStatus(s Status) {
	b.status.Store(int32(s))
}

// CompareAndSetStatus moves from old to new atomically.
func (b *Base) CompareAndSetStatus(old, new Status) bool {
	return b.status.CompareAndSwap(int32(old), int32(new))
}

// Faults returns the fault channel.
func (b *Base) Faults() <-chan error {
	b.faultOnce.Do(b.initFaults)
	return b.faults
}

// ReportFault publishes err without blocking. Faults are dropped if nobody
// has drained the previous ones.
func (b *Base) ReportFault(err error) {
	b.faultOnce.Do(b.initFaults)
	select {
	case b.faults <- err:
	default:
	}
}

func (b *Base) initFaults() {
	b.faults = make(chan error, 4)
}
