// Package fake provides a recording command station for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
)

// Kind identifies a recorded command.
type Kind string

const (
	KindPowerOn Kind = "powerOn"
	KindNotch   Kind = "notch"
	KindPanic   Kind = "panic"
)

// Command is one recorded send.
type Command struct {
	Kind      Kind
	Address   int
	Magnitude int
	Direction connector.Direction
	At        time.Time
}

// Notch returns the signed notch of a drive command.
func (c Command) Notch() int {
	if c.Direction == connector.Reverse {
		return -c.Magnitude
	}
	return c.Magnitude
}

// Station implements connector.Station and records every command.
type Station struct {
	connector.Base

	mu       sync.Mutex
	clock    clock.Clock
	commands []Command

	// Error simulation
	connectErr   error
	notchErr     error
	notchErrFrom int

	// OnCommand, when set, is called after every recorded command.
	OnCommand func(Command)
}

var _ connector.Station = (*Station)(nil)

// NewStation returns a connected fake station.
func NewStation() *Station {
	s := &Station{clock: clock.Real(), notchErrFrom: -1}
	s.SetStatus(connector.Connected)
	return s
}

// WithClock stamps commands with c.
func (s *Station) WithClock(c clock.Clock) *Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
	return s
}

// Connect moves the station to Connected.
func (s *Station) Connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	err := s.connectErr
	s.mu.Unlock()
	if err != nil {
		s.SetStatus(connector.Disconnected)
		return connector.NormalizeLinkError("connect", err)
	}
	s.SetStatus(connector.Connected)
	return nil
}

// Disconnect moves the station to Disconnected.
func (s *Station) Disconnect(ctx context.Context) error {
	s.SetStatus(connector.Disconnected)
	return nil
}

// PowerOn records a track power-on.
func (s *Station) PowerOn(ctx context.Context) error {
	if s.Status() != connector.Connected {
		return fmt.Errorf("power on: %w", connector.ErrNotConnected)
	}
	s.record(Command{Kind: KindPowerOn})
	return nil
}

// SetNotch records a drive command.
func (s *Station) SetNotch(ctx context.Context, address, magnitude int, dir connector.Direction) error {
	if address < 0 || magnitude < 0 {
		return fmt.Errorf("set notch: %w: address %d magnitude %d", connector.ErrInvalidRange, address, magnitude)
	}
	if s.Status() != connector.Connected {
		return fmt.Errorf("set notch: %w", connector.ErrNotConnected)
	}

	s.mu.Lock()
	fail := s.notchErr != nil && s.notchErrFrom >= 0 && s.countLocked(KindNotch) >= s.notchErrFrom
	err := s.notchErr
	s.mu.Unlock()
	if fail {
		return connector.NormalizeLinkError("set notch", err)
	}

	s.record(Command{Kind: KindNotch, Address: address, Magnitude: magnitude, Direction: dir})
	return nil
}

// Panic records a network-wide halt. It is recorded in any link state.
func (s *Station) Panic(ctx context.Context) error {
	s.record(Command{Kind: KindPanic})
	return nil
}

func (s *Station) record(c Command) {
	s.mu.Lock()
	c.At = s.clock.Now()
	s.commands = append(s.commands, c)
	hook := s.OnCommand
	s.mu.Unlock()

	if hook != nil {
		hook(c)
	}
}

// Helper methods for testing

// Commands returns a copy of everything recorded so far.
func (s *Station) Commands() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Notches returns the signed notch of every drive command, in order.
func (s *Station) Notches() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, c := range s.commands {
		if c.Kind == KindNotch {
			out = append(out, c.Notch())
		}
	}
	return out
}

// Count returns how many commands of kind were recorded.
func (s *Station) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(kind)
}

func (s *Station) countLocked(kind Kind) int {
	n := 0
	for _, c := range s.commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Reset clears the recorded commands.
func (s *Station) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// SetConnectError makes Connect fail with err until cleared with nil.
func (s *Station) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// FailNotchesFrom makes every drive command fail once n have been recorded.
func (s *Station) FailNotchesFrom(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notchErrFrom = n
	s.notchErr = err
}

// InjectFault drops the link and reports err on Faults.
func (s *Station) InjectFault(err error) {
	s.SetStatus(connector.Disconnected)
	s.ReportFault(connector.NormalizeLinkError("link", err))
}
