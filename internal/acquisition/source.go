package acquisition

import (
	"context"
	"io"
	"sync"

	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

// PulseSource delivers measuring-wheel pulses. The channel is closed when
// the source stops.
type PulseSource interface {
	Pulses() <-chan Pulse
	Close() error
}

// ChanSource is a PulseSource fed by Emit. Used by the simulator and tests.
type ChanSource struct {
	mu     sync.Mutex
	ch     chan Pulse
	closed bool
}

// NewChanSource creates a source with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{ch: make(chan Pulse, buffer)}
}

// Pulses implements PulseSource.
func (s *ChanSource) Pulses() <-chan Pulse { return s.ch }

// Emit delivers a pulse. It drops the pulse when the buffer is full and
// reports whether it was delivered.
func (s *ChanSource) Emit(p Pulse) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- p:
		return true
	default:
		return false
	}
}

// Close implements PulseSource.
func (s *ChanSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// ReaderSource turns a byte stream from a pulse counter into pulses: every
// byte read is one marker pass, stamped with the clock on arrival.
type ReaderSource struct {
	r     io.ReadCloser
	clock clock.Clock
	log   logging.Logger
	ch    chan Pulse
	once  sync.Once
	done  chan struct{}
}

// NewReaderSource starts reading r. Typically r is a serialport.Port.
func NewReaderSource(r io.ReadCloser, clk clock.Clock, log logging.Logger) *ReaderSource {
	if log == nil {
		log = logging.Noop()
	}
	s := &ReaderSource{
		r:     r,
		clock: clk,
		log:   log,
		ch:    make(chan Pulse, 256),
		done:  make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Pulses implements PulseSource.
func (s *ReaderSource) Pulses() <-chan Pulse { return s.ch }

// Close stops reading and closes the underlying reader.
func (s *ReaderSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.r.Close()
	})
	return err
}

func (s *ReaderSource) readLoop() {
	defer close(s.ch)

	buf := make([]byte, 64)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			at := s.clock.Now()
			for i := 0; i < n; i++ {
				select {
				case s.ch <- Pulse{At: at}:
				case <-s.done:
					return
				default:
					s.log.Warn(context.Background(), "pulse buffer full, dropping pulse")
				}
			}
		}
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Error(context.Background(), "pulse counter read failed", logging.Err(err))
			}
			return
		}
	}
}
