// Package sim is an in-process command station and test stand. It decodes
// the RMX frames written to its link, tracks track power and the commanded
// notch per address, and turns the wheel under the locomotive on the stand
// so that marker pulses arrive at a rate proportional to the notch.
package sim

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/connector/rmx"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

// Config tunes the simulated stand.
type Config struct {
	// PulsesPerNotch is the marker rate in pulses per second per notch.
	PulsesPerNotch float64
	// Tick is the wheel update period.
	Tick time.Duration
	// Buffer is the pulse channel capacity.
	Buffer int
}

func (c Config) withDefaults() Config {
	if c.PulsesPerNotch <= 0 {
		c.PulsesPerNotch = 4
	}
	if c.Tick <= 0 {
		c.Tick = 10 * time.Millisecond
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	return c
}

// Stand simulates the command station and the measuring wheel.
type Stand struct {
	cfg    Config
	clock  clock.Clock
	log    logging.Logger
	source *acquisition.ChanSource

	mu      sync.Mutex
	power   bool
	notches map[int]int
	onStand int
	frames  int
	link    *link
	phase   float64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a stand with track power off.
func New(cfg Config, clk clock.Clock, log logging.Logger) *Stand {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()
	return &Stand{
		cfg:     cfg,
		clock:   clk,
		log:     log.With(logging.String("component", "sim")),
		source:  acquisition.NewChanSource(cfg.Buffer),
		notches: make(map[int]int),
		onStand: -1,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Dialer returns an rmx.Dialer that opens a fresh in-process link.
func (s *Stand) Dialer() rmx.Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := newLink(s)
		s.mu.Lock()
		if s.link != nil {
			s.link.close(io.EOF)
		}
		s.link = l
		s.mu.Unlock()
		s.log.Debug(ctx, "link opened")
		return l, nil
	}
}

// Source is the wheel's pulse source.
func (s *Stand) Source() acquisition.PulseSource { return s.source }

// PlaceOnStand selects the locomotive address whose notch turns the wheel.
// Until it is called the first address driven is used.
func (s *Stand) PlaceOnStand(address int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStand = address
}

// Power reports whether track power is on.
func (s *Stand) Power() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// Notch returns the signed notch last commanded for address.
func (s *Stand) Notch(address int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notches[address]
}

// Frames returns the number of frames decoded so far.
func (s *Stand) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// InjectLinkFault drops the current link as if the cable was pulled.
func (s *Stand) InjectLinkFault() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()
	if l != nil {
		l.close(io.ErrUnexpectedEOF)
	}
}

// Run turns the wheel until ctx is cancelled or Close is called.
func (s *Stand) Run(ctx context.Context) {
	defer close(s.done)
	s.log.Info(ctx, "simulated stand running",
		logging.Any("tick", s.cfg.Tick),
		logging.Any("pulsesPerNotch", s.cfg.PulsesPerNotch))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
		s.clock.Sleep(s.cfg.Tick)
		s.advance(s.cfg.Tick)
	}
}

// Done is closed when Run returns.
func (s *Stand) Done() <-chan struct{} { return s.done }

// Close stops the wheel, drops the link and closes the pulse source.
func (s *Stand) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.InjectLinkFault()
	return s.source.Close()
}

// advance turns the wheel for dt and emits the marker pulses that passed.
// It returns the number of pulses emitted.
func (s *Stand) advance(dt time.Duration) int {
	s.mu.Lock()
	notch := 0
	if s.power {
		notch = s.notches[s.onStand]
	}
	if notch < 0 {
		notch = -notch
	}
	s.phase += float64(notch) * s.cfg.PulsesPerNotch * dt.Seconds()
	n := int(s.phase)
	s.phase -= float64(n)
	s.mu.Unlock()

	now := s.clock.Now()
	emitted := 0
	for i := 0; i < n; i++ {
		if s.source.Emit(acquisition.Pulse{At: now}) {
			emitted++
		}
	}
	return emitted
}

func (s *Stand) handle(f rmx.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++

	switch f.Opcode {
	case rmx.OpcodePower:
		if len(f.Payload) != 1 {
			return
		}
		s.power = f.Payload[0] == rmx.PowerOn
		if !s.power {
			// Power off halts every locomotive on the bus.
			clear(s.notches)
			s.phase = 0
		}
	case rmx.OpcodeDrive:
		d, err := rmx.ParseDrive(f)
		if err != nil {
			return
		}
		n := d.Speed
		if d.Reverse {
			n = -n
		}
		s.notches[d.Address] = n
		if s.onStand < 0 {
			s.onStand = d.Address
		}
	}
}
