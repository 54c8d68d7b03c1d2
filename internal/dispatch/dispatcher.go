// Package dispatch translates notch and halt intents for one locomotive into
// command-station sends.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

// Command kinds reported to an Observer.
const (
	KindPowerOn = "power_on"
	KindNotch   = "notch"
	KindPanic   = "panic"
)

// Observer is notified of every send attempt.
type Observer interface {
	ObserveCommand(kind string, err error)
}

// Dispatcher drives one resolved locomotive.
type Dispatcher struct {
	loco     loco.Locomotive
	sender   connector.Sender
	log      logging.Logger
	observer Observer
	timeout  time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithObserver reports sends to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithTimeout bounds each send.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// New resolves name, switches track power on and commands notch 0. A name the
// registry does not know aborts construction with loco.ErrLocomotiveNotFound
// before anything is sent.
func New(ctx context.Context, name string, reg loco.Resolver, sender connector.Sender, opts ...Option) (*Dispatcher, error) {
	l, err := reg.Lookup(name)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		loco:    l,
		sender:  sender,
		log:     logging.Noop(),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(logging.String("locomotive", l.Name), logging.Int("address", l.Address))

	if err := d.powerOn(ctx); err != nil {
		return nil, err
	}
	if err := d.SetNotch(ctx, 0); err != nil {
		return nil, err
	}
	return d, nil
}

// Locomotive returns the resolved registry entry.
func (d *Dispatcher) Locomotive() loco.Locomotive { return d.loco }

// Address returns the locomotive's network address.
func (d *Dispatcher) Address() int { return d.loco.Address }

// SetNotch commands notch n. Negative values drive in reverse with magnitude -n.
func (d *Dispatcher) SetNotch(ctx context.Context, n int) error {
	magnitude, dir := n, connector.Forward
	if n < 0 {
		magnitude, dir = -n, connector.Reverse
	}
	if magnitude > d.loco.MaxNotch {
		err := fmt.Errorf("%w: notch %d exceeds max %d", connector.ErrInvalidRange, n, d.loco.MaxNotch)
		d.observe(KindNotch, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.sender.SetNotch(ctx, d.loco.Address, magnitude, dir)
	d.observe(KindNotch, err)
	if err != nil {
		d.log.Warn(ctx, "notch command failed", logging.Int("notch", n), logging.Err(err))
		return fmt.Errorf("set notch %d: %w", n, err)
	}
	d.log.Debug(ctx, "notch commanded", logging.Int("notch", n))
	return nil
}

// EmergencyStop sends the network-wide halt. It detaches from ctx
// cancellation so that a cancelled run can still stop the stand.
func (d *Dispatcher) EmergencyStop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	err := d.sender.Panic(ctx)
	d.observe(KindPanic, err)
	if err != nil {
		d.log.Error(ctx, "emergency stop send failed", logging.Err(err))
		return fmt.Errorf("emergency stop: %w", err)
	}
	d.log.Warn(ctx, "emergency stop sent")
	return nil
}

func (d *Dispatcher) powerOn(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.sender.PowerOn(ctx)
	d.observe(KindPowerOn, err)
	if err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	return nil
}

func (d *Dispatcher) observe(kind string, err error) {
	if d.observer != nil {
		d.observer.ObserveCommand(kind, err)
	}
}
