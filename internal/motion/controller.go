// Package motion runs a locomotive through a timed speed profile.
//
// A Controller owns the notch trajectory of one run. Start launches the
// profile on its own goroutine; Cancel and Complete are cooperative and end
// the run at notch 0; EmergencyStop halts the network directly and does not
// wait for the profile goroutine.
//
// Every notch change is followed by a settle dwell (SettlePerNotch) during
// which InSettlingPhase reports true. By default the dwell ignores Cancel;
// it always ends early on an emergency stop.
package motion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("ALREADY_STARTED")

	errInterrupted = errors.New("interrupted")
	errHalted      = errors.New("halted")
)

// Dispatcher is the send side used by the controller.
type Dispatcher interface {
	SetNotch(ctx context.Context, n int) error
	EmergencyStop(ctx context.Context) error
}

// Config tunes the timing loops.
type Config struct {
	MaxNotch          int
	PollInterval      time.Duration
	SettlePerNotch    time.Duration
	SettleCancellable bool
}

const (
	stopNone int32 = iota
	stopCancel
	stopComplete
)

// Controller drives one profile. It is single-use.
type Controller struct {
	disp  Dispatcher
	clock clock.Clock
	cfg   Config
	log   logging.Logger

	state    atomic.Int32
	notch    atomic.Int64
	settling atomic.Bool
	stopReq  atomic.Int32
	started  atomic.Bool

	// sendMu orders notch sends against the halt; once halted is set no
	// notch command follows.
	sendMu sync.Mutex
	halted bool

	mu        sync.RWMutex
	profile   Profile
	startedAt time.Time

	done    chan struct{}
	outcome Outcome

	hookMu     sync.RWMutex
	notchHooks []func(NotchChange)
	stateHooks []func(State)
}

var _ RunningState = (*Controller)(nil)

// NewController creates an idle controller.
func NewController(disp Dispatcher, clk clock.Clock, cfg Config, log logging.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logging.Noop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return &Controller{
		disp:  disp,
		clock: clk,
		cfg:   cfg,
		log:   log.With(logging.String("component", "motion")),
		done:  make(chan struct{}),
	}
}

// OnNotchChange registers a hook invoked on the profile goroutine after every
// commanded notch. Hooks must not block.
func (c *Controller) OnNotchChange(fn func(NotchChange)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.notchHooks = append(c.notchHooks, fn)
}

// OnStateChange registers a hook invoked on every state transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.stateHooks = append(c.stateHooks, fn)
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// CurrentNotch returns the last commanded notch.
func (c *Controller) CurrentNotch() int { return int(c.notch.Load()) }

// InSettlingPhase reports whether the post-change dwell is running.
func (c *Controller) InSettlingPhase() bool { return c.settling.Load() }

// Done is closed when the controller reaches a terminal state and its
// goroutine has exited.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:           c.State(),
		CurrentNotch:    c.CurrentNotch(),
		InSettlingPhase: c.InSettlingPhase(),
		Profile:         c.profile,
		StartedAt:       c.startedAt,
	}
}

// Start validates p and launches the profile goroutine. Nothing is sent for
// an invalid profile.
func (c *Controller) Start(ctx context.Context, p Profile) error {
	p = p.Resolved()
	if err := p.Validate(c.cfg.MaxNotch); err != nil {
		return err
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: controller is %s", ErrAlreadyStarted, c.State())
	}

	c.mu.Lock()
	c.profile = p
	c.startedAt = c.clock.Now()
	c.mu.Unlock()

	go c.run(ctx, p)
	return nil
}

// Wait blocks until the profile goroutine has finished and returns its outcome.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Cancel asks the profile to end at notch 0. It is a no-op once terminal.
func (c *Controller) Cancel() { c.requestStop(stopCancel) }

// Complete ends the profile like Cancel but reports OutcomeCompleted.
func (c *Controller) Complete() { c.requestStop(stopComplete) }

func (c *Controller) requestStop(kind int32) {
	if c.State().Terminal() {
		return
	}
	if !c.stopReq.CompareAndSwap(stopNone, kind) {
		return
	}
	// Never started: finish here, nothing to send.
	if c.started.CompareAndSwap(false, true) {
		outcome := Outcome{Kind: OutcomeCancelled}
		final := Cancelled
		if kind == stopComplete {
			outcome.Kind, final = OutcomeCompleted, Completed
		}
		c.setState(final)
		c.finish(outcome)
	}
}

// EmergencyStop sends the network-wide halt and moves to EmergencyStopped.
// Every call sends exactly one halt, in any state. A notch send already in
// flight completes first, so the halt goes out after at most one command
// timeout and is always the last frame the controller emits.
func (c *Controller) EmergencyStop(ctx context.Context) error {
	c.sendMu.Lock()
	c.halted = true
	err := c.disp.EmergencyStop(ctx)
	c.sendMu.Unlock()

	c.forceState(EmergencyStopped)
	c.log.Warn(ctx, "emergency stop", logging.Int("notch", c.CurrentNotch()), logging.Err(err))

	if c.started.CompareAndSwap(false, true) {
		c.finish(Outcome{Kind: OutcomeEmergencyStopped, Err: err, FinalNotch: c.CurrentNotch()})
	}
	return err
}

func (c *Controller) run(ctx context.Context, p Profile) {
	c.log.Info(ctx, "profile started",
		logging.Int("start", p.StartNotch), logging.Int("end", p.EndNotch),
		logging.String("policy", p.Policy.String()),
		logging.Any("duration", p.TotalDuration))

	var err error
	switch p.Policy {
	case Uniform:
		err = c.runUniform(ctx, p)
	default:
		err = c.runAbrupt(ctx, p)
	}
	if err == nil {
		err = c.hold(ctx)
	}

	c.finish(c.conclude(ctx, err))
}

// conclude maps the loop result to an outcome, sending the final notch 0 on a
// cooperative stop and the halt on a failure.
func (c *Controller) conclude(ctx context.Context, loopErr error) Outcome {
	if errors.Is(loopErr, errHalted) || c.State() == EmergencyStopped {
		return Outcome{Kind: OutcomeEmergencyStopped, FinalNotch: c.CurrentNotch()}
	}

	if errors.Is(loopErr, errInterrupted) {
		sendCtx := context.WithoutCancel(ctx)
		if err := c.command(sendCtx, 0); err != nil {
			if errors.Is(err, errHalted) {
				return Outcome{Kind: OutcomeEmergencyStopped, FinalNotch: c.CurrentNotch()}
			}
			return c.failsafe(sendCtx, err)
		}
		if c.stopReq.Load() == stopComplete {
			c.setState(Completed)
			c.log.Info(ctx, "profile completed")
			return Outcome{Kind: OutcomeCompleted}
		}
		c.setState(Cancelled)
		c.log.Info(ctx, "profile cancelled")
		return Outcome{Kind: OutcomeCancelled}
	}

	return c.failsafe(context.WithoutCancel(ctx), loopErr)
}

// failsafe handles a loop failure as an emergency stop and carries the cause.
func (c *Controller) failsafe(ctx context.Context, cause error) Outcome {
	c.log.Error(ctx, "profile failed, stopping", logging.Err(cause))
	if err := c.EmergencyStop(ctx); err != nil {
		cause = errors.Join(cause, err)
	}
	return Outcome{Kind: OutcomeEmergencyStopped, Err: cause, FinalNotch: c.CurrentNotch()}
}

func (c *Controller) runAbrupt(ctx context.Context, p Profile) error {
	start := c.clock.Now()
	c.setState(AcceleratingAbrupt)

	if err := c.switchNotch(ctx, p.StartNotch, AcceleratingAbrupt); err != nil {
		return err
	}
	if p.StartNotch == p.EndNotch {
		return nil
	}
	if err := c.waitUntil(ctx, start.Add(p.TotalDuration/2)); err != nil {
		return err
	}
	return c.switchNotch(ctx, p.EndNotch, AcceleratingAbrupt)
}

func (c *Controller) runUniform(ctx context.Context, p Profile) error {
	c.setState(AcceleratingUniform)

	if p.StartNotch == p.EndNotch {
		return c.switchNotch(ctx, p.StartNotch, AcceleratingUniform)
	}

	end := c.clock.Now().Add(p.TotalDuration)
	step := 1
	if p.EndNotch < p.StartNotch {
		step = -1
	}

	fs := p.StartNotch
	for remaining := p.Steps(); remaining >= 0; remaining-- {
		if err := c.switchNotch(ctx, fs, AcceleratingUniform); err != nil {
			return err
		}
		t := c.clock.Now()
		slot := end.Sub(t) / time.Duration(remaining+1)
		if err := c.waitUntil(ctx, t.Add(slot)); err != nil {
			return err
		}
		fs += step
	}
	return nil
}

// hold keeps the end notch until stopped.
func (c *Controller) hold(ctx context.Context) error {
	c.setState(Holding)
	for {
		if err := c.interrupted(ctx); err != nil {
			return err
		}
		c.clock.Sleep(c.cfg.PollInterval)
	}
}

// switchNotch commands n, then dwells for the settle time and returns to
// phase.
func (c *Controller) switchNotch(ctx context.Context, n int, phase State) error {
	if err := c.interrupted(ctx); err != nil {
		return err
	}
	if err := c.command(ctx, n); err != nil {
		return err
	}
	if err := c.settle(ctx); err != nil {
		return err
	}
	c.setState(phase)
	return nil
}

// command sends n unless the controller has been halted. The send is
// detached from ctx; a stop that arrives mid-send is seen by the next
// interruption check and still ends at notch 0. The dispatcher bounds the
// send with its own timeout.
func (c *Controller) command(ctx context.Context, n int) error {
	c.sendMu.Lock()
	if c.halted {
		c.sendMu.Unlock()
		return errHalted
	}
	err := c.disp.SetNotch(context.WithoutCancel(ctx), n)
	if err != nil {
		c.sendMu.Unlock()
		return err
	}
	prev := int(c.notch.Swap(int64(n)))
	c.sendMu.Unlock()

	change := NotchChange{Notch: n, Previous: prev, At: c.clock.Now()}
	c.hookMu.RLock()
	hooks := c.notchHooks
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(change)
	}
	return nil
}

// settle runs the post-change dwell in poll-sized slices.
func (c *Controller) settle(ctx context.Context) error {
	if c.cfg.SettlePerNotch <= 0 {
		return nil
	}

	c.settling.Store(true)
	defer c.settling.Store(false)
	c.setState(Settling)

	deadline := c.clock.Now().Add(c.cfg.SettlePerNotch)
	for {
		if c.isHalted() {
			return errHalted
		}
		if c.cfg.SettleCancellable {
			if err := c.interrupted(ctx); err != nil {
				return err
			}
		}
		now := c.clock.Now()
		if !now.Before(deadline) {
			return nil
		}
		c.clock.Sleep(min(c.cfg.PollInterval, deadline.Sub(now)))
	}
}

// waitUntil polls for a stop until deadline.
func (c *Controller) waitUntil(ctx context.Context, deadline time.Time) error {
	for {
		if err := c.interrupted(ctx); err != nil {
			return err
		}
		now := c.clock.Now()
		if !now.Before(deadline) {
			return nil
		}
		c.clock.Sleep(min(c.cfg.PollInterval, deadline.Sub(now)))
	}
}

func (c *Controller) interrupted(ctx context.Context) error {
	if c.isHalted() {
		return errHalted
	}
	if c.stopReq.Load() != stopNone || ctx.Err() != nil {
		return errInterrupted
	}
	return nil
}

func (c *Controller) isHalted() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.halted
}

// setState transitions unless already terminal.
func (c *Controller) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur).Terminal() {
			return
		}
		if cur == int32(s) {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			c.notifyState(s)
			return
		}
	}
}

// forceState enters s from any state; used by the emergency stop, which wins
// over Cancelled and Completed.
func (c *Controller) forceState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.notifyState(s)
	}
}

func (c *Controller) notifyState(s State) {
	c.hookMu.RLock()
	hooks := c.stateHooks
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}

func (c *Controller) finish(o Outcome) {
	c.outcome = o
	close(c.done)
}
