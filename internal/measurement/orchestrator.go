// Package measurement runs measurement sessions: it resolves the locomotive,
// produces the reference pulse and then drives the motion profile and the
// acquisition session together until the run ends.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/audit"
	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/config"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/dispatch"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
	"github.com/MickyRosa/VisTrain2.0/internal/observability"
	"github.com/MickyRosa/VisTrain2.0/internal/telemetry"
)

// AuditLogger writes audit records.
type AuditLogger interface {
	LogAction(ctx context.Context, action, locomotive, outcome string, latency time.Duration)
	LogControlAction(ctx context.Context, action, locomotive string, params map[string]any, outcome string, latency time.Duration)
}

// Publisher receives run events for telemetry clients.
type Publisher interface {
	PublishNotch(locomotive string, change motion.NotchChange) error
	PublishRunState(locomotive, runID, state string, extra map[string]any) error
	PublishFault(locomotive, code, message string) error
	PublishConnection(status string) error
}

// Metrics records command and run counters.
type Metrics interface {
	dispatch.Observer
	ObserveRun(outcome string)
	SetNotch(locomotive string, notch int)
}

var (
	_ AuditLogger = (*audit.Logger)(nil)
	_ Publisher   = (*telemetry.Hub)(nil)
	_ Metrics     = (*observability.Collector)(nil)
)

// Orchestrator owns at most one run at a time.
type Orchestrator struct {
	registry loco.Resolver
	station  connector.Station
	timing   *config.TimingConfig
	clock    clock.Clock
	log      logging.Logger
	audit    AuditLogger
	events   Publisher
	metrics  Metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	current *run
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for lead-in and hold timing.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithAudit records operator actions and run results.
func WithAudit(a AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithPublisher streams run events.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithMetrics records command and run counters.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the tracer for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// NewOrchestrator creates an orchestrator for the given station.
func NewOrchestrator(registry loco.Resolver, station connector.Station, timing *config.TimingConfig, opts ...Option) *Orchestrator {
	if timing == nil {
		t := config.DefaultTiming()
		timing = &t
	}
	o := &Orchestrator{
		registry: registry,
		station:  station,
		timing:   timing,
		clock:    clock.Real(),
		log:      logging.Noop(),
		metrics:  noopMetrics{},
		tracer:   observability.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logging.String("component", "measurement"))
	return o
}

// StartRun validates req and launches the run. Validation failures return
// before anything is sent: an unknown locomotive yields
// loco.ErrLocomotiveNotFound and an impossible profile
// motion.ErrInvalidProfile.
func (o *Orchestrator) StartRun(ctx context.Context, req Request, session acquisition.Session) (Status, error) {
	start := time.Now()
	req.Profile = req.Profile.Resolved()
	params := runParams(req)

	fail := func(err error) (Status, error) {
		o.logAudit(ctx, audit.ActionStartRun, req.Locomotive, params, err, time.Since(start))
		return Status{}, err
	}

	l, err := o.registry.Lookup(req.Locomotive)
	if err != nil {
		return fail(err)
	}
	if err := req.Profile.Validate(l.MaxNotch); err != nil {
		return fail(err)
	}
	if req.Hold < 0 {
		return fail(fmt.Errorf("%w: negative hold %v", motion.ErrInvalidProfile, req.Hold))
	}
	if session == nil {
		return fail(fmt.Errorf("%w: session is required", acquisition.ErrInvalidCapture))
	}
	if o.station.Status() != connector.Connected {
		return fail(fmt.Errorf("start run: %w", connector.ErrNotConnected))
	}

	o.mu.Lock()
	if o.current != nil && !o.current.finished() {
		o.mu.Unlock()
		return fail(ErrRunActive)
	}
	prev := o.current
	r := o.newRun(ctx, l, req, session)
	r.sendMu.Lock()
	o.current = r
	o.mu.Unlock()

	o.drainFaults()
	disp, err := dispatch.New(ctx, l.Name, o.registry, o.station,
		dispatch.WithLogger(o.log),
		dispatch.WithObserver(o.metrics),
		dispatch.WithTimeout(o.timing.CommandTimeout))
	if err != nil {
		r.sendMu.Unlock()
		o.mu.Lock()
		if o.current == r {
			o.current = prev
		}
		o.mu.Unlock()
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
		r.span.End()
		r.cancel()
		close(r.done)
		return fail(err)
	}

	ctrl := motion.NewController(disp, o.clock, motion.Config{
		MaxNotch:          l.MaxNotch,
		PollInterval:      o.timing.PollInterval,
		SettlePerNotch:    o.timing.SettlePerNotch,
		SettleCancellable: o.timing.SettleCancellable,
	}, o.log.With(logging.String("runId", r.id)))
	ctrl.OnNotchChange(func(c motion.NotchChange) { o.notchChanged(r, c) })
	ctrl.OnStateChange(func(s motion.State) {
		if s == motion.Holding {
			r.signalHolding()
		}
	})

	r.disp = disp
	r.mu.Lock()
	r.ctrl = ctrl
	r.mu.Unlock()
	r.sendMu.Unlock()

	o.log.Info(ctx, "run started",
		logging.String("runId", r.id),
		logging.String("locomotive", l.Name),
		logging.Int("startNotch", req.Profile.StartNotch),
		logging.Int("endNotch", req.Profile.EndNotch),
		logging.String("policy", req.Profile.Policy.String()))
	o.logAudit(ctx, audit.ActionStartRun, l.Name, params, nil, time.Since(start))
	o.publishState(r, StatePreparing, nil)

	go o.execute(r)
	return r.status(), nil
}

func (o *Orchestrator) newRun(ctx context.Context, l loco.Locomotive, req Request, session acquisition.Session) *run {
	id := uuid.NewString()
	spanCtx, span := o.tracer.Start(context.WithoutCancel(ctx), "measurement.run",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("locomotive", l.Name),
			attribute.Int("profile.start_notch", req.Profile.StartNotch),
			attribute.Int("profile.end_notch", req.Profile.EndNotch),
			attribute.String("profile.policy", req.Profile.Policy.String()),
		))
	runCtx, cancel := context.WithCancel(spanCtx)
	return &run{
		id:         id,
		locomotive: l.Name,
		req:        req,
		session:    session,
		span:       span,
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		holding:    make(chan struct{}),
		notches:    make(chan motion.NotchChange, notchBacklog),
		published:  make(chan struct{}),
		state:      StatePreparing,
		startedAt:  o.clock.Now(),
	}
}

// execute runs on its own goroutine for the lifetime of r.
func (o *Orchestrator) execute(r *run) {
	defer close(r.done)
	defer r.cancel()

	go o.publishNotches(r)

	ctx := r.ctx
	origin, err := o.prepare(ctx, r)
	if err == nil {
		err = o.startMotion(ctx, r, origin)
	}
	if err != nil {
		o.abort(ctx, r, err)
	} else {
		r.setState(StateRunning)
		o.publishState(r, StateRunning, nil)
	}

	outcome := o.supervise(r)
	close(r.notches)
	<-r.published
	o.finish(r, outcome)
}

// prepare produces the reference pulse and runs the lead-in. It returns the
// capture origin.
func (o *Orchestrator) prepare(ctx context.Context, r *run) (time.Time, error) {
	p := r.req.Profile

	if p.StartNotch == 0 {
		r.setState(StateReferencing)
		o.publishState(r, StateReferencing, nil)

		probe := 1
		if p.EndNotch < 0 {
			probe = -1
		}
		notBefore := o.clock.Now()
		if err := o.send(ctx, r, probe); err != nil {
			return time.Time{}, err
		}
		ref, err := o.awaitReference(ctx, r, notBefore)
		if sendErr := o.send(context.WithoutCancel(ctx), r, 0); err == nil {
			err = sendErr
		}
		if err != nil {
			return time.Time{}, err
		}
		o.setReference(r, ref)

		if o.timing.LeadIn > 0 {
			r.setState(StateLeadIn)
			o.publishState(r, StateLeadIn, nil)
			if err := o.pause(ctx, o.timing.LeadIn); err != nil {
				return time.Time{}, err
			}
			return o.clock.Now(), nil
		}
		return ref, nil
	}

	r.setState(StateLeadIn)
	o.publishState(r, StateLeadIn, nil)
	if err := o.send(ctx, r, p.StartNotch); err != nil {
		return time.Time{}, err
	}
	if err := o.pause(ctx, o.timing.LeadIn); err != nil {
		return time.Time{}, err
	}

	r.setState(StateReferencing)
	o.publishState(r, StateReferencing, nil)
	ref, err := o.awaitReference(ctx, r, o.clock.Now())
	if err != nil {
		return time.Time{}, err
	}
	o.setReference(r, ref)
	return ref, nil
}

func (o *Orchestrator) awaitReference(ctx context.Context, r *run, notBefore time.Time) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timing.ReferenceTimeout)
	defer cancel()
	ref, err := r.session.AwaitReference(ctx, notBefore)
	if err != nil {
		return time.Time{}, fmt.Errorf("await reference pulse: %w", err)
	}
	return ref, nil
}

func (o *Orchestrator) setReference(r *run, ref time.Time) {
	r.mu.Lock()
	r.referenceAt = ref
	r.mu.Unlock()
	r.span.AddEvent("reference pulse")
}

// startMotion starts acquisition and then the motion profile, unless the run
// was halted or stopped during preparation.
func (o *Orchestrator) startMotion(ctx context.Context, r *run, origin time.Time) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	if r.halted {
		return errHalted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.session.Start(ctx, acquisition.Capture{
		RunID:      r.id,
		Locomotive: r.locomotive,
		Origin:     origin,
		State:      r.ctrl,
	})
	if err != nil {
		return fmt.Errorf("start acquisition: %w", err)
	}
	if err := r.ctrl.Start(ctx, r.req.Profile); err != nil {
		return fmt.Errorf("start motion: %w", err)
	}
	r.motionStarted = true
	return nil
}

// abort ends a run that never reached motion. The controller is moved to a
// terminal state so that supervise returns at once.
func (o *Orchestrator) abort(ctx context.Context, r *run, cause error) {
	if r.isHalted() {
		return
	}

	o.log.Warn(ctx, "run aborted before motion", logging.String("runId", r.id), logging.Err(cause))
	switch {
	case isConnectionFault(cause):
		r.markFault(cause)
	case ctx.Err() == nil:
		r.markFailure(cause)
	}

	r.sendMu.Lock()
	moving := r.notch != 0
	r.sendMu.Unlock()
	if moving {
		if err := o.send(context.WithoutCancel(ctx), r, 0); err != nil && !errors.Is(err, errHalted) {
			o.log.Warn(ctx, "failed to return to notch 0", logging.Err(err))
		}
	}
	r.ctrl.Cancel()
}

// supervise joins the motion task with the fault and hold watchers.
func (o *Orchestrator) supervise(r *run) motion.Outcome {
	var (
		g          errgroup.Group
		outcome    motion.Outcome
		motionDone = make(chan struct{})
	)
	g.Go(func() error {
		defer close(motionDone)
		out, err := r.ctrl.Wait(context.Background())
		outcome = out
		return err
	})
	g.Go(func() error {
		o.watch(&g, r, motionDone)
		return nil
	})
	if err := g.Wait(); err != nil {
		o.log.Error(r.ctx, "run supervision failed", logging.Err(err))
	}
	return outcome
}

func (o *Orchestrator) watch(g *errgroup.Group, r *run, motionDone <-chan struct{}) {
	stationFaults := o.station.Faults()
	sessionFaults := r.session.Faults()
	holding := r.holding

	for {
		select {
		case <-motionDone:
			return

		case err := <-stationFaults:
			stationFaults = nil
			o.log.Error(r.ctx, "connection fault during run", logging.String("runId", r.id), logging.Err(err))
			r.markFault(err)
			o.publishFault(r, err)
			r.setState(StateStopping)
			r.ctrl.Cancel()

		case err := <-sessionFaults:
			sessionFaults = nil
			o.log.Error(r.ctx, "acquisition fault during run", logging.String("runId", r.id), logging.Err(err))
			r.markFailure(fmt.Errorf("acquisition: %w", err))
			o.publishFault(r, err)
			r.setState(StateStopping)
			r.ctrl.Cancel()

		case <-holding:
			holding = nil
			if r.req.Hold > 0 {
				g.Go(func() error {
					o.holdFor(r, motionDone)
					return nil
				})
			}
		}
	}
}

// holdFor completes the run once the end notch has been held for the
// requested time.
func (o *Orchestrator) holdFor(r *run, motionDone <-chan struct{}) {
	deadline := o.clock.Now().Add(r.req.Hold)
	for {
		select {
		case <-motionDone:
			return
		default:
		}
		now := o.clock.Now()
		if !now.Before(deadline) {
			r.ctrl.Complete()
			return
		}
		o.clock.Sleep(min(o.poll(), deadline.Sub(now)))
	}
}

// finish flushes acquisition, disconnects after a connection fault and
// reports the result.
func (o *Orchestrator) finish(r *run, outcome motion.Outcome) {
	ctx := context.WithoutCancel(r.ctx)
	if !r.isHalted() {
		r.setState(StateStopping)
	}

	fctx, cancel := context.WithTimeout(ctx, o.timing.StopTimeout)
	if err := r.session.Finalize(fctx); err != nil {
		r.markFailure(err)
	}
	cancel()

	r.sendMu.Lock()
	halted := r.halted
	r.sendMu.Unlock()

	r.mu.RLock()
	fault, failure := r.fault, r.failure
	r.mu.RUnlock()
	if fault == nil && outcome.Err != nil && isConnectionFault(outcome.Err) {
		fault = outcome.Err
	}
	if failure == nil && fault == nil && outcome.Err != nil {
		failure = outcome.Err
	}

	var state string
	switch {
	case fault != nil:
		state = StateFaulted
	case halted || outcome.Kind == motion.OutcomeEmergencyStopped:
		state = StateEmergencyStopped
	case failure != nil:
		state = StateFailed
	case outcome.Kind == motion.OutcomeCancelled:
		state = StateCancelled
	default:
		state = StateCompleted
	}

	disconnected := false
	if fault != nil {
		disconnected = o.disconnectAfterFault(ctx, r)
	}

	sum := r.session.Summary()
	result := Result{
		RunID:        r.id,
		Locomotive:   r.locomotive,
		State:        state,
		Outcome:      outcome,
		Summary:      sum,
		Disconnected: disconnected,
		Fault:        fault,
		Err:          failure,
	}

	r.mu.Lock()
	r.state = state
	r.fault, r.failure = fault, failure
	r.endedAt = o.clock.Now()
	r.result = result
	elapsed := r.endedAt.Sub(r.startedAt)
	r.mu.Unlock()

	o.metrics.ObserveRun(state)
	o.metrics.SetNotch(r.locomotive, outcome.FinalNotch)

	extra := map[string]any{
		"summary":      sum,
		"finalNotch":   outcome.FinalNotch,
		"disconnected": disconnected,
	}
	resultErr := errors.Join(fault, failure)
	if resultErr != nil {
		extra["error"] = resultErr.Error()
	}
	o.publishState(r, state, extra)
	o.logAudit(ctx, audit.ActionRunEnded, r.locomotive, map[string]any{
		"runId":   r.id,
		"state":   state,
		"samples": sum.Samples,
	}, resultErr, elapsed)

	r.span.SetAttributes(
		attribute.String("run.state", state),
		attribute.Int("run.samples", sum.Samples),
		attribute.Int("run.pulses", sum.Pulses))
	if resultErr != nil {
		r.span.RecordError(resultErr)
		r.span.SetStatus(codes.Error, resultErr.Error())
	}
	r.span.End()

	o.log.Info(ctx, "run ended",
		logging.String("runId", r.id),
		logging.String("state", state),
		logging.Int("samples", sum.Samples),
		logging.Int("skipped", sum.Skipped),
		logging.Err(resultErr))
}

func (o *Orchestrator) disconnectAfterFault(ctx context.Context, r *run) bool {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, o.timing.StopTimeout)
	defer cancel()

	err := o.station.Disconnect(dctx)
	if err != nil {
		o.log.Error(ctx, "disconnect after fault failed", logging.Err(err))
	}
	o.logAudit(ctx, audit.ActionDisconnect, r.locomotive, map[string]any{"runId": r.id}, err, time.Since(start))
	o.publishConnection()
	return err == nil
}

// Stop cancels the current run and waits until motion has stopped and the
// session has been finalized.
func (o *Orchestrator) Stop(ctx context.Context) error {
	start := time.Now()
	r := o.active()
	if r == nil {
		o.logAudit(ctx, audit.ActionStopRun, "", nil, ErrNoActiveRun, time.Since(start))
		return ErrNoActiveRun
	}

	r.setState(StateStopping)
	r.cancel()
	r.sendMu.Lock()
	started := r.motionStarted
	r.sendMu.Unlock()
	if started {
		r.ctrl.Cancel()
	}

	params := map[string]any{"runId": r.id}
	select {
	case <-r.done:
	case <-ctx.Done():
		err := fmt.Errorf("run did not stop: %w", ctx.Err())
		o.logAudit(ctx, audit.ActionStopRun, r.locomotive, params, err, time.Since(start))
		return err
	}
	o.logAudit(ctx, audit.ActionStopRun, r.locomotive, params, nil, time.Since(start))
	return nil
}

// EmergencyStop sends exactly one network-wide halt per call, with or
// without a run in progress.
func (o *Orchestrator) EmergencyStop(ctx context.Context) error {
	start := time.Now()
	r := o.active()

	var (
		err        error
		locomotive string
		runID      string
	)
	if r == nil {
		err = o.haltStation(ctx)
	} else {
		locomotive, runID = r.locomotive, r.id
		err = o.haltRun(ctx, r)
	}

	o.log.Warn(ctx, "emergency stop",
		logging.String("locomotive", locomotive),
		logging.String("runId", runID),
		logging.Err(err))
	o.logAudit(ctx, audit.ActionEmergencyStop, locomotive, nil, err, time.Since(start))
	if o.events != nil {
		_ = o.events.PublishRunState(locomotive, runID, StateEmergencyStopped, nil)
	}
	return err
}

func (o *Orchestrator) haltRun(ctx context.Context, r *run) error {
	r.sendMu.Lock()
	r.halted = true
	r.mu.RLock()
	ctrl := r.ctrl
	r.mu.RUnlock()

	var err error
	if ctrl != nil {
		err = ctrl.EmergencyStop(ctx)
	} else {
		err = o.haltStation(ctx)
	}
	r.sendMu.Unlock()

	r.setState(StateEmergencyStopped)
	r.cancel()
	return err
}

func (o *Orchestrator) haltStation(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timing.CommandTimeout)
	defer cancel()

	err := o.station.Panic(ctx)
	o.metrics.ObserveCommand(dispatch.KindPanic, err)
	if err != nil {
		return fmt.Errorf("emergency stop: %w", err)
	}
	return nil
}

// Connect opens the link to the command station.
func (o *Orchestrator) Connect(ctx context.Context) error {
	start := time.Now()
	err := o.station.Connect(ctx)
	if err != nil {
		o.log.Error(ctx, "connect failed", logging.Err(err))
	} else {
		o.log.Info(ctx, "station connected")
	}
	o.logAudit(ctx, audit.ActionConnect, "", nil, err, time.Since(start))
	o.publishConnection()
	return err
}

// Disconnect closes the link. It is refused while a run is in progress.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	start := time.Now()
	if o.active() != nil {
		o.logAudit(ctx, audit.ActionDisconnect, "", nil, ErrRunActive, time.Since(start))
		return ErrRunActive
	}
	err := o.station.Disconnect(ctx)
	o.logAudit(ctx, audit.ActionDisconnect, "", nil, err, time.Since(start))
	o.publishConnection()
	return err
}

// ConnectionStatus returns the station link state.
func (o *Orchestrator) ConnectionStatus() connector.Status {
	return o.station.Status()
}

// Current returns the status of the running or most recent run.
func (o *Orchestrator) Current() (Status, bool) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return Status{}, false
	}
	return r.status(), true
}

// Wait blocks until the running or most recent run has ended.
func (o *Orchestrator) Wait(ctx context.Context) (Result, error) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return Result{}, ErrNoActiveRun
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result, nil
}

// Snapshot is the telemetry ready-event payload.
func (o *Orchestrator) Snapshot() map[string]any {
	snap := map[string]any{"connection": o.station.Status().String()}
	if st, ok := o.Current(); ok {
		snap["run"] = st
	}
	return snap
}

func (o *Orchestrator) active() *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.finished() {
		return nil
	}
	return o.current
}

// send commands n outside the motion profile. Nothing is sent once the run
// has been halted.
func (o *Orchestrator) send(ctx context.Context, r *run, n int) error {
	r.sendMu.Lock()
	if r.halted {
		r.sendMu.Unlock()
		return errHalted
	}
	err := r.disp.SetNotch(context.WithoutCancel(ctx), n)
	prev := r.notch
	if err == nil {
		r.notch = n
	}
	r.sendMu.Unlock()

	if err != nil {
		return err
	}
	o.notchChanged(r, motion.NotchChange{Notch: n, Previous: prev, At: o.clock.Now()})
	return nil
}

// pause sleeps d in poll-sized slices and returns early on cancellation.
func (o *Orchestrator) pause(ctx context.Context, d time.Duration) error {
	deadline := o.clock.Now().Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := o.clock.Now()
		if !now.Before(deadline) {
			return nil
		}
		o.clock.Sleep(min(o.poll(), deadline.Sub(now)))
	}
}

func (o *Orchestrator) poll() time.Duration {
	if o.timing.PollInterval > 0 {
		return o.timing.PollInterval
	}
	return 5 * time.Millisecond
}

// drainFaults discards link faults reported while no run was active.
func (o *Orchestrator) drainFaults() {
	faults := o.station.Faults()
	for {
		select {
		case <-faults:
		default:
			return
		}
	}
}

// notchChanged runs on the motion goroutine. Telemetry is queued for
// publishNotches and dropped when the backlog is full.
func (o *Orchestrator) notchChanged(r *run, c motion.NotchChange) {
	o.metrics.SetNotch(r.locomotive, c.Notch)
	if o.events == nil {
		return
	}
	select {
	case r.notches <- c:
	default:
		o.log.Warn(r.ctx, "notch event dropped, telemetry backlog full",
			logging.String("runId", r.id),
			logging.Int("notch", c.Notch))
	}
}

// publishNotches forwards queued notch events until the run closes the queue.
func (o *Orchestrator) publishNotches(r *run) {
	defer close(r.published)
	for c := range r.notches {
		_ = o.events.PublishNotch(r.locomotive, c)
	}
}

func (o *Orchestrator) publishState(r *run, state string, extra map[string]any) {
	if o.events != nil {
		_ = o.events.PublishRunState(r.locomotive, r.id, state, extra)
	}
}

func (o *Orchestrator) publishFault(r *run, err error) {
	if o.events != nil {
		_ = o.events.PublishFault(r.locomotive, Code(err), err.Error())
	}
}

func (o *Orchestrator) publishConnection() {
	if o.events != nil {
		_ = o.events.PublishConnection(o.station.Status().String())
	}
}

// logAudit writes an audit record classified by err.
func (o *Orchestrator) logAudit(ctx context.Context, action, locomotive string, params map[string]any, err error, latency time.Duration) {
	if o.audit == nil {
		return
	}
	o.audit.LogControlAction(ctx, action, locomotive, params, Code(err), latency)
}

func runParams(req Request) map[string]any {
	params := map[string]any{
		"startNotch":      req.Profile.StartNotch,
		"endNotch":        req.Profile.EndNotch,
		"policy":          req.Profile.Policy.String(),
		"totalDurationMs": req.Profile.TotalDuration.Milliseconds(),
	}
	if req.Hold > 0 {
		params["holdMs"] = req.Hold.Milliseconds()
	}
	return params
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommand(string, error) {}
func (noopMetrics) ObserveRun(string)            {}
func (noopMetrics) SetNotch(string, int)         {}
