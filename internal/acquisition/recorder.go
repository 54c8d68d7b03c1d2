package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

// Observer is notified for every recorded sample.
type Observer interface {
	ObserveSample(s Sample)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// WithObserver sets a sample observer.
func WithObserver(o Observer) Option {
	return func(r *Recorder) { r.observer = o }
}

// WithWheel sets the measuring wheel circumference in metres and the number
// of markers per revolution.
func WithWheel(circumference float64, markers int) Option {
	return func(r *Recorder) {
		if circumference > 0 && markers > 0 {
			r.metersPerPulse = circumference / float64(markers)
		}
	}
}

// Recorder is a Session over a PulseSource. Pulses that arrive while the
// motion side reports a settling phase are counted but not recorded.
type Recorder struct {
	source         PulseSource
	sink           Sink
	log            logging.Logger
	observer       Observer
	metersPerPulse float64
	faults         chan error

	mu        sync.Mutex
	capture   Capture
	running   bool
	finalized bool
	stop      chan struct{}
	done      chan struct{}
	seq       int
	pulses    int
	skipped   int
	lastAt    time.Time
	perNotch  map[int]*NotchSpeed
}

var _ Session = (*Recorder)(nil)

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(source PulseSource, sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		source:         source,
		sink:           sink,
		log:            logging.Noop(),
		metersPerPulse: 1,
		faults:         make(chan error, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AwaitReference implements Session. A context deadline maps to
// ErrReferenceTimeout.
func (r *Recorder) AwaitReference(ctx context.Context, notBefore time.Time) (time.Time, error) {
	pulses := r.source.Pulses()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return time.Time{}, ErrReferenceTimeout
			}
			return time.Time{}, ctx.Err()
		case p, ok := <-pulses:
			if !ok {
				return time.Time{}, ErrSourceClosed
			}
			if p.At.Before(notBefore) {
				continue
			}
			return p.At, nil
		}
	}
}

// Start implements Session.
func (r *Recorder) Start(ctx context.Context, c Capture) error {
	if c.State == nil {
		return fmt.Errorf("%w: running state is required", ErrInvalidCapture)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrCaptureActive
	}

	r.capture = c
	r.running = true
	r.finalized = false
	r.seq, r.pulses, r.skipped = 0, 0, 0
	r.lastAt = c.Origin
	r.perNotch = make(map[int]*NotchSpeed)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	r.log.Info(ctx, "capture started",
		logging.String("runId", c.RunID),
		logging.String("locomotive", c.Locomotive))

	go r.loop(context.WithoutCancel(ctx), c, r.stop, r.done)
	return nil
}

func (r *Recorder) loop(ctx context.Context, c Capture, stop, done chan struct{}) {
	defer close(done)

	pulses := r.source.Pulses()
	for {
		select {
		case <-stop:
			return
		case p, ok := <-pulses:
			if !ok {
				r.fault(ctx, ErrSourceClosed)
				return
			}
			if err := r.record(ctx, c, p); err != nil {
				r.fault(ctx, err)
				return
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, c Capture, p Pulse) error {
	r.mu.Lock()
	r.pulses++
	interval := p.At.Sub(r.lastAt)
	r.lastAt = p.At
	if c.State.InSettlingPhase() {
		r.skipped++
		r.mu.Unlock()
		return nil
	}

	r.seq++
	s := Sample{
		RunID:    c.RunID,
		Seq:      r.seq,
		At:       p.At,
		Elapsed:  p.At.Sub(c.Origin),
		Notch:    c.State.CurrentNotch(),
		Pulse:    r.pulses,
		Interval: interval,
		Distance: float64(r.pulses) * r.metersPerPulse,
	}
	if interval > 0 {
		s.Speed = r.metersPerPulse / interval.Seconds()
	}

	ns, ok := r.perNotch[s.Notch]
	if !ok {
		ns = &NotchSpeed{Notch: s.Notch}
		r.perNotch[s.Notch] = ns
	}
	ns.Pulses++
	ns.Duration += interval
	ns.Distance += r.metersPerPulse
	r.mu.Unlock()

	if err := r.sink.Write(ctx, s); err != nil {
		return fmt.Errorf("failed to write sample %d: %w", s.Seq, err)
	}
	if r.observer != nil {
		r.observer.ObserveSample(s)
	}
	return nil
}

func (r *Recorder) fault(ctx context.Context, err error) {
	r.log.Error(ctx, "capture aborted", logging.Err(err))
	select {
	case r.faults <- err:
	default:
	}
}

// Finalize implements Session.
func (r *Recorder) Finalize(ctx context.Context) error {
	r.mu.Lock()
	if !r.running || r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.finalized = true
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("capture did not stop: %w", ctx.Err())
	}

	sum := r.Summary()
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	if err := r.sink.Flush(ctx, sum); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	r.log.Info(ctx, "capture finalized",
		logging.String("runId", sum.RunID),
		logging.Int("samples", sum.Samples),
		logging.Int("skipped", sum.Skipped))
	return nil
}

// Summary implements Session.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := Summary{
		RunID:    r.capture.RunID,
		Samples:  r.seq,
		Skipped:  r.skipped,
		Pulses:   r.pulses,
		Distance: float64(r.pulses) * r.metersPerPulse,
	}
	if r.pulses > 0 {
		sum.Duration = r.lastAt.Sub(r.capture.Origin)
	}
	for _, ns := range r.perNotch {
		v := *ns
		if v.Duration > 0 {
			v.Speed = v.Distance / v.Duration.Seconds()
		}
		sum.PerNotch = append(sum.PerNotch, v)
	}
	sort.Slice(sum.PerNotch, func(i, j int) bool { return sum.PerNotch[i].Notch < sum.PerNotch[j].Notch })
	return sum
}

// Faults implements Session.
func (r *Recorder) Faults() <-chan error { return r.faults }
