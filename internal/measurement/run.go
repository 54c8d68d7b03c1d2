package measurement

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/dispatch"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

// Run states reported by Status and published on telemetry.
const (
	StatePreparing        = "preparing"
	StateReferencing      = "referencing"
	StateLeadIn           = "leadIn"
	StateRunning          = "running"
	StateStopping         = "stopping"
	StateCompleted        = "completed"
	StateCancelled        = "cancelled"
	StateEmergencyStopped = "emergency_stopped"
	StateFaulted          = "faulted"
	StateFailed           = "failed"
)

// Request describes one measurement run.
type Request struct {
	Locomotive string         `json:"locomotive"`
	Profile    motion.Profile `json:"profile"`
	// Hold ends the run this long after the end notch is reached. Zero holds
	// until Stop.
	Hold time.Duration `json:"hold,omitempty"`
}

// Status is a point-in-time view of a run.
type Status struct {
	ID          string              `json:"id"`
	Locomotive  string              `json:"locomotive"`
	State       string              `json:"state"`
	Motion      motion.Snapshot     `json:"motion"`
	Summary     acquisition.Summary `json:"summary"`
	ReferenceAt time.Time           `json:"referenceAt,omitempty"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     time.Time           `json:"endedAt,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Result is the final report of a run.
type Result struct {
	RunID        string              `json:"runId"`
	Locomotive   string              `json:"locomotive"`
	State        string              `json:"state"`
	Outcome      motion.Outcome      `json:"outcome"`
	Summary      acquisition.Summary `json:"summary"`
	Disconnected bool                `json:"disconnected"`
	// Fault is the connection fault that ended the run.
	Fault error `json:"-"`
	// Err is any other failure: reference timeout, acquisition fault,
	// finalize error.
	Err error `json:"-"`
}

// Terminal reports whether s is a final run state.
func Terminal(s string) bool {
	switch s {
	case StateCompleted, StateCancelled, StateEmergencyStopped, StateFaulted, StateFailed:
		return true
	}
	return false
}

// notchBacklog bounds the notch events queued for telemetry per run.
const notchBacklog = 256

type run struct {
	id         string
	locomotive string
	req        Request
	session    acquisition.Session
	span       trace.Span

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	holding     chan struct{}
	holdingOnce sync.Once

	// notches is closed by execute once motion has ended.
	notches   chan motion.NotchChange
	published chan struct{}

	// sendMu orders pre-motion sends and the motion start against the halt.
	sendMu        sync.Mutex
	halted        bool
	motionStarted bool
	disp          *dispatch.Dispatcher
	notch         int

	// ctrl is written once under both sendMu and mu.
	ctrl *motion.Controller

	mu          sync.RWMutex
	state       string
	startedAt   time.Time
	endedAt     time.Time
	referenceAt time.Time
	fault       error
	failure     error
	result      Result
}

func (r *run) setState(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if Terminal(r.state) {
		return
	}
	r.state = s
}

func (r *run) getState() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *run) isHalted() bool {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.halted
}

// markFault records the first connection fault.
func (r *run) markFault(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fault == nil {
		r.fault = err
	}
}

// markFailure records the first non-connection failure.
func (r *run) markFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = err
	}
}

func (r *run) signalHolding() {
	r.holdingOnce.Do(func() { close(r.holding) })
}

func (r *run) status() Status {
	r.mu.RLock()
	st := Status{
		ID:          r.id,
		Locomotive:  r.locomotive,
		State:       r.state,
		ReferenceAt: r.referenceAt,
		StartedAt:   r.startedAt,
		EndedAt:     r.endedAt,
	}
	switch {
	case r.fault != nil:
		st.Error = r.fault.Error()
	case r.failure != nil:
		st.Error = r.failure.Error()
	}
	ctrl := r.ctrl
	r.mu.RUnlock()

	if ctrl != nil {
		st.Motion = ctrl.Snapshot()
	}
	if r.session != nil {
		st.Summary = r.session.Summary()
	}
	return st
}
