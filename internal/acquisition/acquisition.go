// Package acquisition captures measuring-wheel pulses while a run is in
// motion and turns them into samples tagged with the commanded notch.
package acquisition

import (
	"context"
	"errors"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

var (
	// ErrReferenceTimeout is returned when no reference pulse arrives in time.
	ErrReferenceTimeout = errors.New("REFERENCE_TIMEOUT")
	// ErrSourceClosed is reported when the pulse source stops delivering.
	ErrSourceClosed = errors.New("PULSE_SOURCE_CLOSED")
	// ErrCaptureActive is returned by Start while a capture is running.
	ErrCaptureActive = errors.New("CAPTURE_ACTIVE")
	// ErrInvalidCapture is returned for a capture without running state.
	ErrInvalidCapture = errors.New("INVALID_CAPTURE")
)

// Session is the acquisition side of a measurement run.
type Session interface {
	// AwaitReference blocks until the first pulse at or after notBefore and
	// returns its timestamp.
	AwaitReference(ctx context.Context, notBefore time.Time) (time.Time, error)

	// Start begins capturing in the background.
	Start(ctx context.Context, c Capture) error

	// Finalize stops capturing and flushes buffered samples. It is safe to
	// call without a prior Start and more than once.
	Finalize(ctx context.Context) error

	// Summary returns the per-run aggregate collected so far.
	Summary() Summary

	// Faults reports errors that ended the capture early.
	Faults() <-chan error
}

// Capture describes one capture window.
type Capture struct {
	RunID      string
	Locomotive string
	// Origin is the reference pulse time; sample Elapsed is measured from it.
	Origin time.Time
	State  motion.RunningState
}

// Pulse is one measuring-wheel marker pass.
type Pulse struct {
	At time.Time
}

// Sample is a recorded pulse.
type Sample struct {
	RunID    string        `json:"runId"`
	Seq      int           `json:"seq"`
	At       time.Time     `json:"at"`
	Elapsed  time.Duration `json:"elapsed"`
	Notch    int           `json:"notch"`
	Pulse    int           `json:"pulse"`
	Interval time.Duration `json:"interval"`
	Distance float64       `json:"distance"`
	Speed    float64       `json:"speed"`
}

// NotchSpeed is the mean wheel speed observed while holding one notch.
type NotchSpeed struct {
	Notch    int           `json:"notch"`
	Pulses   int           `json:"pulses"`
	Duration time.Duration `json:"duration"`
	Distance float64       `json:"distance"`
	Speed    float64       `json:"speed"`
}

// Summary aggregates one capture.
type Summary struct {
	RunID    string        `json:"runId"`
	Samples  int           `json:"samples"`
	Skipped  int           `json:"skipped"`
	Pulses   int           `json:"pulses"`
	Distance float64       `json:"distance"`
	Duration time.Duration `json:"duration"`
	PerNotch []NotchSpeed  `json:"perNotch"`
}
