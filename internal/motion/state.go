package motion

import (
	"encoding/json"
	"time"
)

// State of a Controller.
type State int32

const (
	Idle State = iota
	AcceleratingAbrupt
	AcceleratingUniform
	Settling
	Holding
	EmergencyStopped
	Cancelled
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AcceleratingAbrupt:
		return "accelerating_abrupt"
	case AcceleratingUniform:
		return "accelerating_uniform"
	case Settling:
		return "settling"
	case Holding:
		return "holding"
	case EmergencyStopped:
		return "emergency_stopped"
	case Cancelled:
		return "cancelled"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == EmergencyStopped || s == Cancelled || s == Completed
}

// OutcomeKind classifies how a motion task ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeCancelled
	OutcomeEmergencyStopped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeEmergencyStopped:
		return "emergency_stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the outcome name.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Outcome is the result of a motion task. Err is set when a send failed and
// the controller fell back to an emergency stop.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	Err        error       `json:"-"`
	FinalNotch int         `json:"finalNotch"`
}

// NotchChange is delivered to hooks after every commanded notch.
type NotchChange struct {
	Notch    int
	Previous int
	At       time.Time
}

// RunningState is the read-only view shared with acquisition.
type RunningState interface {
	CurrentNotch() int
	InSettlingPhase() bool
}

// Snapshot is a consistent-enough view for status endpoints.
type Snapshot struct {
	State           State     `json:"state"`
	CurrentNotch    int       `json:"currentNotch"`
	InSettlingPhase bool      `json:"inSettlingPhase"`
	Profile         Profile   `json:"profile"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
}
