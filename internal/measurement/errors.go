package measurement

import (
	"context"
	"errors"

	"github.com/MickyRosa/VisTrain2.0/internal/acquisition"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

var (
	// ErrRunActive is returned by StartRun while another run is in progress.
	ErrRunActive = errors.New("RUN_ACTIVE")
	// ErrNoActiveRun is returned by Stop and Wait when there is no run.
	ErrNoActiveRun = errors.New("NO_ACTIVE_RUN")

	errHalted = errors.New("halted")
)

// Result codes shared by the audit trail and the API.
const (
	CodeSuccess      = "SUCCESS"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidRange = "INVALID_RANGE"
	CodeBusy         = "BUSY"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL"
)

// Code classifies err into one of the result codes.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, loco.ErrLocomotiveNotFound), errors.Is(err, ErrNoActiveRun):
		return CodeNotFound
	case errors.Is(err, motion.ErrInvalidProfile),
		errors.Is(err, connector.ErrInvalidRange),
		errors.Is(err, loco.ErrInvalidLocomotive):
		return CodeInvalidRange
	case errors.Is(err, ErrRunActive),
		errors.Is(err, connector.ErrBusy),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeBusy
	case errors.Is(err, connector.ErrNotConnected),
		errors.Is(err, connector.ErrLinkFault),
		errors.Is(err, acquisition.ErrReferenceTimeout),
		errors.Is(err, acquisition.ErrSourceClosed):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// isConnectionFault reports whether err means the station link is gone.
func isConnectionFault(err error) bool {
	return connector.IsLinkFault(err) || errors.Is(err, connector.ErrNotConnected)
}
