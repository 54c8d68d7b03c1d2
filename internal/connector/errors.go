package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Normalized connector errors.
var (
	ErrNotConnected = errors.New("NOT_CONNECTED")
	ErrLinkFault    = errors.New("LINK_FAULT")
	ErrInvalidRange = errors.New("INVALID_RANGE")
	ErrBusy         = errors.New("BUSY")
	ErrInternal     = errors.New("INTERNAL")
)

// LinkError wraps a transport error with its normalized code.
type LinkError struct {
	Code     error  // normalized code
	Op       string // operation that failed
	Original error  // transport error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: %v (link: %v)", e.Op, e.Code, e.Original)
}

func (e *LinkError) Unwrap() error {
	return e.Code
}

// NormalizeLinkError maps a transport error to a normalized code.
func NormalizeLinkError(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkError
	if errors.As(err, &le) {
		return err
	}
	return &LinkError{Code: classify(err), Op: op, Original: err}
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotConnected):
		return ErrNotConnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrBusy
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return ErrLinkFault
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrLinkFault
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return ErrLinkFault
	}
	return ErrInternal
}

// IsLinkFault reports whether err means the link is gone.
func IsLinkFault(err error) bool {
	return errors.Is(err, ErrLinkFault)
}
