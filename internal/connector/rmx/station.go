package rmx

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

// Station is a connector.Station over an RMX link.
type Station struct {
	connector.Base

	dial Dialer
	log  logging.Logger

	// mu serializes writes and guards link.
	mu       sync.Mutex
	link     io.ReadWriteCloser
	readDone chan struct{}

	// OnFrame, when set, receives every frame read from the station.
	OnFrame func(Frame)
}

var _ connector.Station = (*Station)(nil)

// NewStation creates a disconnected station that opens links with dial.
func NewStation(dial Dialer, log logging.Logger) *Station {
	if log == nil {
		log = logging.Noop()
	}
	return &Station{dial: dial, log: log.With(logging.String("component", "rmx"))}
}

// Connect opens the link and starts the receive loop.
func (s *Station) Connect(ctx context.Context) error {
	if !s.CompareAndSetStatus(connector.Disconnected, connector.Connecting) {
		if s.Status() == connector.Connected {
			return nil
		}
		return fmt.Errorf("connect: %w: link is %s", connector.ErrBusy, s.Status())
	}

	link, err := s.dial(ctx)
	if err != nil {
		s.SetStatus(connector.Disconnected)
		return connector.NormalizeLinkError("connect", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.link = link
	s.readDone = done
	s.mu.Unlock()

	s.SetStatus(connector.Connected)
	go s.readLoop(link, done)

	s.log.Info(ctx, "command station connected")
	return nil
}

// Disconnect closes the link and waits for the receive loop to exit.
func (s *Station) Disconnect(ctx context.Context) error {
	s.SetStatus(connector.Disconnecting)

	s.mu.Lock()
	link, done := s.link, s.readDone
	s.link, s.readDone = nil, nil
	s.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	s.SetStatus(connector.Disconnected)
	s.log.Info(ctx, "command station disconnected")
	if err != nil {
		return connector.NormalizeLinkError("disconnect", err)
	}
	return nil
}

// PowerOn switches track power on.
func (s *Station) PowerOn(ctx context.Context) error {
	return s.send(ctx, "power on", PowerFrame(true), false)
}

// SetNotch sends a drive frame for address.
func (s *Station) SetNotch(ctx context.Context, address, magnitude int, dir connector.Direction) error {
	f, err := DriveFrame(address, magnitude, dir == connector.Reverse)
	if err != nil {
		return fmt.Errorf("set notch: %w: %v", connector.ErrInvalidRange, err)
	}
	return s.send(ctx, "set notch", f, false)
}

// Panic switches track power off, which stops every locomotive on the
// network. It is written whenever a link exists, whatever the status.
func (s *Station) Panic(ctx context.Context) error {
	return s.send(ctx, "panic", PowerFrame(false), true)
}

func (s *Station) send(ctx context.Context, op string, f Frame, anyStatus bool) error {
	select {
	case <-ctx.Done():
		return connector.NormalizeLinkError(op, ctx.Err())
	default:
	}

	if !anyStatus && s.Status() != connector.Connected {
		return fmt.Errorf("%s: %w", op, connector.ErrNotConnected)
	}

	raw, err := f.Encode()
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, connector.ErrInternal, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		return fmt.Errorf("%s: %w", op, connector.ErrNotConnected)
	}
	if _, err := s.link.Write(raw); err != nil {
		nerr := connector.NormalizeLinkError(op, err)
		s.fault(ctx, nerr)
		return nerr
	}
	return nil
}

// fault marks the link dead. Caller holds s.mu.
func (s *Station) fault(ctx context.Context, err error) {
	if s.Status() == connector.Disconnecting {
		return
	}
	s.SetStatus(connector.Disconnected)
	s.log.Error(ctx, "command station link fault", logging.Err(err))
	s.ReportFault(err)
}

func (s *Station) readLoop(link io.ReadWriteCloser, done chan struct{}) {
	defer close(done)

	var dec Decoder
	buf := make([]byte, 256)
	for {
		n, err := link.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, ok := dec.Next()
				if !ok {
					break
				}
				if s.OnFrame != nil {
					s.OnFrame(f)
				}
			}
		}
		if err != nil {
			// A link that Disconnect already detached is closing on purpose.
			s.mu.Lock()
			if s.link == link {
				s.link = nil
				_ = link.Close()
				s.fault(context.Background(), connector.NormalizeLinkError("read", err))
			}
			s.mu.Unlock()
			return
		}
	}
}
