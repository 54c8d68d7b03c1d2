package rmx

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/MickyRosa/VisTrain2.0/internal/serialport"
)

// Dialer opens a link to the command station.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// SerialDialer opens the station's serial interface.
func SerialDialer(cfg serialport.Config) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		port, err := serialport.Open(cfg)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// TCPDialer connects to a network-attached station interface.
func TCPDialer(address string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", address, err)
		}
		return conn, nil
	}
}
