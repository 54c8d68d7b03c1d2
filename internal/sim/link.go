package sim

import (
	"io"
	"sync"

	"github.com/MickyRosa/VisTrain2.0/internal/connector/rmx"
)

// link is the in-process side of the station interface. Writes are decoded
// as RMX frames; reads block until the link closes.
type link struct {
	stand *Stand

	mu     sync.Mutex
	dec    rmx.Decoder
	closed chan struct{}
	err    error
}

func newLink(s *Stand) *link {
	return &link{stand: s, closed: make(chan struct{})}
}

func (l *link) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	l.dec.Feed(p)
	var frames []rmx.Frame
	for {
		f, ok := l.dec.Next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	l.mu.Unlock()

	for _, f := range frames {
		l.stand.handle(f)
	}
	return len(p), nil
}

func (l *link) Read(p []byte) (int, error) {
	<-l.closed
	l.mu.Lock()
	defer l.mu.Unlock()
	return 0, l.err
}

// Close is called by the station side on Disconnect.
func (l *link) Close() error {
	l.close(io.EOF)
	return nil
}

func (l *link) close(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	l.err = err
	close(l.closed)
}
