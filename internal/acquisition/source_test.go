package acquisition

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
)

func TestChanSourceDropsWhenFull(t *testing.T) {
	src := NewChanSource(1)
	assert.True(t, src.Emit(Pulse{At: t0}))
	assert.False(t, src.Emit(Pulse{At: t0}))

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.False(t, src.Emit(Pulse{At: t0}))
}

func TestReaderSourceOnePulsePerByte(t *testing.T) {
	pr, pw := io.Pipe()
	clk := clock.NewStepper(t0)
	src := NewReaderSource(pr, clk, logging.Noop())

	go func() {
		_, _ = pw.Write([]byte{0x01, 0x01, 0x01})
	}()

	for i := 0; i < 3; i++ {
		select {
		case p := <-src.Pulses():
			assert.Equal(t, t0, p.At)
		case <-time.After(time.Second):
			t.Fatalf("pulse %d not delivered", i)
		}
	}

	require.NoError(t, src.Close())
	_ = pw.Close()

	select {
	case _, ok := <-src.Pulses():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pulse channel not closed")
	}
}
