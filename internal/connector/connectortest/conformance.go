// Package connectortest checks that a connector.Station implementation
// behaves the way the dispatcher and the orchestrator rely on: idempotent
// connect, range and link-state errors from the shared sentinel set, and a
// halt that is accepted while connected.
package connectortest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MickyRosa/VisTrain2.0/internal/connector"
)

// Factory returns a fresh station. Stations may start connected or not;
// the suite connects them itself. Cleanup is registered by the factory.
type Factory func(t *testing.T) connector.Station

// CommandBudget bounds a single command on a healthy link.
const CommandBudget = 250 * time.Millisecond

// RunConformance runs the complete suite against stations from newStation.
func RunConformance(t *testing.T, newStation Factory) {
	t.Run("ConnectIsIdempotent", func(t *testing.T) {
		s := connected(t, newStation)
		require.NoError(t, s.Connect(context.Background()))
		assert.Equal(t, connector.Connected, s.Status())
	})

	t.Run("DrivesWhenConnected", func(t *testing.T) {
		s := connected(t, newStation)
		ctx := context.Background()

		timed(t, "power on", func() error { return s.PowerOn(ctx) })
		timed(t, "forward", func() error { return s.SetNotch(ctx, 3, 5, connector.Forward) })
		timed(t, "reverse", func() error { return s.SetNotch(ctx, 3, 2, connector.Reverse) })
		timed(t, "rest", func() error { return s.SetNotch(ctx, 3, 0, connector.Forward) })
	})

	t.Run("RejectsOutOfRange", func(t *testing.T) {
		s := connected(t, newStation)

		err := s.SetNotch(context.Background(), 3, -1, connector.Forward)
		assert.ErrorIs(t, err, connector.ErrInvalidRange)
		err = s.SetNotch(context.Background(), -1, 1, connector.Forward)
		assert.ErrorIs(t, err, connector.ErrInvalidRange)
		assert.Equal(t, connector.Connected, s.Status(), "a range error must not drop the link")
	})

	t.Run("RefusesCommandsWhenDisconnected", func(t *testing.T) {
		s := connected(t, newStation)
		require.NoError(t, s.Disconnect(context.Background()))
		assert.Equal(t, connector.Disconnected, s.Status())

		assert.ErrorIs(t, s.PowerOn(context.Background()), connector.ErrNotConnected)
		assert.ErrorIs(t, s.SetNotch(context.Background(), 3, 1, connector.Forward), connector.ErrNotConnected)
	})

	t.Run("Reconnects", func(t *testing.T) {
		s := connected(t, newStation)
		require.NoError(t, s.Disconnect(context.Background()))
		require.NoError(t, s.Connect(context.Background()))

		assert.Equal(t, connector.Connected, s.Status())
		assert.NoError(t, s.PowerOn(context.Background()))
	})

	t.Run("PanicWhileConnected", func(t *testing.T) {
		s := connected(t, newStation)
		ctx := context.Background()
		require.NoError(t, s.PowerOn(ctx))
		require.NoError(t, s.SetNotch(ctx, 3, 4, connector.Forward))

		timed(t, "panic", func() error { return s.Panic(ctx) })
		assert.Equal(t, connector.Connected, s.Status(), "a halt must not drop the link")
	})

	t.Run("NoFaultsOnHealthyLink", func(t *testing.T) {
		s := connected(t, newStation)
		require.NoError(t, s.PowerOn(context.Background()))
		select {
		case err := <-s.Faults():
			t.Fatalf("unexpected fault: %v", err)
		case <-time.After(20 * time.Millisecond):
		}
	})
}

func connected(t *testing.T, newStation Factory) connector.Station {
	t.Helper()
	s := newStation(t)
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, connector.Connected, s.Status())
	return s
}

func timed(t *testing.T, name string, fn func() error) {
	t.Helper()
	start := time.Now()
	require.NoError(t, fn(), name)
	assert.Less(t, time.Since(start), CommandBudget, "%s took too long", name)
}
