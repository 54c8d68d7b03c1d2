package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MickyRosa/VisTrain2.0/internal/clock"
	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/connector/rmx"
)

func connectedStand(t *testing.T, cfg Config) (*Stand, *rmx.Station) {
	t.Helper()
	stand := New(cfg, clock.NewStepper(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), nil)
	station := rmx.NewStation(stand.Dialer(), nil)
	require.NoError(t, station.Connect(context.Background()))
	t.Cleanup(func() {
		_ = station.Disconnect(context.Background())
		_ = stand.Close()
	})
	return stand, station
}

func TestStandTracksCommands(t *testing.T) {
	stand, station := connectedStand(t, Config{})
	ctx := context.Background()

	require.NoError(t, station.PowerOn(ctx))
	require.NoError(t, station.SetNotch(ctx, 3, 5, connector.Forward))
	require.NoError(t, station.SetNotch(ctx, 7, 2, connector.Reverse))

	assert.True(t, stand.Power())
	assert.Equal(t, 5, stand.Notch(3))
	assert.Equal(t, -2, stand.Notch(7))
	assert.Equal(t, 3, stand.Frames())

	require.NoError(t, station.Panic(ctx))
	assert.False(t, stand.Power())
	assert.Zero(t, stand.Notch(3))
	assert.Zero(t, stand.Notch(7))
}

func TestWheelRateFollowsNotch(t *testing.T) {
	stand, station := connectedStand(t, Config{PulsesPerNotch: 10})
	ctx := context.Background()

	assert.Zero(t, stand.advance(time.Second), "wheel turned without power")

	require.NoError(t, station.PowerOn(ctx))
	require.NoError(t, station.SetNotch(ctx, 3, 2, connector.Forward))
	assert.Equal(t, 20, stand.advance(time.Second))

	require.NoError(t, station.SetNotch(ctx, 3, 4, connector.Reverse))
	assert.Equal(t, 40, stand.advance(time.Second))

	// Fractional pulses carry over between ticks.
	require.NoError(t, station.SetNotch(ctx, 3, 1, connector.Forward))
	assert.Equal(t, 2, stand.advance(250*time.Millisecond))
	assert.Equal(t, 3, stand.advance(250*time.Millisecond))

	require.NoError(t, station.SetNotch(ctx, 3, 0, connector.Forward))
	assert.Zero(t, stand.advance(time.Second))
}

func TestWheelFollowsPlacedLocomotive(t *testing.T) {
	stand, station := connectedStand(t, Config{PulsesPerNotch: 1})
	ctx := context.Background()

	require.NoError(t, station.PowerOn(ctx))
	require.NoError(t, station.SetNotch(ctx, 3, 2, connector.Forward))
	require.NoError(t, station.SetNotch(ctx, 9, 6, connector.Forward))
	assert.Equal(t, 2, stand.advance(time.Second))

	stand.PlaceOnStand(9)
	assert.Equal(t, 6, stand.advance(time.Second))
}

func TestPulsesReachSource(t *testing.T) {
	stand, station := connectedStand(t, Config{PulsesPerNotch: 1})
	ctx := context.Background()

	require.NoError(t, station.PowerOn(ctx))
	require.NoError(t, station.SetNotch(ctx, 3, 3, connector.Forward))
	require.Equal(t, 3, stand.advance(time.Second))

	pulses := stand.Source().Pulses()
	for i := 0; i < 3; i++ {
		select {
		case p := <-pulses:
			assert.False(t, p.At.IsZero())
		case <-time.After(time.Second):
			t.Fatalf("pulse %d not delivered", i)
		}
	}
}

func TestInjectLinkFault(t *testing.T) {
	stand, station := connectedStand(t, Config{})

	stand.InjectLinkFault()

	select {
	case err := <-station.Faults():
		assert.ErrorIs(t, err, connector.ErrLinkFault)
	case <-time.After(time.Second):
		t.Fatal("no fault reported")
	}
	assert.Equal(t, connector.Disconnected, station.Status())

	// A reconnect opens a fresh link.
	require.NoError(t, station.Connect(context.Background()))
	require.NoError(t, station.PowerOn(context.Background()))
	assert.True(t, stand.Power())
}

func TestRunStopsOnClose(t *testing.T) {
	stand := New(Config{Tick: time.Millisecond}, nil, nil)
	go stand.Run(context.Background())

	require.NoError(t, stand.Close())
	select {
	case <-stand.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	_, open := <-stand.Source().Pulses()
	assert.False(t, open)
}
