package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MickyRosa/VisTrain2.0/internal/connector"
	"github.com/MickyRosa/VisTrain2.0/internal/connector/fake"
	"github.com/MickyRosa/VisTrain2.0/internal/loco"
)

type recordingObserver struct {
	kinds  []string
	failed int
}

func (o *recordingObserver) ObserveCommand(kind string, err error) {
	o.kinds = append(o.kinds, kind)
	if err != nil {
		o.failed++
	}
}

func registry(t *testing.T) *loco.Registry {
	t.Helper()
	r := loco.NewRegistry()
	require.NoError(t, r.Add(loco.Locomotive{Name: "BR 218", Address: 3, MaxNotch: 28}))
	return r
}

func TestNewPowersOnThenZero(t *testing.T) {
	st := fake.NewStation()
	obs := &recordingObserver{}

	d, err := New(context.Background(), "BR 218", registry(t), st, WithObserver(obs))
	require.NoError(t, err)

	cmds := st.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, fake.KindPowerOn, cmds[0].Kind)
	assert.Equal(t, fake.KindNotch, cmds[1].Kind)
	assert.Equal(t, 0, cmds[1].Notch())
	assert.Equal(t, 3, cmds[1].Address)
	assert.Equal(t, 3, d.Address())
	assert.Equal(t, []string{KindPowerOn, KindNotch}, obs.kinds)
}

func TestNewUnknownLocomotiveSendsNothing(t *testing.T) {
	st := fake.NewStation()

	_, err := New(context.Background(), "E 44", registry(t), st)
	assert.ErrorIs(t, err, loco.ErrLocomotiveNotFound)
	assert.Empty(t, st.Commands())
}

func TestNewFailsWhenDisconnected(t *testing.T) {
	st := fake.NewStation()
	require.NoError(t, st.Disconnect(context.Background()))

	_, err := New(context.Background(), "BR 218", registry(t), st)
	assert.ErrorIs(t, err, connector.ErrNotConnected)
}

func TestSetNotchDirection(t *testing.T) {
	st := fake.NewStation()
	d, err := New(context.Background(), "BR 218", registry(t), st)
	require.NoError(t, err)
	st.Reset()

	require.NoError(t, d.SetNotch(context.Background(), 5))
	require.NoError(t, d.SetNotch(context.Background(), -5))

	cmds := st.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, connector.Forward, cmds[0].Direction)
	assert.Equal(t, 5, cmds[0].Magnitude)
	assert.Equal(t, connector.Reverse, cmds[1].Direction)
	assert.Equal(t, 5, cmds[1].Magnitude)
}

func TestSetNotchAboveMax(t *testing.T) {
	st := fake.NewStation()
	d, err := New(context.Background(), "BR 218", registry(t), st)
	require.NoError(t, err)
	st.Reset()

	assert.ErrorIs(t, d.SetNotch(context.Background(), -29), connector.ErrInvalidRange)
	assert.Empty(t, st.Commands())
}

func TestEmergencyStopIgnoresCancelledContext(t *testing.T) {
	st := fake.NewStation()
	obs := &recordingObserver{}
	d, err := New(context.Background(), "BR 218", registry(t), st, WithObserver(obs))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.EmergencyStop(ctx))
	require.NoError(t, d.EmergencyStop(ctx))
	assert.Equal(t, 2, st.Count(fake.KindPanic))
	assert.Equal(t, KindPanic, obs.kinds[len(obs.kinds)-1])
}

func TestSetNotchReportsSendError(t *testing.T) {
	st := fake.NewStation()
	obs := &recordingObserver{}
	d, err := New(context.Background(), "BR 218", registry(t), st, WithObserver(obs))
	require.NoError(t, err)

	st.FailNotchesFrom(0, errors.New("wire cut"))
	assert.Error(t, d.SetNotch(context.Background(), 1))
	assert.Equal(t, 1, obs.failed)
}
