package sensor

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/physic"
)

type fakeDev struct {
	env    physic.Env
	err    error
	halted bool
}

func (f *fakeDev) Sense(e *physic.Env) error {
	if f.err != nil {
		return f.err
	}
	*e = f.env
	return nil
}
func (f *fakeDev) Halt() error { f.halted = true; return nil }

func TestEnv(t *testing.T) {
	t.Parallel()
	dev := &fakeDev{env: physic.Env{
		Pressure:    101500 * physic.Pascal,
		Temperature: physic.ZeroCelsius + 21*physic.Kelvin,
	}}
	s := &Env{dev: dev}

	_, err := s.Channel(ChannelPressure)
	assert.Equal(t, ErrNotFetched, err)

	values, err := Read(s, ChannelPressure, ChannelTemperature)
	require.NoError(t, err)
	assert.InDelta(t, 101.5, values[0], 0.0001)
	assert.InDelta(t, 21.0, values[1], 0.0001)

	dev.err = errors.New("i2c nack")
	_, err = Read(s, ChannelPressure)
	require.Error(t, err)
	_, err = s.Channel(ChannelPressure)
	assert.Equal(t, ErrNotFetched, err, "failed fetch invalidates previous sample")

	require.NoError(t, s.Close())
	assert.True(t, dev.halted)
}

func TestEnvUnavailable(t *testing.T) {
	t.Parallel()
	s := &Env{dev: &fakeDev{env: physic.Env{Temperature: physic.ZeroCelsius + physic.Kelvin}}}
	_, err := Read(s, ChannelTemperature, ChannelPressure)
	require.Error(t, err)
	assert.Equal(t, ErrUnavailable, errors.Cause(err))
}

func TestStatic(t *testing.T) {
	t.Parallel()
	values, err := Read(Static{Pressure: 99.1, Temperature: -3}, ChannelPressure, ChannelTemperature)
	require.NoError(t, err)
	assert.Equal(t, []float64{99.1, -3}, values)
	assert.Equal(t, "temperature", ChannelTemperature.String())
}
