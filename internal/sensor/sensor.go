// Package sensor reads pressure and temperature from hardware.
package sensor

import (
	"sync"

	"github.com/juju/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"
)

type Channel uint8

const (
	ChannelPressure Channel = iota
	ChannelTemperature
)

func (c Channel) String() string {
	switch c {
	case ChannelPressure:
		return "pressure"
	case ChannelTemperature:
		return "temperature"
	}
	return "channel(?)"
}

var (
	ErrNotFetched  = errors.New("sensor sample not fetched")
	ErrUnavailable = errors.New("sensor channel unavailable")
)

// Sensor contract: Fetch takes fresh sample, Channel reads value from the last sample.
// Pressure in kPa, temperature in Celsius.
type Sensor interface {
	Fetch() error
	Channel(Channel) (float64, error)
	Close() error
}

// Read fetches and extracts all channels, any failure aborts.
func Read(s Sensor, channels ...Channel) ([]float64, error) {
	if err := s.Fetch(); err != nil {
		return nil, errors.Annotate(err, "sensor fetch")
	}
	values := make([]float64, len(channels))
	for i, ch := range channels {
		v, err := s.Channel(ch)
		if err != nil {
			return nil, errors.Annotatef(err, "sensor channel=%s", ch)
		}
		values[i] = v
	}
	return values, nil
}

type senser interface {
	Sense(*physic.Env) error
	Halt() error
}

// Env sensor is Bosch BMP180/BMP280/BME280 over I²C via periph.
type Env struct {
	mu      sync.Mutex
	bus     i2c.BusCloser
	dev     senser
	env     physic.Env
	fetched bool
}

var _ Sensor = (*Env)(nil)

func OpenBMxx80(busName string, addr uint16) (*Env, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(err, "I2C open bus=%s", busName)
	}
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, errors.Annotatef(err, "bmxx80 addr=%#x", addr)
	}
	return &Env{bus: bus, dev: dev}, nil
}

func (s *Env) Fetch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = false
	if err := s.dev.Sense(&s.env); err != nil {
		return errors.Trace(err)
	}
	s.fetched = true
	return nil
}

func (s *Env) Channel(ch Channel) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fetched {
		return 0, ErrNotFetched
	}
	switch ch {
	case ChannelPressure:
		if s.env.Pressure == 0 {
			return 0, errors.Annotate(ErrUnavailable, ch.String())
		}
		return float64(s.env.Pressure) / float64(physic.KiloPascal), nil
	case ChannelTemperature:
		if s.env.Temperature == 0 {
			return 0, errors.Annotate(ErrUnavailable, ch.String())
		}
		return float64(s.env.Temperature-physic.ZeroCelsius) / float64(physic.Kelvin), nil
	}
	return 0, errors.NotSupportedf("sensor channel=%s", ch)
}

func (s *Env) Close() error {
	err := s.dev.Halt()
	if s.bus != nil {
		if e := s.bus.Close(); err == nil {
			err = e
		}
	}
	return err
}

// Static sensor reports fixed values, for boards without hardware sensor.
type Static struct {
	Pressure    float64
	Temperature float64
}

func (Static) Fetch() error { return nil }
func (s Static) Channel(ch Channel) (float64, error) {
	switch ch {
	case ChannelPressure:
		return s.Pressure, nil
	case ChannelTemperature:
		return s.Temperature, nil
	}
	return 0, errors.NotSupportedf("sensor channel=%s", ch)
}
func (Static) Close() error { return nil }
