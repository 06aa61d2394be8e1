package state

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/sensord/helpers/msync"
	"github.com/temoto/sensord/internal/button"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/internal/indicator"
	"github.com/temoto/sensord/internal/sensor"
	"github.com/temoto/sensord/log2"
)

type hardware struct {
	Sensor struct {
		once
		S sensor.Sensor
	}
	LED struct {
		once
		I interface {
			connection.Indicator
			io.Closer
		}
	}
	Button struct {
		once
		W *button.Watcher
	}
}

// Sensor opens configured driver on first call.
func (g *Global) Sensor() (sensor.Sensor, error) {
	x := &g.Hardware.Sensor
	_ = x.do(func() error {
		if x.S != nil { // test mode
			return nil
		}
		cfg := &g.Config.Hardware.Sensor
		switch cfg.Driver {
		case SensorStatic:
			x.S = sensor.Static{Pressure: cfg.Pressure, Temperature: cfg.Temperature}
			return nil
		case SensorBMxx80, "":
			var err error
			x.S, err = sensor.OpenBMxx80(cfg.I2CBus, uint16(cfg.I2CAddr))
			if err != nil {
				x.S = nil
			}
			return errors.Annotatef(err, "config: hardware.sensor=%#v", *cfg)
		}
		return errors.NotValidf("config: hardware.sensor.driver=%s", cfg.Driver)
	})
	return x.S, x.err
}

// Indicator returns Noop when LED is not configured.
func (g *Global) Indicator() (connection.Indicator, error) {
	x := &g.Hardware.LED
	_ = x.do(func() error {
		if x.I != nil {
			return nil
		}
		cfg := g.Config.Hardware.LED
		if !cfg.Enabled() {
			g.Log.Infof("indicator led is disabled")
			x.I = indicator.Noop{}
			return nil
		}
		line, err := cfg.LineNumber()
		if err != nil {
			return errors.Annotate(err, "config: hardware.led")
		}
		led, err := indicator.Open(cfg.GpioChip, line, cfg.ActiveLow)
		if err != nil {
			return errors.Annotatef(err, "config: hardware.led=%#v", cfg)
		}
		x.I = led
		return nil
	})
	if x.err != nil {
		return nil, x.err
	}
	return x.I, nil
}

// Button returns nil,nil when button is not configured.
// Caller runs returned watcher.
func (g *Global) Button(wake msync.Signal) (*button.Watcher, error) {
	x := &g.Hardware.Button
	_ = x.do(func() error {
		cfg := g.Config.Hardware.Button
		if !cfg.Enabled() {
			g.Log.Infof("button is disabled")
			return nil
		}
		line, err := cfg.LineNumber()
		if err != nil {
			return errors.Annotate(err, "config: hardware.button")
		}
		x.W, err = button.Open(cfg.GpioChip, line, wake, g.Log.Module("button"))
		return errors.Annotatef(err, "config: hardware.button=%#v", cfg)
	})
	return x.W, x.err
}

func (h *hardware) close(log *log2.Log) {
	if h.Sensor.done() && h.Sensor.S != nil {
		if err := h.Sensor.S.Close(); err != nil {
			log.Errorf("sensor close err=%v", err)
		}
	}
	if h.LED.done() && h.LED.I != nil {
		_ = h.LED.I.Set(false)
		if err := h.LED.I.Close(); err != nil {
			log.Errorf("indicator close err=%v", err)
		}
	}
}

type once struct {
	sync.Mutex
	called uint32 // atomic bool
	err    error
}

func (o *once) done() bool {
	return atomic.LoadUint32(&o.called) == 1
}

func (o *once) do(f func() error) error {
	if o.done() { // fast path
		return o.err
	}
	o.Lock()
	defer o.Unlock()
	if o.done() {
		return o.err
	}
	o.err = f()
	atomic.StoreUint32(&o.called, 1)
	return o.err
}
