// Package telemetry runs periodic sample, encode, transmit cycle.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/sensord/helpers/msync"
	"github.com/temoto/sensord/internal/connection"
	"github.com/temoto/sensord/internal/metrics"
	"github.com/temoto/sensord/internal/sensor"
	"github.com/temoto/sensord/log2"
)

const (
	DefaultInterval = 60
	MinInterval     = 1
	MaxInterval     = 12 * 60 * 60

	DefaultPath = "sensor"
)

type Publisher interface {
	IsConnected() bool
	PublishAsync(path string, ct connection.ContentType, payload []byte, done func(error)) error
}

// Loop is cooperative: one goroutine calls Run, others may SetInterval and Wake.
type Loop struct {
	Log     *log2.Log
	Sensor  sensor.Sensor
	Conn    Publisher
	Metrics *metrics.Metrics
	Path    string
	Wake    msync.Signal

	enc      Encoder
	interval int32  // seconds
	counter  uint64 // observations
}

func NewLoop(log *log2.Log, s sensor.Sensor, conn Publisher, m *metrics.Metrics) *Loop {
	if m == nil {
		m = metrics.New()
	}
	l := &Loop{
		Log:      log,
		Sensor:   s,
		Conn:     conn,
		Metrics:  m,
		Path:     DefaultPath,
		Wake:     msync.NewSignal(),
		interval: DefaultInterval,
	}
	m.LoopInterval.Set(DefaultInterval)
	return l
}

func (l *Loop) Interval() time.Duration {
	return time.Duration(atomic.LoadInt32(&l.interval)) * time.Second
}

func (l *Loop) IntervalSec() int { return int(atomic.LoadInt32(&l.interval)) }

// SetInterval stores new interval and wakes the loop if it sleeps.
func (l *Loop) SetInterval(sec int) error {
	if sec < MinInterval || sec > MaxInterval {
		return errors.NotValidf("loop interval=%d (range %d..%d)", sec, MinInterval, MaxInterval)
	}
	if prev := atomic.SwapInt32(&l.interval, int32(sec)); prev == int32(sec) {
		return nil
	}
	l.Metrics.LoopInterval.Set(float64(sec))
	l.Log.Infof("loop interval=%ds", sec)
	l.Wake.Set()
	return nil
}

func (l *Loop) Counter() uint64 { return atomic.LoadUint64(&l.counter) }

// Run returns only when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Cycle()
		if err := l.sleep(ctx); err != nil {
			return err
		}
	}
}

// Cycle never fails, errors abort only this cycle.
func (l *Loop) Cycle() {
	defer l.observe()

	values, err := sensor.Read(l.Sensor, sensor.ChannelPressure, sensor.ChannelTemperature)
	if err != nil {
		l.Metrics.SensorErrors.Inc()
		l.Log.Errorf("cycle obs=%d sensor err=%v", l.Counter(), err)
		return
	}
	pressure, temperature := values[0], values[1]
	l.Metrics.Pressure.Set(pressure)
	l.Metrics.Temperature.Set(temperature)
	l.Log.Debugf("cycle obs=%d pressure=%.3fkPa temperature=%.2fC", l.Counter(), pressure, temperature)

	if !l.Conn.IsConnected() {
		l.Metrics.SkippedDisconnected.Inc()
		l.Log.Debugf("cycle obs=%d not connected, skip send", l.Counter())
		return
	}
	payload, err := l.enc.Encode(pressure)
	if err != nil {
		l.Metrics.EncodeErrors.Inc()
		l.Log.Errorf("cycle obs=%d err=%v", l.Counter(), err)
		return
	}
	obs := l.Counter()
	err = l.Conn.PublishAsync(l.Path, connection.ContentTypeCBOR, payload, func(err error) {
		if err != nil {
			l.Log.Errorf("stream obs=%d delivery err=%v", obs, err)
		}
	})
	if err != nil {
		l.Log.Errorf("stream obs=%d submit err=%v", obs, err)
	}
}

func (l *Loop) observe() {
	atomic.AddUint64(&l.counter, 1)
	l.Metrics.Cycles.Inc()
}

func (l *Loop) sleep(ctx context.Context) error {
	t := time.NewTimer(l.Interval())
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.Wake:
		l.Log.Debugf("wake")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
