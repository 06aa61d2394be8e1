// Package button turns GPIO edge events into loop wake signals.
package button

import (
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/sensord/helpers/msync"
	"github.com/temoto/sensord/log2"
)

const (
	DefaultDebounce = 50 * time.Millisecond
	// Wait timeout, bounds how long Stop takes to be noticed.
	DefaultPoll = 500 * time.Millisecond

	consumer = "sensord-button"
)

type Watcher struct {
	Log      *log2.Log
	Wake     msync.Signal
	Debounce time.Duration
	Poll     time.Duration

	chip    gpio.Chiper
	event   gpio.Eventer
	last    uint64 // kernel timestamp ns of last accepted press
	presses uint32
}

// Open listens for falling edge on line, button pulls it to ground.
func Open(chipName string, line uint32, wake msync.Signal, log *log2.Log) (*Watcher, error) {
	chip, err := gpio.Open(chipName, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "button chip=%s", chipName)
	}
	w, err := New(chip, line, wake, log)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return w, nil
}

func New(chip gpio.Chiper, line uint32, wake msync.Signal, log *log2.Log) (*Watcher, error) {
	ev, err := chip.GetLineEvent(line, 0, gpio.GPIOEVENT_REQUEST_FALLING_EDGE, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "button line=%d", line)
	}
	return &Watcher{
		Log:      log,
		Wake:     wake,
		Debounce: DefaultDebounce,
		Poll:     DefaultPoll,
		chip:     chip,
		event:    ev,
	}, nil
}

// Presses counts accepted (debounced) presses.
func (w *Watcher) Presses() uint32 { return atomic.LoadUint32(&w.presses) }

// Run blocks until a is stopped or event source fails. Closes event line on return.
func (w *Watcher) Run(a *alive.Alive) {
	if !a.Add(1) {
		return
	}
	defer a.Done()
	defer w.close()

	for a.IsRunning() {
		e, err := w.event.Wait(w.Poll)
		if gpio.IsTimeout(err) {
			continue
		}
		if err != nil {
			if !gpio.IsClosed(err) {
				w.Log.Errorf("button wait err=%v", err)
			}
			return
		}
		if !a.IsRunning() {
			return
		}
		w.press(e)
	}
}

func (w *Watcher) press(e gpio.EventData) {
	if w.last != 0 && e.Timestamp >= w.last && e.Timestamp-w.last < uint64(w.Debounce) {
		return
	}
	w.last = e.Timestamp
	n := atomic.AddUint32(&w.presses, 1)
	woke := w.Wake.Set()
	w.Log.Debugf("button press=%d woke=%t", n, woke)
}

func (w *Watcher) close() {
	if err := w.event.Close(); err != nil && !gpio.IsClosed(err) {
		w.Log.Errorf("button close err=%v", err)
	}
	if w.chip != nil {
		w.chip.Close()
	}
}
