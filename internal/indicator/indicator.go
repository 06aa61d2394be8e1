// Package indicator drives the connection LED.
package indicator

import (
	"sync"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
)

const consumer = "sensord-led"

type GPIO struct {
	mu    sync.Mutex
	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
	on    bool
}

// Open requests line as output on chip device, e.g. "/dev/gpiochip0".
func Open(chipName string, line uint32, activeLow bool) (*GPIO, error) {
	chip, err := gpio.Open(chipName, consumer)
	if err != nil {
		return nil, errors.Annotatef(err, "indicator chip=%s", chipName)
	}
	led, err := New(chip, line, activeLow)
	if err != nil {
		chip.Close()
		return nil, err
	}
	return led, nil
}

func New(chip gpio.Chiper, line uint32, activeLow bool) (*GPIO, error) {
	flag := gpio.GPIOHANDLE_REQUEST_OUTPUT
	if activeLow {
		flag |= gpio.GPIOHANDLE_REQUEST_ACTIVE_LOW
	}
	lines, err := chip.OpenLines(flag, consumer, line)
	if err != nil {
		return nil, errors.Annotatef(err, "indicator line=%d", line)
	}
	return &GPIO{
		chip:  chip,
		lines: lines,
		set:   lines.SetFunc(line),
	}, nil
}

func (g *GPIO) Set(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var b byte
	if on {
		b = 1
	}
	g.set(b)
	if err := g.lines.Flush(); err != nil {
		return errors.Annotate(err, "indicator set")
	}
	g.on = on
	return nil
}

func (g *GPIO) On() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.on
}

func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	err := g.lines.Close()
	if g.chip != nil {
		if err2 := g.chip.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// Noop stands in when no LED is configured.
type Noop struct{}

func (Noop) Set(bool) error { return nil }
func (Noop) Close() error   { return nil }
