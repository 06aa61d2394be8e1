package indicator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gpio "github.com/temoto/gpio-cdev-go"
	gpio_mock "github.com/temoto/gpio-cdev-go/mock"
)

func TestGPIO(t *testing.T) {
	t.Parallel()

	var written []byte
	lines := &gpio_mock.MockLines{}
	lines.On("SetFunc", uint32(17)).Return(gpio.LineSetFunc(func(b byte) { written = append(written, b) }))
	lines.On("Flush").Return(nil)
	lines.On("Close").Return(nil)
	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT|gpio.GPIOHANDLE_REQUEST_ACTIVE_LOW, consumer, uint32(17)).Return(lines, nil)
	chip.On("Close").Return(nil)

	led, err := New(chip, 17, true)
	require.NoError(t, err)
	assert.False(t, led.On())
	require.NoError(t, led.Set(true))
	assert.True(t, led.On())
	require.NoError(t, led.Set(false))
	assert.Equal(t, []byte{1, 0}, written)
	require.NoError(t, led.Close())

	lines.AssertNumberOfCalls(t, "Flush", 2)
	chip.AssertExpectations(t)
	lines.AssertExpectations(t)
}

func TestGPIOFlushError(t *testing.T) {
	t.Parallel()

	lines := &gpio_mock.MockLines{}
	lines.On("SetFunc", uint32(3)).Return(gpio.LineSetFunc(func(byte) {}))
	lines.On("Flush").Return(fmt.Errorf("ioctl"))
	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, uint32(3)).Return(lines, nil)

	led, err := New(chip, 3, false)
	require.NoError(t, err)
	err = led.Set(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ioctl")
	assert.False(t, led.On())
}

func TestNewOpenLinesError(t *testing.T) {
	t.Parallel()

	chip := &gpio_mock.MockChip{}
	chip.On("OpenLines", gpio.GPIOHANDLE_REQUEST_OUTPUT, consumer, uint32(5)).Return((*gpio_mock.MockLines)(nil), fmt.Errorf("busy"))
	_, err := New(chip, 5, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line=5")
}

func TestNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Noop{}.Set(true))
	assert.NoError(t, Noop{}.Close())
}
