package sensor

import (
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// gpioLED drives the collection activity light.
type gpioLED struct {
	mu  sync.Mutex
	pin gpio.PinIO
	lit bool
}

// openLED resolves the configured GPIO pin. A missing pin (desk testing,
// non-Pi host) degrades to a no-op indicator rather than failing the
// receiver.
func openLED(name string) Indicator {
	pin := gpioreg.ByName(name)
	if pin == nil {
		slog.Warn("LED pin not found, indicator disabled", "pin", name)
		return nopIndicator{}
	}
	return &gpioLED{pin: pin}
}

func (l *gpioLED) On() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pin.Out(gpio.High)
	l.lit = true
}

func (l *gpioLED) Off() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pin.Out(gpio.Low)
	l.lit = false
}

func (l *gpioLED) Toggle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lit {
		l.pin.Out(gpio.Low)
	} else {
		l.pin.Out(gpio.High)
	}
	l.lit = !l.lit
}

type nopIndicator struct{}

func (nopIndicator) On()     {}
func (nopIndicator) Off()    {}
func (nopIndicator) Toggle() {}
