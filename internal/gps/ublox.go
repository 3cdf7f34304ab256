package gps

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Registers described in https://www.u-blox.com/en/docs/UBX-16012619
const (
	availableBytesRegister = 0xFD
	dataStreamRegister     = 0xFF

	// The DDC port serves data in blocks of at most 32 bytes.
	maxBlockSize = 32
	// Fill byte the board emits when the stream has nothing to say.
	fillByte = 0xFF

	openAttempts   = 10
	openRetryDelay = 6 * time.Second
)

// ublox talks to the GPS board over its I2C DDC port.
type ublox struct {
	dev *i2c.Dev
}

// openUblox connects to the local I2C bus, retrying for up to a minute.
// A freshly booted Pi can briefly refuse bus access while udev settles.
func openUblox(busName string, address uint16) (*ublox, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gps: host init: %w", err)
	}
	var lastErr error
	for i := 0; i < openAttempts; i++ {
		bus, err := i2creg.Open(busName)
		if err == nil {
			return &ublox{dev: &i2c.Dev{Addr: address, Bus: bus}}, nil
		}
		lastErr = err
		time.Sleep(openRetryDelay)
	}
	return nil, fmt.Errorf("gps: could not connect to bus %q: %w", busName, lastErr)
}

func (u *ublox) Available() (int, error) {
	var count [1]byte
	if err := u.dev.Tx([]byte{availableBytesRegister}, count[:]); err != nil {
		return 0, err
	}
	return int(count[0]), nil
}

func (u *ublox) ReadBlock(max int) ([]byte, error) {
	if max > maxBlockSize {
		max = maxBlockSize
	}
	block := make([]byte, max)
	if err := u.dev.Tx([]byte{dataStreamRegister}, block); err != nil {
		return nil, err
	}
	return block, nil
}
