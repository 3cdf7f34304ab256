package sensor

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	connectionTimeout = 2 * time.Second

	openAttempts   = 10
	openRetryDelay = 6 * time.Second
)

// openWinsen acquires the UART link to the board, retrying for up to a
// minute in case the device node is slow to appear after boot.
func openWinsen(device string, baud int) (serial.Port, error) {
	var lastErr error
	for i := 0; i < openAttempts; i++ {
		port, err := serial.Open(device, &serial.Mode{BaudRate: baud})
		if err == nil {
			if err := port.SetReadTimeout(connectionTimeout); err != nil {
				port.Close()
				return nil, fmt.Errorf("sensor: set read timeout: %w", err)
			}
			return port, nil
		}
		lastErr = err
		time.Sleep(openRetryDelay)
	}
	return nil, fmt.Errorf("sensor: could not connect to %q: %w", device, lastErr)
}
