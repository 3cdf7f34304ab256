// Package gps runs the receive loop for the u-blox GPS board and publishes
// the latest aggregated fix. The board streams NMEA text over its I2C DDC
// port; the loop reassembles newline-terminated sentences and folds each
// parsed sentence into a running fix, since different sentence types carry
// different subsets of the fields we record.
package gps

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/WSUHARBOR/MSApublic/internal/channel"
)

// ErrNoFix indicates the receiver has not yet produced a usable position.
// Callers treat this as a recoverable condition, not a fault.
var ErrNoFix = errors.New("gps: no fix available")

// Fix is one aggregated position/time reading. A latitude of exactly 0.0
// means "no data yet"; the board never reports it as a real position.
type Fix struct {
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Altitude  float64
	DOP       float64
}

// DDCBus is the subset of the u-blox DDC port the receive loop needs.
type DDCBus interface {
	// Available reports how many stream bytes the board has buffered.
	Available() (int, error)
	// ReadBlock reads up to max bytes from the data stream register.
	ReadBlock(max int) ([]byte, error)
}

type Receiver struct {
	bus   DDCBus
	state *channel.State[Fix]

	idleQuantum time.Duration
}

// Open acquires the I2C bus and returns a ready receiver. Bus acquisition
// retries for a minute before giving up; without the bus the receiver
// cannot perform its sole function, so the caller should treat an error
// here as fatal.
func Open(busName string, address int) (*Receiver, error) {
	bus, err := openUblox(busName, uint16(address))
	if err != nil {
		return nil, err
	}
	return newReceiver(bus), nil
}

func newReceiver(bus DDCBus) *Receiver {
	return &Receiver{
		bus:         bus,
		state:       channel.NewState[Fix](),
		idleQuantum: time.Millisecond,
	}
}

// Latest returns the current fix and its age in seconds. ErrNoFix is
// returned until the board has produced a real position.
func (r *Receiver) Latest() (Fix, float64, error) {
	fix, ageS, ok := r.state.Latest()
	if !ok || fix.Latitude == 0.0 {
		return Fix{}, 0, ErrNoFix
	}
	return fix, ageS, nil
}

// Run is the receive loop. It never returns; run it in its own goroutine.
func (r *Receiver) Run() {
	slog.Info("starting GPS receiver")

	// Aggregated state for parsed GPS data; sentence types that omit a
	// field leave the previous value in place.
	fix := Fix{Timestamp: time.Now().UTC()}
	line := make([]byte, 0, 128)

	for {
		avail, err := r.bus.Available()
		if err != nil {
			// Transient bus contention is expected and cheap to retry.
			time.Sleep(r.idleQuantum)
			continue
		}
		if avail == 0 {
			time.Sleep(r.idleQuantum)
			continue
		}
		for avail > 0 {
			max := avail
			if max > maxBlockSize {
				max = maxBlockSize
			}
			block, err := r.bus.ReadBlock(max)
			if err != nil || len(block) == 0 {
				break
			}
			avail -= len(block)
			line = r.consume(block, line, &fix)
		}
		time.Sleep(r.idleQuantum)
	}
}

// consume buffers stream bytes into line and parses a sentence whenever a
// newline arrives. Returns the remaining (unterminated) buffer.
func (r *Receiver) consume(block []byte, line []byte, fix *Fix) []byte {
	for _, b := range block {
		if b == fillByte {
			// The board pads the stream with 0xFF when idle.
			continue
		}
		line = append(line, b)
		if b == '\n' {
			r.applyLine(string(line), fix)
			line = line[:0]
		}
	}
	return line
}

// applyLine parses one buffered sentence and publishes the updated fix.
// Malformed or checksum-bad sentences are dropped without touching the
// previously published fix.
func (r *Receiver) applyLine(raw string, fix *Fix) {
	sentence, err := nmea.Parse(strings.TrimSpace(raw))
	if err != nil {
		return
	}
	switch s := sentence.(type) {
	case nmea.RMC:
		if s.Date.Valid && s.Time.Valid {
			// NMEA dates carry a two-digit year; 69..99 mean the 1900s.
			year := 2000 + s.Date.YY
			if s.Date.YY >= 69 {
				year = 1900 + s.Date.YY
			}
			fix.Timestamp = time.Date(
				year, time.Month(s.Date.MM), s.Date.DD,
				s.Time.Hour, s.Time.Minute, s.Time.Second,
				s.Time.Millisecond*int(time.Millisecond), time.UTC)
		}
		fix.Latitude = s.Latitude
		fix.Longitude = s.Longitude
	case nmea.GGA:
		fix.Latitude = s.Latitude
		fix.Longitude = s.Longitude
		fix.Altitude = s.Altitude
	case nmea.GSA:
		fix.DOP = s.PDOP
	}
	r.state.Publish(*fix)
}
