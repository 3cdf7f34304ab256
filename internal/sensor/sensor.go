// Package sensor polls the Winsen ZPHS01B multi-gas board over UART and
// publishes complete batches of decoded channel values. The frame layout
// lives in one declarative table; adding a channel means adding one row,
// not touching the decode loop.
package sensor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/WSUHARBOR/MSApublic/internal/channel"
)

// ErrNoData indicates no frame has been decoded yet. Callers treat this as
// a recoverable condition, not a fault.
var ErrNoData = errors.New("sensor: no data available")

// Value is one decoded channel reading plus its display metadata.
type Value struct {
	Name      string
	ShortName string
	Unit      string
	Value     float64
}

// extractKind tags how a field's bytes turn into a value. The set is small
// and fixed, so a closed enum beats per-field closures.
type extractKind int

const (
	extractByte extractKind = iota // single unsigned byte
	extractU16                     // big-endian unsigned 16-bit
	extractScaledU16               // u16 times a fixed multiplier
	extractCelsius                 // (u16 - 500) * 0.1 per the datasheet
)

type fieldDesc struct {
	name   string
	short  string
	unit   string
	offset int // first byte; u16 kinds also read offset+1
	kind   extractKind
	scale  float64
}

// Winsen datasheet: https://www.winsen-sensor.com/sensors/co2-sensor/zphs01b.html
var zphs01bFields = []fieldDesc{
	{name: "PM 1.0", short: "pm_1_0", unit: "ug/m3", offset: 2, kind: extractU16},
	{name: "PM 2.5", short: "pm_2_5", unit: "ug/m3", offset: 4, kind: extractU16},
	{name: "PM 10", short: "pm_10", unit: "ug/m3", offset: 6, kind: extractU16},
	{name: "Carbon Dioxide", short: "co2", unit: "ppm", offset: 8, kind: extractU16},
	{name: "VOC", short: "voc", unit: "grade", offset: 10, kind: extractByte},
	{name: "Temperature", short: "temp", unit: "C", offset: 11, kind: extractCelsius},
	{name: "Humidity", short: "humidity", unit: "%RH", offset: 13, kind: extractU16},
	{name: "Formaldehyde", short: "ch2o", unit: "mg/m3", offset: 15, kind: extractScaledU16, scale: 0.001},
	{name: "Carbon Monoxide", short: "co", unit: "ppm", offset: 17, kind: extractScaledU16, scale: 0.1},
	{name: "Ozone", short: "o3", unit: "ppm", offset: 19, kind: extractScaledU16, scale: 0.01},
	{name: "Nitrogen Dioxide", short: "no2", unit: "ppm", offset: 21, kind: extractScaledU16, scale: 0.01},
}

// Channels lists the board's channel metadata in frame order. The recorder
// derives the CSV column set from this.
func Channels() []Value {
	out := make([]Value, len(zphs01bFields))
	for i, f := range zphs01bFields {
		out[i] = Value{Name: f.name, ShortName: f.short, Unit: f.unit}
	}
	return out
}

var readCommand = []byte{0xff, 0x01, 0x86, 0x00, 0x00, 0x00, 0x00, 0x00, 0x79}

const (
	responseSize = 26

	pollInterval = 1 * time.Second
	idleQuantum  = 10 * time.Millisecond
	stopQuantum  = 100 * time.Millisecond
)

// Indicator is the visible activity light toggled on each board poll.
type Indicator interface {
	On()
	Off()
	Toggle()
}

type Receiver struct {
	port  io.ReadWriter
	led   Indicator
	state *channel.State[[]Value]

	pollInterval time.Duration
	idleQuantum  time.Duration
	stopQuantum  time.Duration
}

// Open acquires the UART link and the activity LED and returns a ready
// receiver. Serial acquisition retries for a minute; an error here is
// fatal for the caller, the receiver is useless without its board.
func Open(device string, baud int, ledPin string) (*Receiver, error) {
	port, err := openWinsen(device, baud)
	if err != nil {
		return nil, err
	}
	return newReceiver(port, openLED(ledPin)), nil
}

func newReceiver(port io.ReadWriter, led Indicator) *Receiver {
	return &Receiver{
		port:         port,
		led:          led,
		state:        channel.NewState[[]Value](),
		pollInterval: pollInterval,
		idleQuantum:  idleQuantum,
		stopQuantum:  stopQuantum,
	}
}

// StartCollect signals the receive loop to begin polling the board.
func (r *Receiver) StartCollect() {
	r.state.SetDesired(true)
}

// StopCollect signals the receive loop to stop polling the board.
func (r *Receiver) StopCollect() {
	r.state.SetDesired(false)
}

// Flags returns the desired and acknowledged collection flags.
func (r *Receiver) Flags() (shouldRun, isRunning bool) {
	return r.state.Flags()
}

// Latest returns the most recent complete batch and its age in seconds.
func (r *Receiver) Latest() ([]Value, float64, error) {
	values, ageS, ok := r.state.Latest()
	if !ok {
		return nil, 0, ErrNoData
	}
	return values, ageS, nil
}

// Run is the poll loop. It never returns; run it in its own goroutine.
func (r *Receiver) Run() {
	slog.Info("starting sensor receiver")

	var lastRead time.Time
	for {
		shouldRun, isRunning := r.state.Flags()
		if !shouldRun {
			if isRunning {
				r.led.Off()
				r.state.Acknowledge(false)
			}
			time.Sleep(r.stopQuantum)
			continue
		}
		if !isRunning {
			// The serial link is opened once at startup, nothing to
			// re-initialize here.
			r.state.Acknowledge(true)
		}

		if time.Since(lastRead) >= r.pollInterval {
			r.led.Toggle()

			if _, err := r.port.Write(readCommand); err != nil {
				slog.Warn("sensor write failed", "error", err)
				time.Sleep(r.idleQuantum)
				continue
			}
			frame := r.readFrame()
			if len(frame) > 0 {
				values, err := decodeFrame(frame)
				if err != nil {
					// Still pace the loop; a persistently bad board must
					// not be re-polled back-to-back.
					slog.Warn("dropping sensor frame", "error", err)
					time.Sleep(r.idleQuantum)
					continue
				}
				// Publish the whole batch at once; consumers never see a
				// partially decoded frame.
				r.state.Publish(values)
			}
			lastRead = time.Now()
		}
		time.Sleep(r.idleQuantum)
	}
}

// readFrame accumulates bytes until a full response arrives or the port's
// read timeout elapses.
func (r *Receiver) readFrame() []byte {
	frame := make([]byte, 0, responseSize)
	buf := make([]byte, responseSize)
	for len(frame) < responseSize {
		n, err := r.port.Read(buf[:responseSize-len(frame)])
		if n > 0 {
			frame = append(frame, buf[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}
	return frame
}

// decodeFrame decodes every channel descriptor against one response frame.
// Any failure rejects the entire frame.
func decodeFrame(frame []byte) ([]Value, error) {
	if len(frame) < responseSize {
		return nil, fmt.Errorf("sensor: short frame: %d bytes", len(frame))
	}
	values := make([]Value, len(zphs01bFields))
	for i, f := range zphs01bFields {
		values[i] = Value{
			Name:      f.name,
			ShortName: f.short,
			Unit:      f.unit,
			Value:     f.extract(frame),
		}
	}
	return values, nil
}

func (f fieldDesc) extract(frame []byte) float64 {
	u16 := func() float64 {
		return float64(frame[f.offset])*256 + float64(frame[f.offset+1])
	}
	switch f.kind {
	case extractByte:
		return float64(frame[f.offset])
	case extractScaledU16:
		return u16() * f.scale
	case extractCelsius:
		return (u16() - 500) * 0.1
	default:
		return u16()
	}
}
