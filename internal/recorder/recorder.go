// Package recorder owns the session lifecycle: it watches the GPS and
// sensor cells, decides when a collection starts and stops, appends one CSV
// row per accepted datapoint, and mirrors its progress for the API to poll.
package recorder

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/WSUHARBOR/MSApublic/internal/channel"
	database "github.com/WSUHARBOR/MSApublic/internal/db"
	"github.com/WSUHARBOR/MSApublic/internal/gps"
	"github.com/WSUHARBOR/MSApublic/internal/models"
	"github.com/WSUHARBOR/MSApublic/internal/sensor"
)

var (
	// ErrCancelled reports that the desired recording state changed out
	// from under a waiting caller (e.g. stop pressed during start).
	ErrCancelled = errors.New("recorder: recording signal cancelled during wait")
	// ErrStartTimeout reports that the recorder never acknowledged a start.
	ErrStartTimeout = errors.New("recorder: could not start collection")
	// ErrStopTimeout reports that the recorder never acknowledged a stop.
	ErrStopTimeout = errors.New("recorder: could not stop collection")
)

const (
	// Period between recorded datapoints.
	collectionInterval = 5 * time.Second
	// Lifecycle polling tick, much finer than the collection interval.
	tickQuantum = 500 * time.Millisecond
	// Consecutive failed start cycles tolerated before giving up.
	maxStartFailures = 20
	// Grace period after telling the sensor receiver to spin up.
	sensorSpinUp = 1 * time.Second
	// Blocking helper poll cadence and bound (60 s overall).
	waitPoll        = 100 * time.Millisecond
	maxWaitAttempts = 600
	// Data older than this still records but is worth flagging.
	stalenessWarnS = 10.0
)

var (
	datapointsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "msa_recorder_datapoints_total", Help: "Datapoints written to disk"},
	)
	skippedPoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msa_recorder_skipped_points_total", Help: "Datapoints skipped for missing data"},
		[]string{"source"},
	)
	collectionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "msa_recorder_collections_total", Help: "Collection start outcomes"},
		[]string{"status"},
	)
)

func RegisterMetrics() {
	prometheus.MustRegister(datapointsWritten, skippedPoints, collectionsStarted)
}

// Progress is the recorder's own published status: which collection is
// live, when it started on the local clock, and how many points are down.
type Progress struct {
	CollectionID uint
	LocalStartS  float64
	Points       int
}

// Column describes one recorded CSV column for presentation layers.
type Column struct {
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Unit      string `json:"unit"`
}

// KnownColumns lists every column a collection file can contain: the sensor
// board's channels plus the time and position columns.
func KnownColumns() []Column {
	var cols []Column
	for _, c := range sensor.Channels() {
		cols = append(cols, Column{Name: c.Name, ShortName: c.ShortName, Unit: c.Unit})
	}
	return append(cols,
		Column{Name: "Timestamp", ShortName: "timestamp", Unit: "ISO 8601"},
		Column{Name: "Mission Elapsed Time", ShortName: "met", Unit: "s"},
		Column{Name: "Latitude", ShortName: "lat", Unit: "degrees"},
		Column{Name: "Longitude", ShortName: "lon", Unit: "degrees"},
		Column{Name: "Altitude", ShortName: "alt", Unit: "m"},
		Column{Name: "Position Dilution of Precision", ShortName: "dop", Unit: ""},
	)
}

// FixSource supplies the latest GPS fix and its age.
type FixSource interface {
	Latest() (gps.Fix, float64, error)
}

// ReadingSource supplies sensor batches and the board's collection toggle.
type ReadingSource interface {
	Latest() ([]sensor.Value, float64, error)
	Flags() (shouldRun, isRunning bool)
	StartCollect()
	StopCollect()
}

type Recorder struct {
	db       *database.Client
	gps      FixSource
	sensors  ReadingSource
	state    *channel.State[Progress]
	dataDir  string
	hostname string
	clock    Clock

	// Collection-scoped; touched only from Run.
	collectionName string
	trueStartS     float64

	collectionInterval time.Duration
	tickQuantum        time.Duration
	sensorSpinUp       time.Duration
	waitPoll           time.Duration
	maxStartFailures   int
	maxWaitAttempts    int
}

func New(db *database.Client, fixes FixSource, readings ReadingSource, dataDir string) *Recorder {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Recorder{
		db:       db,
		gps:      fixes,
		sensors:  readings,
		state:    channel.NewState[Progress](),
		dataDir:  dataDir,
		hostname: hostname,
		clock:    RealClock{},

		collectionInterval: collectionInterval,
		tickQuantum:        tickQuantum,
		sensorSpinUp:       sensorSpinUp,
		waitPoll:           waitPoll,
		maxStartFailures:   maxStartFailures,
		maxWaitAttempts:    maxWaitAttempts,
	}
}

// StartCollection signals a start and blocks until the recorder
// acknowledges it, up to the wait bound. Returns the new collection id on
// success, ErrCancelled if the signal is withdrawn while waiting, and
// ErrStartTimeout if the bound elapses.
func (r *Recorder) StartCollection(description string) (uint, error) {
	r.state.SetDesired(true)
	for i := 0; i < r.maxWaitAttempts; i++ {
		shouldRun, isRunning := r.state.Flags()
		if !shouldRun {
			slog.Warn("recording signal cancelled during start wait")
			return 0, ErrCancelled
		}
		if isRunning {
			id := r.CurrentCollectionID()
			if description != "" {
				r.db.DB.Model(&models.Collection{}).
					Where("id = ?", id).
					Update("description", description)
			}
			return id, nil
		}
		time.Sleep(r.waitPoll)
	}
	return 0, ErrStartTimeout
}

// StopCollection signals a stop and blocks until the recorder acknowledges
// it, mirroring StartCollection's contract. Returns the id of the
// just-finished collection.
func (r *Recorder) StopCollection() (uint, error) {
	r.state.SetDesired(false)
	for i := 0; i < r.maxWaitAttempts; i++ {
		shouldRun, isRunning := r.state.Flags()
		if shouldRun {
			slog.Warn("recording signal cancelled during stop wait")
			return 0, ErrCancelled
		}
		if !isRunning {
			return r.CurrentCollectionID(), nil
		}
		time.Sleep(r.waitPoll)
	}
	return 0, ErrStopTimeout
}

// RecordingState returns the desired and acknowledged recording flags.
func (r *Recorder) RecordingState() (shouldRun, isRunning bool) {
	return r.state.Flags()
}

// CurrentCollectionID returns the live (or most recent) collection id.
func (r *Recorder) CurrentCollectionID() uint {
	progress, _, _ := r.state.Latest()
	return progress.CollectionID
}

// ElapsedS returns seconds since the collection started on the local clock.
func (r *Recorder) ElapsedS() float64 {
	progress, _, _ := r.state.Latest()
	return float64(r.clock.Now().UnixNano())/1e9 - progress.LocalStartS
}

// Datapoints returns the number of points recorded since the start.
func (r *Recorder) Datapoints() int {
	progress, _, _ := r.state.Latest()
	return progress.Points
}

// CollectionPath resolves a collection's CSV file from its name.
func (r *Recorder) CollectionPath(name string) string {
	return filepath.Join(r.dataDir, name+".csv")
}

// Run is the lifecycle loop. It never returns; run it in its own goroutine.
func (r *Recorder) Run() {
	slog.Info("starting recorder")

	var (
		lastDatapoint     time.Time
		currentID         uint
		points            int
		localStartS       float64
		failedStartCycles int
	)

	for {
		shouldRun, isRunning := r.state.Flags()

		if !isRunning {
			if !shouldRun {
				time.Sleep(r.tickQuantum)
				continue
			}

			if failedStartCycles > r.maxStartFailures {
				slog.Error("failed to start collecting, giving up")
				collectionsStarted.WithLabelValues("failure").Inc()
				failedStartCycles = 0
				// Withdraw the signal so waiting callers see a cancel.
				r.state.SetDesired(false)
				continue
			}

			if sensorShould, _ := r.sensors.Flags(); !sensorShould {
				r.sensors.StartCollect()
				time.Sleep(r.sensorSpinUp)
			}

			fix, _, err := r.gps.Latest()
			if err != nil {
				slog.Warn("no GPS lock, skipping collection start cycle")
				failedStartCycles++
				time.Sleep(r.tickQuantum)
				continue
			}
			if _, _, err := r.sensors.Latest(); err != nil {
				slog.Warn("no sensor data, skipping collection start cycle")
				failedStartCycles++
				time.Sleep(r.tickQuantum)
				continue
			}

			// Both sources are live: open a new collection. The name and
			// true start come from GPS time, not the drifting local clock.
			failedStartCycles = 0
			r.trueStartS = unixSeconds(fix.Timestamp)
			r.collectionName = fix.Timestamp.UTC().Format("2006_01_02-15_04_05") + "-" + r.hostname

			col := models.Collection{Name: r.collectionName, StartS: r.trueStartS}
			if err := r.db.DB.Create(&col).Error; err != nil {
				slog.Error("could not insert collection", "error", err)
				failedStartCycles++
				time.Sleep(r.tickQuantum)
				continue
			}
			currentID = col.ID
			localStartS = unixSeconds(r.clock.Now())
			points = 0
			lastDatapoint = time.Time{}
			collectionsStarted.WithLabelValues("success").Inc()

			r.state.Publish(Progress{CollectionID: currentID, LocalStartS: localStartS, Points: points})
			r.state.Acknowledge(true)
			slog.Info("collection started", "id", currentID, "name", r.collectionName)
		}

		// The stop check runs before the datapoint check so a stop landing
		// exactly on a collection boundary never records a post-stop point.
		if !shouldRun {
			fix, _, err := r.gps.Latest()
			if err != nil {
				// The collection stays open until an end time from true
				// GPS time is durably recorded.
				slog.Warn("no GPS lock, cannot close collection yet")
				time.Sleep(r.tickQuantum)
				continue
			}
			r.db.DB.Model(&models.Collection{}).
				Where("id = ?", currentID).
				Update("end_s", unixSeconds(fix.Timestamp))
			r.sensors.StopCollect()
			r.state.Acknowledge(false)
			slog.Info("collection stopped", "id", currentID, "points", points)
			continue
		}

		if time.Since(lastDatapoint) >= r.collectionInterval {
			if err := r.recordDatapoint(); err != nil {
				// Leave lastDatapoint alone so the next tick retries.
				slog.Warn("skipping datapoint", "error", err)
			} else {
				points++
				r.state.Publish(Progress{CollectionID: currentID, LocalStartS: localStartS, Points: points})
				lastDatapoint = time.Now()
			}
		}
		time.Sleep(r.tickQuantum)
	}
}

// recordDatapoint appends one CSV row from the latest fix and batch.
func (r *Recorder) recordDatapoint() error {
	values, sensorAgeS, err := r.sensors.Latest()
	if err != nil {
		skippedPoints.WithLabelValues("sensor").Inc()
		return fmt.Errorf("no sensor data: %w", err)
	}
	if sensorAgeS > stalenessWarnS {
		slog.Warn("sensor data is stale", "age_s", sensorAgeS)
	}

	fix, gpsAgeS, err := r.gps.Latest()
	if err != nil {
		skippedPoints.WithLabelValues("gps").Inc()
		return fmt.Errorf("no GPS data: %w", err)
	}
	if gpsAgeS > stalenessWarnS {
		slog.Warn("GPS data is stale", "age_s", gpsAgeS)
	}

	path := r.CollectionPath(r.collectionName)
	missionTime := unixSeconds(fix.Timestamp) - r.trueStartS

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		// First write fixes the column order for the rest of the session.
		header := []string{"timestamp", "met", "lat", "lon", "alt", "dop"}
		for _, v := range values {
			header = append(header, v.ShortName)
		}
		if err := os.WriteFile(path, []byte(strings.Join(header, ",")+"\n"), 0644); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	row := []string{
		fix.Timestamp.UTC().Format(time.RFC3339),
		formatFloat(missionTime),
		formatFloat(fix.Latitude),
		formatFloat(fix.Longitude),
		formatFloat(fix.Altitude),
		formatFloat(fix.DOP),
	}
	for _, v := range values {
		row = append(row, formatFloat(v.Value))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open collection file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.Join(row, ",") + "\n"); err != nil {
		return fmt.Errorf("append datapoint: %w", err)
	}

	datapointsWritten.Inc()
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
