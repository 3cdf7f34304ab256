package recorder

import (
	"errors"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	database "github.com/WSUHARBOR/MSApublic/internal/db"
	"github.com/WSUHARBOR/MSApublic/internal/gps"
	"github.com/WSUHARBOR/MSApublic/internal/models"
	"github.com/WSUHARBOR/MSApublic/internal/sensor"
)

// Helper to create a disposable in-memory DB
func setupRecorderDB(t *testing.T) *database.Client {
	t.Helper()
	d, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := d.AutoMigrate(&models.Collection{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &database.Client{DB: d}
}

// fakeFixes serves fixes whose GPS time advances with the wall clock.
type fakeFixes struct {
	mu     sync.Mutex
	err    error
	base   time.Time
	anchor time.Time
}

func newFakeFixes() *fakeFixes {
	return &fakeFixes{
		base:   time.Date(2023, 6, 14, 18, 30, 0, 0, time.UTC),
		anchor: time.Now(),
	}
}

func (f *fakeFixes) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFixes) Latest() (gps.Fix, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return gps.Fix{}, 0, f.err
	}
	return gps.Fix{
		Timestamp: f.base.Add(time.Since(f.anchor)),
		Latitude:  47.65,
		Longitude: -117.4,
		Altitude:  120.5,
		DOP:       1.2,
	}, 0.5, nil
}

type fakeReadings struct {
	mu      sync.Mutex
	should  bool
	running bool
	err     error
}

func (r *fakeReadings) Latest() ([]sensor.Value, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, 0, r.err
	}
	values := sensor.Channels()
	for i := range values {
		values[i].Value = float64(i) + 0.5
	}
	return values, 0.2, nil
}

func (r *fakeReadings) Flags() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.should, r.running
}

func (r *fakeReadings) StartCollect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.should, r.running = true, true
}

func (r *fakeReadings) StopCollect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.should, r.running = false, false
}

func newTestRecorder(t *testing.T, db *database.Client, fixes FixSource, readings ReadingSource) *Recorder {
	t.Helper()
	r := New(db, fixes, readings, t.TempDir())
	r.collectionInterval = 20 * time.Millisecond
	r.tickQuantum = 5 * time.Millisecond
	r.sensorSpinUp = 5 * time.Millisecond
	r.waitPoll = 5 * time.Millisecond
	r.maxWaitAttempts = 400
	r.maxStartFailures = 3
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFullCollectionCycle(t *testing.T) {
	db := setupRecorderDB(t)
	fixes := newFakeFixes()
	readings := &fakeReadings{}
	rec := newTestRecorder(t, db, fixes, readings)
	go rec.Run()

	id, err := rec.StartCollection("smoke stack transect")
	if err != nil {
		t.Fatalf("StartCollection: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a collection id")
	}

	var col models.Collection
	if err := db.DB.First(&col, id).Error; err != nil {
		t.Fatalf("collection row missing: %v", err)
	}
	if col.Description != "smoke stack transect" {
		t.Errorf("description = %q", col.Description)
	}
	if col.EndS != nil {
		t.Error("end_s set while collection still active")
	}

	waitFor(t, "three datapoints", func() bool { return rec.Datapoints() >= 3 })

	if elapsed := rec.ElapsedS(); elapsed <= 0 || elapsed > 60 {
		t.Errorf("implausible elapsed seconds %f", elapsed)
	}

	stopID, err := rec.StopCollection()
	if err != nil {
		t.Fatalf("StopCollection: %v", err)
	}
	if stopID != id {
		t.Errorf("stop returned id %d, want %d", stopID, id)
	}

	if err := db.DB.First(&col, id).Error; err != nil {
		t.Fatalf("reload collection: %v", err)
	}
	if col.EndS == nil {
		t.Fatal("end_s still null after stop")
	}
	if *col.EndS < col.StartS {
		t.Errorf("end_s %f before start_s %f", *col.EndS, col.StartS)
	}
	if should, running := readings.Flags(); should || running {
		t.Error("sensor receiver not told to stop")
	}

	assertCollectionFile(t, rec, col.Name, rec.Datapoints(), col.StartS)
}

func assertCollectionFile(t *testing.T, rec *Recorder, name string, points int, startS float64) {
	t.Helper()
	raw, err := os.ReadFile(rec.CollectionPath(name))
	if err != nil {
		t.Fatalf("read collection file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != points+1 {
		t.Fatalf("expected header + %d rows, got %d lines", points, len(lines))
	}

	wantHeader := []string{"timestamp", "met", "lat", "lon", "alt", "dop"}
	for _, c := range sensor.Channels() {
		wantHeader = append(wantHeader, c.ShortName)
	}
	if lines[0] != strings.Join(wantHeader, ",") {
		t.Errorf("header = %q, want %q", lines[0], strings.Join(wantHeader, ","))
	}

	prevMet := math.Inf(-1)
	for i, line := range lines[1:] {
		cols := strings.Split(line, ",")
		if len(cols) != len(wantHeader) {
			t.Fatalf("row %d has %d columns, want %d", i, len(cols), len(wantHeader))
		}
		ts, err := time.Parse(time.RFC3339, cols[0])
		if err != nil {
			t.Fatalf("row %d timestamp: %v", i, err)
		}
		met, err := strconv.ParseFloat(cols[1], 64)
		if err != nil {
			t.Fatalf("row %d met: %v", i, err)
		}
		if met < prevMet {
			t.Errorf("mission elapsed time went backwards at row %d: %f < %f", i, met, prevMet)
		}
		prevMet = met
		// RFC 3339 drops sub-second precision, so allow a second of slack.
		if delta := math.Abs(met - (float64(ts.Unix()) - startS)); delta > 1.5 {
			t.Errorf("row %d met %f disagrees with timestamp by %f s", i, met, delta)
		}
	}
}

func TestStartGivesUpWithoutFix(t *testing.T) {
	db := setupRecorderDB(t)
	fixes := newFakeFixes()
	fixes.setErr(gps.ErrNoFix)
	rec := newTestRecorder(t, db, fixes, &fakeReadings{})
	go rec.Run()

	_, err := rec.StartCollection("")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled after the retry budget, got %v", err)
	}

	var count int64
	db.DB.Model(&models.Collection{}).Count(&count)
	if count != 0 {
		t.Errorf("expected no collection rows, found %d", count)
	}
}

func TestStartGivesUpWithoutSensorData(t *testing.T) {
	db := setupRecorderDB(t)
	readings := &fakeReadings{err: sensor.ErrNoData}
	rec := newTestRecorder(t, db, newFakeFixes(), readings)
	go rec.Run()

	_, err := rec.StartCollection("")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled after the retry budget, got %v", err)
	}
}

func TestStopWhenIdleReturnsImmediately(t *testing.T) {
	db := setupRecorderDB(t)
	rec := newTestRecorder(t, db, newFakeFixes(), &fakeReadings{})
	go rec.Run()

	start := time.Now()
	id, err := rec.StopCollection()
	if err != nil {
		t.Fatalf("StopCollection on idle recorder: %v", err)
	}
	if id != 0 {
		t.Errorf("expected zero id with no prior collection, got %d", id)
	}
	if time.Since(start) > time.Second {
		t.Error("idle stop blocked instead of returning promptly")
	}
}

func TestStopTwiceReturnsSameID(t *testing.T) {
	db := setupRecorderDB(t)
	rec := newTestRecorder(t, db, newFakeFixes(), &fakeReadings{})
	go rec.Run()

	id, err := rec.StartCollection("")
	if err != nil {
		t.Fatalf("StartCollection: %v", err)
	}
	first, err := rec.StopCollection()
	if err != nil {
		t.Fatalf("first StopCollection: %v", err)
	}
	second, err := rec.StopCollection()
	if err != nil {
		t.Fatalf("second StopCollection: %v", err)
	}
	if first != id || second != id {
		t.Errorf("stop ids = %d, %d; want %d both times", first, second, id)
	}
}
