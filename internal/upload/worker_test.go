package upload

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	database "github.com/WSUHARBOR/MSApublic/internal/db"
	"github.com/WSUHARBOR/MSApublic/internal/models"
)

func setupUploadDB(t *testing.T) *database.Client {
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

type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	err      error
}

func (s *fakeStore) UploadCollection(key string, body io.ReadSeeker) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if s.uploaded == nil {
		s.uploaded = map[string][]byte{}
	}
	s.uploaded[key] = data
	return nil
}

func endS(t time.Time) *float64 {
	s := float64(t.Unix())
	return &s
}

func TestProcessQueueUploadsEndedCollections(t *testing.T) {
	db := setupUploadDB(t)
	store := &fakeStore{}
	dir := t.TempDir()

	now := time.Now()
	done := models.Collection{Name: "2023_06_14-18_30_00-msa01", StartS: float64(now.Unix()) - 600, EndS: endS(now)}
	active := models.Collection{Name: "2023_06_14-19_00_00-msa01", StartS: float64(now.Unix())}
	already := models.Collection{Name: "2023_06_14-12_00_00-msa01", StartS: 1, EndS: endS(now), Uploaded: true}
	db.DB.Create(&done)
	db.DB.Create(&active)
	db.DB.Create(&already)

	csv := "timestamp,met,lat,lon,alt,dop\n2023-06-14T18:30:05Z,5,47.65,-117.4,120.5,1.2\n"
	if err := os.WriteFile(filepath.Join(dir, done.Name+".csv"), []byte(csv), 0644); err != nil {
		t.Fatal(err)
	}

	w := &Worker{interval: time.Minute, store: store, db: db, dataDir: dir}
	w.processQueue()

	store.mu.Lock()
	got, ok := store.uploaded[done.Name+".csv"]
	uploads := len(store.uploaded)
	store.mu.Unlock()
	if !ok {
		t.Fatal("ended collection was not uploaded")
	}
	if string(got) != csv {
		t.Error("uploaded contents differ from the file on disk")
	}
	if uploads != 1 {
		t.Errorf("expected exactly one upload, got %d", uploads)
	}

	var reloaded models.Collection
	db.DB.First(&reloaded, done.ID)
	if !reloaded.Uploaded {
		t.Error("uploaded flag not set")
	}
	db.DB.First(&reloaded, active.ID)
	if reloaded.Uploaded {
		t.Error("active collection must not be marked uploaded")
	}
}

func TestProcessQueueKeepsFlagOnFailure(t *testing.T) {
	db := setupUploadDB(t)
	store := &fakeStore{err: errors.New("bucket unreachable")}
	dir := t.TempDir()

	now := time.Now()
	col := models.Collection{Name: "2023_06_14-18_30_00-msa01", StartS: 1, EndS: endS(now)}
	db.DB.Create(&col)
	os.WriteFile(filepath.Join(dir, col.Name+".csv"), []byte("timestamp,met\n"), 0644)

	w := &Worker{interval: time.Minute, store: store, db: db, dataDir: dir}
	w.processQueue()

	var reloaded models.Collection
	db.DB.First(&reloaded, col.ID)
	if reloaded.Uploaded {
		t.Error("uploaded flag set despite failed upload")
	}
}
