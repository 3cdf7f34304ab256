// Package upload drains finished collections to the offload backend and
// marks them uploaded, so ground crews can pull data without touching the
// payload.
package upload

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/WSUHARBOR/MSApublic/internal/config"
	database "github.com/WSUHARBOR/MSApublic/internal/db"
	"github.com/WSUHARBOR/MSApublic/internal/models"
)

var (
	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "msa_upload_jobs_total",
			Help: "Collection upload outcomes",
		},
		[]string{"status"},
	)
	duration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "msa_upload_duration_seconds",
			Help:    "Time spent uploading one collection",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func RegisterMetrics() {
	prometheus.MustRegister(jobs, duration)
}

// Store is the offload surface the worker needs.
type Store interface {
	UploadCollection(key string, body io.ReadSeeker) error
}

type Worker struct {
	interval time.Duration
	store    Store
	db       *database.Client
	dataDir  string
}

func New(cfg *config.Config, store Store, db *database.Client) *Worker {
	return &Worker{
		interval: time.Duration(cfg.Storage.PollingInterval) * time.Second,
		store:    store,
		db:       db,
		dataDir:  cfg.Data.Dir,
	}
}

// Run polls for ended, not-yet-uploaded collections. It never returns; run
// it in its own goroutine.
func (w *Worker) Run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("upload worker started", "interval", w.interval)
	w.processQueue()

	for range ticker.C {
		w.processQueue()
	}
}

func (w *Worker) processQueue() {
	var pending []models.Collection
	if err := w.db.DB.Where("end_s IS NOT NULL AND uploaded = ?", false).Find(&pending).Error; err != nil {
		slog.Error("could not list pending collections", "error", err)
		return
	}

	for _, col := range pending {
		if err := w.processCollection(col); err != nil {
			slog.Warn("collection upload failed", "name", col.Name, "error", err)
			jobs.WithLabelValues("failure").Inc()
		} else {
			slog.Info("collection uploaded", "name", col.Name)
			jobs.WithLabelValues("success").Inc()
		}
	}
}

func (w *Worker) processCollection(col models.Collection) error {
	timer := prometheus.NewTimer(duration)
	defer timer.ObserveDuration()

	f, err := os.Open(filepath.Join(w.dataDir, col.Name+".csv"))
	if err != nil {
		return fmt.Errorf("open collection file: %w", err)
	}
	defer f.Close()

	if err := w.store.UploadCollection(col.Name+".csv", f); err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	return w.db.DB.Model(&models.Collection{}).
		Where("id = ?", col.ID).
		Update("uploaded", true).Error
}
