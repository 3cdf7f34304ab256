package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/WSUHARBOR/MSApublic/internal/models"
	"github.com/WSUHARBOR/MSApublic/internal/recorder"
)

// GetStatus reports whether a collection is running, and if so how long it
// has been going and how many datapoints are down.
func (s *Server) GetStatus(c *gin.Context) {
	_, isRecording := s.recorder.RecordingState()
	status := gin.H{"is_collecting": isRecording}
	if isRecording {
		status["elapsed_s"] = s.recorder.ElapsedS()
		status["datapoints"] = s.recorder.Datapoints()
	}
	c.JSON(http.StatusOK, status)
}

// Batches older than this are reported as not collecting rather than shown
// as live readings.
const liveCutoffS = 60.0

// GetLiveSensors returns the latest decoded sensor batch for the live view.
func (s *Server) GetLiveSensors(c *gin.Context) {
	_, isCollecting := s.sensors.Flags()
	status := gin.H{"is_collecting": isCollecting}
	if isCollecting {
		values, latencyS, err := s.sensors.Latest()
		if err != nil || latencyS > liveCutoffS {
			status["is_collecting"] = false
		} else {
			readings := make([]gin.H, 0, len(values))
			for _, v := range values {
				readings = append(readings, gin.H{
					"name":  v.Name,
					"value": v.Value,
					"unit":  v.Unit,
				})
			}
			status["sensors"] = readings
			status["latency_s"] = latencyS
		}
	}
	c.JSON(http.StatusOK, status)
}

// GetLiveGPS reports the current fix so operators can confirm lock before
// launch.
func (s *Server) GetLiveGPS(c *gin.Context) {
	fix, latencyS, err := s.gps.Latest()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"has_lock": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"has_lock":  true,
		"timestamp": fix.Timestamp,
		"lat":       fix.Latitude,
		"lon":       fix.Longitude,
		"alt":       fix.Altitude,
		"dop":       fix.DOP,
		"latency_s": latencyS,
	})
}

func (s *Server) GetHealth(c *gin.Context) {
	hostname, _ := os.Hostname()
	c.JSON(http.StatusOK, gin.H{"hostname": hostname})
}

// StartRecording kicks off a collection session and blocks until the
// recorder acknowledges (or gives up).
func (s *Server) StartRecording(c *gin.Context) {
	var body struct {
		Description string `json:"description"`
	}
	// An empty body is a start with no description; anything else malformed
	// is the caller's error.
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	slog.Info("starting recording", "description", body.Description)
	id, err := s.recorder.StartCollection(body.Description)
	if err != nil {
		if errors.Is(err, recorder.ErrCancelled) {
			c.String(http.StatusServiceUnavailable, "Failed to startup")
			return
		}
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// StopRecording closes the active collection session.
func (s *Server) StopRecording(c *gin.Context) {
	id, err := s.recorder.StopCollection()
	if err != nil {
		if errors.Is(err, recorder.ErrCancelled) {
			c.String(http.StatusServiceUnavailable, "Failed to shut down")
			return
		}
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// ListCollections returns all known collections, newest first. Collections
// already uploaded or whose file is gone are still listed.
func (s *Server) ListCollections(c *gin.Context) {
	var collections []models.Collection
	if err := s.db.DB.Order("start_s desc").Find(&collections).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": collections})
}

type seriesPoint struct {
	TS    string `json:"ts"`
	Value any    `json:"value"`
}

type series struct {
	Name      string        `json:"name"`
	ShortName string        `json:"short_name"`
	Unit      string        `json:"unit"`
	Points    []seriesPoint `json:"points"`
}

// GetCollectionDetails returns a collection's metadata plus its datapoints
// reshaped into one timeseries per recorded column.
func (s *Server) GetCollectionDetails(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid collection id"})
		return
	}

	var col models.Collection
	if err := s.db.DB.First(&col, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection not found"})
		return
	}

	data, err := s.loadCollectionSeries(col.Name)
	if err != nil {
		// Data may have been uploaded and deleted; report empty series.
		data = []series{}
	}

	c.JSON(http.StatusOK, gin.H{
		"id":          col.ID,
		"name":        col.Name,
		"start_s":     col.StartS,
		"end_s":       col.EndS,
		"uploaded":    col.Uploaded,
		"description": col.Description,
		"data":        data,
	})
}

// loadCollectionSeries reformats a collection CSV into per-column
// timeseries for visualization. The time columns are the axis, not series.
func (s *Server) loadCollectionSeries(name string) ([]series, error) {
	raw, err := os.ReadFile(s.recorder.CollectionPath(name))
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return []series{}, nil
	}

	// First row holds the column short names.
	shortNames := strings.Split(lines[0], ",")
	dateIdx, metIdx := -1, -1
	for i, n := range shortNames {
		switch n {
		case "timestamp":
			dateIdx = i
		case "met":
			metIdx = i
		}
	}

	byShort := make(map[string]*series)
	for _, col := range recorder.KnownColumns() {
		byShort[col.ShortName] = &series{
			Name:      col.Name,
			ShortName: col.ShortName,
			Unit:      col.Unit,
		}
	}

	for _, line := range lines[1:] {
		entries := strings.Split(line, ",")
		if dateIdx < 0 || dateIdx >= len(entries) {
			continue
		}
		ts := entries[dateIdx]
		for i, value := range entries {
			if i == dateIdx || i == metIdx || i >= len(shortNames) {
				continue
			}
			sp, ok := byShort[shortNames[i]]
			if !ok {
				continue
			}
			// Prefer a numeric point, fall back to the raw string.
			var typed any = value
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				typed = f
			}
			sp.Points = append(sp.Points, seriesPoint{TS: ts, Value: typed})
		}
	}

	out := make([]series, 0, len(byShort))
	for _, col := range recorder.KnownColumns() {
		if sp := byShort[col.ShortName]; len(sp.Points) > 0 {
			out = append(out, *sp)
		}
	}
	return out, nil
}

// DownloadCollection streams a collection file as a CSV attachment.
func (s *Server) DownloadCollection(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid collection id"})
		return
	}

	var col models.Collection
	if err := s.db.DB.First(&col, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection not found"})
		return
	}

	path := s.recorder.CollectionPath(col.Name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection data not on disk"})
		return
	}
	c.FileAttachment(path, col.Name+".csv")
}
