package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WSUHARBOR/MSApublic/internal/config"
	database "github.com/WSUHARBOR/MSApublic/internal/db"
	"github.com/WSUHARBOR/MSApublic/internal/gps"
	"github.com/WSUHARBOR/MSApublic/internal/sensor"
)

// RecorderService is the recorder surface the handlers drive. The state
// machine is only ever driven through the two blocking helpers, never
// directly from request code.
type RecorderService interface {
	StartCollection(description string) (uint, error)
	StopCollection() (uint, error)
	RecordingState() (shouldRun, isRunning bool)
	ElapsedS() float64
	Datapoints() int
	CollectionPath(name string) string
}

// SensorService is the sensor receiver's read-only surface.
type SensorService interface {
	Flags() (shouldRun, isRunning bool)
	Latest() ([]sensor.Value, float64, error)
}

// GPSService is the GPS receiver's read-only surface.
type GPSService interface {
	Latest() (gps.Fix, float64, error)
}

type Server struct {
	cfg      *config.Config
	db       *database.Client
	recorder RecorderService
	sensors  SensorService
	gps      GPSService
	router   *gin.Engine
}

func New(cfg *config.Config, db *database.Client, rec RecorderService, sensors SensorService, gpsRx GPSService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		db:       db,
		recorder: rec,
		sensors:  sensors,
		gps:      gpsRx,
		router:   gin.Default(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// CORS Configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type"}

	s.router.Use(cors.New(corsConfig))
}

func (s *Server) setupRoutes() {
	// Health Check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "msa"})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API Group
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.GetStatus)
		v1.GET("/live_sensors", s.GetLiveSensors)
		v1.GET("/live_gps", s.GetLiveGPS)
		v1.GET("/msa_status", s.GetHealth)

		v1.POST("/start", s.StartRecording)
		v1.POST("/stop", s.StopRecording)

		v1.GET("/list_collections", s.ListCollections)
		v1.GET("/collection/:id/details", s.GetCollectionDetails)
		v1.GET("/collection/:id/download", s.DownloadCollection)
	}

	// Everything else falls through to the built web UI.
	s.router.NoRoute(func(c *gin.Context) {
		path := filepath.Join(s.cfg.Server.StaticDir, filepath.Clean(c.Request.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			c.File(path)
			return
		}
		c.File(filepath.Join(s.cfg.Server.StaticDir, "index.html"))
	})
}

// Start runs the server on the configured port
func (s *Server) Start(addr string) error {
	return s.router.Run(addr)
}
