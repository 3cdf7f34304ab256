package main

import (
	"flag"
	"log"
	"os"

	"github.com/WSUHARBOR/MSApublic/internal/api"
	"github.com/WSUHARBOR/MSApublic/internal/config"
	database "github.com/WSUHARBOR/MSApublic/internal/db"
	"github.com/WSUHARBOR/MSApublic/internal/gps"
	"github.com/WSUHARBOR/MSApublic/internal/recorder"
	"github.com/WSUHARBOR/MSApublic/internal/sensor"
	"github.com/WSUHARBOR/MSApublic/internal/storage"
	"github.com/WSUHARBOR/MSApublic/internal/upload"
)

func main() {
	// Flags override config.yaml / environment values
	port := flag.String("port", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting MSA data logger...")

	cfg := config.Load()
	if *port != "" {
		cfg.Server.Port = *port
	}

	db := database.New(cfg)
	db.AutoMigrate()

	recorder.RegisterMetrics()
	upload.RegisterMetrics()

	// Ensure the collection directory exists before anything records
	os.MkdirAll(cfg.Data.Dir, 0755)

	// Hardware acquisition retries internally; a failure here means the
	// process cannot perform its function at all.
	gpsRx, err := gps.Open(cfg.GPS.Bus, cfg.GPS.Address)
	if err != nil {
		log.Fatalf("GPS startup failed: %v", err)
	}
	sensorRx, err := sensor.Open(cfg.Sensor.Device, cfg.Sensor.Baud, cfg.Sensor.LEDPin)
	if err != nil {
		log.Fatalf("Sensor startup failed: %v", err)
	}

	rec := recorder.New(db, gpsRx, sensorRx, cfg.Data.Dir)

	go gpsRx.Run()
	go sensorRx.Run()
	go rec.Run()

	if cfg.Storage.Provider != "" {
		store := storage.New(cfg)
		go upload.New(cfg, store, db).Run()
	} else {
		log.Println("No offload provider configured, collections stay on disk")
	}

	server := api.New(cfg, db, rec, sensorRx, gpsRx)
	log.Printf("Serving on %s", cfg.Server.Port)
	log.Fatal(server.Start(cfg.Server.Port))
}
