package database

import (
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/WSUHARBOR/MSApublic/internal/config"
	"github.com/WSUHARBOR/MSApublic/internal/models"
)

type Client struct {
	DB *gorm.DB
}

func New(cfg *config.Config) *Client {
	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Database connected")

	return &Client{DB: db}
}

// AutoMigrate creates/updates tables based on struct definitions
func (c *Client) AutoMigrate() {
	log.Println("Running database migrations...")
	if err := c.DB.AutoMigrate(&models.Collection{}); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations complete")
}
