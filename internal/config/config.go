package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      string `mapstructure:"port"`
		StaticDir string `mapstructure:"static_dir"`
	} `mapstructure:"server"`
	Data struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"data"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	GPS struct {
		Bus     string `mapstructure:"bus"`
		Address int    `mapstructure:"address"`
	} `mapstructure:"gps"`
	Sensor struct {
		Device string `mapstructure:"device"`
		Baud   int    `mapstructure:"baud"`
		LEDPin string `mapstructure:"led_pin"`
	} `mapstructure:"sensor"`
	Storage struct {
		Provider        string `mapstructure:"provider"`
		Endpoint        string `mapstructure:"endpoint"`
		Region          string `mapstructure:"region"`
		KeyID           string `mapstructure:"key_id"`
		AppKey          string `mapstructure:"app_key"`
		Bucket          string `mapstructure:"bucket"`
		LocalPath       string `mapstructure:"local_path"`
		PollingInterval int    `mapstructure:"polling_interval_seconds"`
	} `mapstructure:"storage"`
}

func Load() *Config {
	viper.SetEnvPrefix("MSA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Register keys
	viper.BindEnv("server.port")
	viper.BindEnv("server.static_dir")
	viper.BindEnv("data.dir")
	viper.BindEnv("database.path")

	// GPS board bindings
	viper.BindEnv("gps.bus")
	viper.BindEnv("gps.address")

	// Winsen board bindings
	viper.BindEnv("sensor.device")
	viper.BindEnv("sensor.baud")
	viper.BindEnv("sensor.led_pin")

	// Offload storage bindings
	viper.BindEnv("storage.provider")
	viper.BindEnv("storage.endpoint")
	viper.BindEnv("storage.region")
	viper.BindEnv("storage.key_id")
	viper.BindEnv("storage.app_key")
	viper.BindEnv("storage.bucket")
	viper.BindEnv("storage.local_path")
	viper.BindEnv("storage.polling_interval_seconds")

	// Defaults
	viper.SetDefault("server.port", ":8080")
	viper.SetDefault("server.static_dir", "../web/build")
	viper.SetDefault("data.dir", ".")
	viper.SetDefault("database.path", "storage.db")

	// Hardware defaults match the flight wiring: u-blox on i2c-1 at 0x42,
	// Winsen ZPHS01B on the Pi UART, activity LED on GPIO16.
	viper.SetDefault("gps.bus", "1")
	viper.SetDefault("gps.address", 0x42)
	viper.SetDefault("sensor.device", "/dev/ttyAMA0")
	viper.SetDefault("sensor.baud", 9600)
	viper.SetDefault("sensor.led_pin", "GPIO16")

	// Offload is opt-in: no provider means collections stay on disk
	viper.SetDefault("storage.provider", "")
	viper.SetDefault("storage.local_path", "./offload")
	viper.SetDefault("storage.polling_interval_seconds", 60)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("Warning: Config error: %s", err)
		} else {
			log.Println("Info: config.yaml not found, using Environment Variables only.")
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode config: %v", err)
	}

	return &cfg
}
