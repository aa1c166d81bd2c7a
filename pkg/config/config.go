// Package config assembles the tracker configuration from defaults, an
// optional YAML file and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"constellation-tracker/pkg/ontology"
)

const (
	SourceForeground = "foreground"
	SourceHostBridge = "host-bridge"

	DefaultAPIToken = "tracker-dev-token"
)

type Config struct {
	Port     string `yaml:"port" validate:"required,numeric"`
	APIToken string `yaml:"-" validate:"required"`
	OwnerID  string `yaml:"owner_id" validate:"required,max=128,excludesall=.*>"`
	DBPath   string `yaml:"db_path" validate:"required"`

	NATSPort    int    `yaml:"nats_port" validate:"min=-1,max=65535"`
	NATSDataDir string `yaml:"nats_data_dir" validate:"required"`

	Source             string        `yaml:"source" validate:"oneof=foreground host-bridge"`
	MinTime            time.Duration `yaml:"min_time" validate:"gt=0"`
	MinDistance        float64       `yaml:"min_distance" validate:"gte=0"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" validate:"gt=0"`
	BackgroundInterval time.Duration `yaml:"background_interval" validate:"gte=1m"`
	SyncInterval       time.Duration `yaml:"sync_interval" validate:"gte=1s"`

	Permission   string   `yaml:"permission" validate:"oneof=granted denied prompt"`
	BatteryLevel *float64 `yaml:"battery_level" validate:"omitempty,min=0,max=1"`

	Geofences []ontology.GeofenceArea `yaml:"geofences" validate:"dive"`
}

func Default() *Config {
	return &Config{
		Port:               "8080",
		APIToken:           DefaultAPIToken,
		OwnerID:            "default",
		DBPath:             "./data/tracker.db",
		NATSPort:           4222,
		NATSDataDir:        "./data/nats",
		Source:             SourceForeground,
		MinTime:            30 * time.Second,
		MinDistance:        10,
		AcquireTimeout:     5 * time.Second,
		BackgroundInterval: 15 * time.Minute,
		SyncInterval:       time.Minute,
		Permission:         "granted",
	}
}

// LoadDotEnv loads a .env file if present and reports whether it did.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// Load builds the configuration. The YAML file named by TRACKER_CONFIG is
// applied first; environment variables override it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("TRACKER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.APIToken, "API_BEARER_TOKEN")
	setString(&c.OwnerID, "TRACKER_OWNER_ID")
	setString(&c.DBPath, "TRACKER_DB_PATH")
	setString(&c.NATSDataDir, "NATS_DATA_DIR")
	setString(&c.Source, "TRACKER_SOURCE")
	setString(&c.Permission, "TRACKER_PERMISSION")

	if v := os.Getenv("NATS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NATS_PORT %q: %w", v, err)
		}
		c.NATSPort = port
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TRACKER_MIN_TIME", &c.MinTime},
		{"TRACKER_ACQUIRE_TIMEOUT", &c.AcquireTimeout},
		{"TRACKER_BACKGROUND_INTERVAL", &c.BackgroundInterval},
		{"TRACKER_SYNC_INTERVAL", &c.SyncInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("TRACKER_MIN_DISTANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TRACKER_MIN_DISTANCE %q: %w", v, err)
		}
		c.MinDistance = f
	}

	if v := os.Getenv("TRACKER_BATTERY_LEVEL"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TRACKER_BATTERY_LEVEL %q: %w", v, err)
		}
		c.BatteryLevel = &f
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks field constraints, including every seeded geofence.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
