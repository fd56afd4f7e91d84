package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Feed polling.
	FeedURL        string
	UpdateInterval time.Duration
	FetchTimeout   time.Duration

	// Home location suggested by the setup wizard.
	HomeLatitude  float64
	HomeLongitude float64

	// Installation store.
	StoreDriver string
	StoreDSN    string

	// Kafka entity event publishing.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaEnabled bool
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	updateInterval, err := parsePositiveDuration("UPDATE_INTERVAL", "300s")
	if err != nil {
		return nil, err
	}

	fetchTimeout, err := parsePositiveDuration("FETCH_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	homeLat, err := parseFloatInRange("HOME_LATITUDE", "37.9755", -90, 90)
	if err != nil {
		return nil, err
	}

	homeLon, err := parseFloatInRange("HOME_LONGITUDE", "23.7348", -180, 180)
	if err != nil {
		return nil, err
	}

	brokers := sharedcfg.ParseBrokers(os.Getenv("KAFKA_BROKERS"))
	kafkaEnabled := len(brokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		FeedURL:        sharedcfg.EnvOrDefault("FEED_URL", "https://bbnet2.gein.noa.gr/data/1"),
		UpdateInterval: updateInterval,
		FetchTimeout:   fetchTimeout,

		HomeLatitude:  homeLat,
		HomeLongitude: homeLon,

		StoreDriver: strings.ToLower(sharedcfg.EnvOrDefault("STORE_DRIVER", "sqlite")),
		StoreDSN:    sharedcfg.EnvOrDefault("STORE_DSN", "seismoi.db"),

		KafkaBrokers: brokers,
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "seismoi-entity-events"),
		KafkaEnabled: kafkaEnabled,
	}

	if cfg.FeedURL == "" {
		return nil, errors.New("FEED_URL is required")
	}
	if cfg.StoreDriver != "sqlite" && cfg.StoreDriver != "postgres" {
		return nil, fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", cfg.StoreDriver)
	}
	if cfg.StoreDSN == "" {
		return nil, errors.New("STORE_DSN is required")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}

	return cfg, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseFloatInRange(key, def string, lo, hi float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(sharedcfg.EnvOrDefault(key, def)), 64)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("invalid %s: must be a number in [%g, %g]", key, lo, hi)
	}
	return v, nil
}
