package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/dustin/go-humanize"
)

const (
	maxFetchWorkers = 64

	StoreDriverPostgres = "pgx"
	StoreDriverSQLite   = "sqlite"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Scan cache.
	CacheDir      string
	CacheMaxBytes int64
	FetchWorkers  int

	// Remote archive.
	ArchiveBaseURL string
	ArchiveTimeout time.Duration

	// StationsFile overrides the embedded station catalog when set.
	StationsFile string

	// Record store.
	StoreEnabled         bool
	StoreDriver          string
	StoreDSN             string
	StoreConnectAttempts int

	// External decoder; empty URL disables metadata and record storage.
	DecoderURL     string
	DecoderTimeout time.Duration

	// Scan events; empty broker list disables publishing.
	KafkaBrokers   []string
	KafkaScanTopic string

	// FeedsConfig is the path to the severe report feeds YAML file.
	FeedsConfig string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cacheMaxBytes, err := humanize.ParseBytes(sharedcfg.EnvOrDefault("CACHE_MAX_BYTES", "2GB"))
	if err != nil || cacheMaxBytes == 0 || cacheMaxBytes > math.MaxInt64 {
		return nil, errors.New("invalid CACHE_MAX_BYTES")
	}

	fetchWorkers, err := strconv.Atoi(sharedcfg.EnvOrDefault("FETCH_WORKERS", "4"))
	if err != nil || fetchWorkers < 1 || fetchWorkers > maxFetchWorkers {
		return nil, fmt.Errorf("invalid FETCH_WORKERS: must be between 1 and %d", maxFetchWorkers)
	}

	archiveTimeout, err := parsePositiveDuration("ARCHIVE_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}
	decoderTimeout, err := parsePositiveDuration("DECODER_TIMEOUT", "30s")
	if err != nil {
		return nil, err
	}

	storeEnabled := sharedcfg.EnvOrDefault("STORE_ENABLED", "true") != "false"
	connectAttempts, err := strconv.Atoi(sharedcfg.EnvOrDefault("STORE_CONNECT_ATTEMPTS", "5"))
	if err != nil || connectAttempts < 1 {
		return nil, errors.New("invalid STORE_CONNECT_ATTEMPTS")
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		brokers = sharedcfg.ParseBrokers(raw)
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		CacheDir:      sharedcfg.EnvOrDefault("CACHE_DIR", "./nexrad_cache"),
		CacheMaxBytes: int64(cacheMaxBytes),
		FetchWorkers:  fetchWorkers,

		ArchiveBaseURL: sharedcfg.EnvOrDefault("ARCHIVE_BASE_URL", "https://unidata-nexrad-level2.s3.amazonaws.com"),
		ArchiveTimeout: archiveTimeout,

		StationsFile: os.Getenv("STATIONS_FILE"),

		StoreEnabled:         storeEnabled,
		StoreDriver:          sharedcfg.EnvOrDefault("STORE_DRIVER", StoreDriverPostgres),
		StoreDSN:             os.Getenv("STORE_DSN"),
		StoreConnectAttempts: connectAttempts,

		DecoderURL:     os.Getenv("DECODER_URL"),
		DecoderTimeout: decoderTimeout,

		KafkaBrokers:   brokers,
		KafkaScanTopic: sharedcfg.EnvOrDefault("KAFKA_SCAN_TOPIC", "radar-scans"),

		FeedsConfig: os.Getenv("FEEDS_CONFIG"),
	}

	if cfg.CacheDir == "" {
		return nil, errors.New("CACHE_DIR is required")
	}
	if _, err := url.ParseRequestURI(cfg.ArchiveBaseURL); err != nil {
		return nil, fmt.Errorf("invalid ARCHIVE_BASE_URL: %w", err)
	}
	if cfg.DecoderURL != "" {
		if _, err := url.ParseRequestURI(cfg.DecoderURL); err != nil {
			return nil, fmt.Errorf("invalid DECODER_URL: %w", err)
		}
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.StoreDSN == "" {
			cfg.StoreDSN = postgresDSN()
		}
	case StoreDriverSQLite:
		if cfg.StoreDSN == "" {
			cfg.StoreDSN = "radar.db"
		}
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER %q: must be %q or %q", cfg.StoreDriver, StoreDriverPostgres, StoreDriverSQLite)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaScanTopic == "" {
		return nil, errors.New("KAFKA_SCAN_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// postgresDSN builds a connection URL from the PG_* variables used by the
// collector scripts.
func postgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User: url.UserPassword(
			sharedcfg.EnvOrDefault("PG_USER", "admin"),
			sharedcfg.EnvOrDefault("PG_PASSWORD", "password"),
		),
		Host: sharedcfg.EnvOrDefault("PG_HOST", "localhost") + ":" + sharedcfg.EnvOrDefault("PG_PORT", "5432"),
		Path: "/" + sharedcfg.EnvOrDefault("PG_DATABASE", "weather_db"),
	}
	q := u.Query()
	q.Set("sslmode", sharedcfg.EnvOrDefault("PG_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}
