// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all sync-daemon configuration.
type Config struct {
	// Server
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database. Empty means the in-memory store (no persistence across runs).
	DatabaseURL string

	// Watched roots, colon-separated. May also be given on the command line.
	WatchRoots []string

	// Blob backend ("local" or "s3") for cached derived payloads.
	BlobBackend string
	BlobPath    string

	// S3 blob backend (used when BlobBackend == "s3")
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Analysis engine (ONNX)
	ModelPath  string
	OrtLibPath string
	OrtThreads int

	// Pipeline tuning
	DebounceWindow   time.Duration // quiet window between raw events for a path
	CreationGrace    time.Duration // window after Created during which Modified is absorbed
	RescanInterval   time.Duration // periodic full-rescan interval
	Workers          int           // worker-pool size
	RetryLimit       int           // attempts per task for transient failures
	RetryBackoff     time.Duration // initial backoff, exponential
	TombstoneGrace   time.Duration // age before a tombstoned record is reaped
	ProbeInterval    time.Duration // root reachability probe interval
	WatchdogInterval time.Duration // worker liveness check interval
	SweepInterval    time.Duration // reconciliation sweep interval
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", ""),

		BlobBackend: envOr("BLOB_BACKEND", "local"),
		BlobPath:    envOr("BLOB_PATH", defaultBlobPath()),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:    envOr("S3_BUCKET", "persimmon-cache"),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3UseSSL:    envBool("S3_USE_SSL", false),

		ModelPath:  envOr("MODEL_PATH", ""),
		OrtLibPath: envOr("ORT_LIB_PATH", ""),
		OrtThreads: envInt("ORT_THREADS", 0),

		DebounceWindow:   envDuration("DEBOUNCE_WINDOW", 500*time.Millisecond),
		CreationGrace:    envDuration("CREATION_GRACE", 2*time.Second),
		RescanInterval:   envDuration("RESCAN_INTERVAL", 10*time.Minute),
		Workers:          envInt("WORKERS", 2),
		RetryLimit:       envInt("RETRY_LIMIT", 3),
		RetryBackoff:     envDuration("RETRY_BACKOFF", time.Second),
		TombstoneGrace:   envDuration("TOMBSTONE_GRACE", 24*time.Hour),
		ProbeInterval:    envDuration("PROBE_INTERVAL", 15*time.Second),
		WatchdogInterval: envDuration("WATCHDOG_INTERVAL", 2*time.Minute),
		SweepInterval:    envDuration("SWEEP_INTERVAL", time.Hour),
	}

	if roots := os.Getenv("WATCH_ROOTS"); roots != "" {
		for _, r := range strings.Split(roots, ":") {
			if r != "" {
				cfg.WatchRoots = append(cfg.WatchRoots, r)
			}
		}
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BlobBackend != "local" && cfg.BlobBackend != "s3" {
		return nil, fmt.Errorf("BLOB_BACKEND must be \"local\" or \"s3\", got %q", cfg.BlobBackend)
	}
	if cfg.BlobBackend == "s3" && (cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 blob backend")
	}

	return cfg, nil
}

func defaultBlobPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".persimmon/cache"
	}
	return home + "/.persimmon/cache"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
