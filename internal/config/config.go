// Package config loads compote's daemon configuration from environment
// variables, failing fast on a missing required value.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the daemon's full configuration.
type Config struct {
	// RFSC / Cache Action Log
	StateDir         string        // RemoteFileStateCachePath
	DebugLogPath     string        // RemoteFileStateCacheDebugLogPath (optional)
	BatchUploadDelay time.Duration // BatchUploadConsolidationDelay

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsAddr string

	// Remote Storage Port: S3/MinIO backend
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool
}

// Load reads configuration from environment variables with defaults,
// returning an error immediately if a required field is absent.
func Load() (*Config, error) {
	cfg := &Config{
		StateDir:         envOr("COMPOTE_STATE_DIR", ""),
		DebugLogPath:     envOr("COMPOTE_DEBUG_LOG_PATH", ""),
		BatchUploadDelay: envDuration("COMPOTE_BATCH_DELAY", 5*time.Second),
		LogLevel:         envOr("COMPOTE_LOG_LEVEL", "info"),
		LogFormat:        envOr("COMPOTE_LOG_FORMAT", "json"),
		MetricsAddr:      envOr("COMPOTE_METRICS_ADDR", ":9090"),
		S3Endpoint:       envOr("COMPOTE_S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("COMPOTE_S3_BUCKET", ""),
		S3AccessKey:      envOr("COMPOTE_S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("COMPOTE_S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("COMPOTE_S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("COMPOTE_S3_USE_SSL", false),
	}

	if cfg.StateDir == "" {
		return nil, fmt.Errorf("COMPOTE_STATE_DIR is required")
	}
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("COMPOTE_S3_BUCKET is required")
	}

	return cfg, nil
}

// ActionQueueDir is <StateDir>/ActionQueue.
func (c *Config) ActionQueueDir() string {
	return c.StateDir + string(os.PathSeparator) + "ActionQueue"
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
