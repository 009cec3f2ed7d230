package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the timeline service listens on.
	DefaultAddr = ":8080"
	// DefaultRedisURL points the networked cache tier at a local store.
	DefaultRedisURL = "redis://localhost:6379/0"
	// DefaultSnapshotDir is where compressed snapshot buckets are persisted.
	DefaultSnapshotDir = "/tmp/crep-snapshots"
	// DefaultGPUGatewayURL is the Earth-2 forecast gateway endpoint.
	DefaultGPUGatewayURL = "http://localhost:8100"

	// DefaultMemoryCacheSize bounds the in-process LRU tier.
	DefaultMemoryCacheSize = 10000
	// DefaultMemoryCacheTTL bounds how long memory-tier entries stay servable.
	DefaultMemoryCacheTTL = 5 * time.Minute
	// DefaultRedisTTL bounds how long networked-tier entries stay servable.
	DefaultRedisTTL = 24 * time.Hour
	// DefaultSnapshotRetention controls snapshot bucket garbage collection.
	DefaultSnapshotRetention = 7 * 24 * time.Hour
	// DefaultSnapshotSweepInterval controls the retention sweeper cadence.
	DefaultSnapshotSweepInterval = time.Hour

	// DefaultPredictionCacheTTL bounds reuse of recent prediction results.
	DefaultPredictionCacheTTL = 60 * time.Second

	// DefaultAdminRateWindow bounds how frequently cache invalidation may be requested.
	DefaultAdminRateWindow = time.Minute
	// DefaultAdminRateBurst sets how many invalidations may run per window.
	DefaultAdminRateBurst = 4

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "timeline.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// PostgresConfig carries the prediction-store connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MinConns int
	MaxConns int
}

// DSN renders the config as a libpq-style connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the timeline service.
type Config struct {
	Address               string
	RedisURL              string
	SnapshotDir           string
	GPUGatewayURL         string
	Postgres              PostgresConfig
	MemoryCacheSize       int
	MemoryCacheTTL        time.Duration
	RedisTTL              time.Duration
	SnapshotRetention     time.Duration
	SnapshotSweepInterval time.Duration
	PredictionCacheTTL    time.Duration
	AdminToken            string
	AdminRateWindow       time.Duration
	AdminRateBurst        int
	Logging               LoggingConfig
}

// Load reads the service configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:       getString("CREP_ADDR", DefaultAddr),
		RedisURL:      getString("REDIS_URL", DefaultRedisURL),
		SnapshotDir:   getString("SNAPSHOT_DIR", DefaultSnapshotDir),
		GPUGatewayURL: getString("GPU_GATEWAY_URL", DefaultGPUGatewayURL),
		Postgres: PostgresConfig{
			Host:     getString("POSTGRES_HOST", "localhost"),
			Port:     5432,
			User:     getString("POSTGRES_USER", "crep"),
			Password: strings.TrimSpace(os.Getenv("POSTGRES_PASSWORD")),
			Database: getString("POSTGRES_DB", "crep"),
			SSLMode:  getString("POSTGRES_SSLMODE", "disable"),
			MinConns: 2,
			MaxConns: 10,
		},
		MemoryCacheSize:       DefaultMemoryCacheSize,
		MemoryCacheTTL:        DefaultMemoryCacheTTL,
		RedisTTL:              DefaultRedisTTL,
		SnapshotRetention:     DefaultSnapshotRetention,
		SnapshotSweepInterval: DefaultSnapshotSweepInterval,
		PredictionCacheTTL:    DefaultPredictionCacheTTL,
		AdminToken:            strings.TrimSpace(os.Getenv("CREP_ADMIN_TOKEN")),
		AdminRateWindow:       DefaultAdminRateWindow,
		AdminRateBurst:        DefaultAdminRateBurst,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("CREP_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("CREP_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("POSTGRES_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 || value > 65535 {
			problems = append(problems, fmt.Sprintf("POSTGRES_PORT must be a valid port, got %q", raw))
		} else {
			cfg.Postgres.Port = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("POSTGRES_MIN_CONNS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("POSTGRES_MIN_CONNS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Postgres.MinConns = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("POSTGRES_MAX_CONNS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("POSTGRES_MAX_CONNS must be a positive integer, got %q", raw))
		} else {
			cfg.Postgres.MaxConns = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_MEMORY_CACHE_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_MEMORY_CACHE_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.MemoryCacheSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_MEMORY_CACHE_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_MEMORY_CACHE_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.MemoryCacheTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_REDIS_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_REDIS_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.RedisTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_SNAPSHOT_RETENTION")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_SNAPSHOT_RETENTION must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotRetention = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_SNAPSHOT_SWEEP_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_SNAPSHOT_SWEEP_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.SnapshotSweepInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_PREDICTION_CACHE_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_PREDICTION_CACHE_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.PredictionCacheTTL = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CREP_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("CREP_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("CREP_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_ADMIN_RATE_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_ADMIN_RATE_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.AdminRateWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("CREP_ADMIN_RATE_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CREP_ADMIN_RATE_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.AdminRateBurst = value
		}
	}

	if cfg.Postgres.MinConns > cfg.Postgres.MaxConns {
		problems = append(problems, "POSTGRES_MIN_CONNS must not exceed POSTGRES_MAX_CONNS")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
