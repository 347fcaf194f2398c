package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultServerPort     = "8080"
	defaultRedisAddr      = "localhost:6379"
	defaultRedisStream    = "forms.lifecycle"
	defaultMinioEndpoint  = "localhost:9000"
	defaultMinioUser      = "minioadmin"
	defaultMinioPassword  = "minioadmin"
	defaultMinioBucket    = "trainee-forms-snapshots"
	defaultLogLevel       = "info"
	defaultDrainInterval  = 5 * time.Second
	defaultDrainBatchSize = 50
	defaultDrainLeaseFor  = 30 * time.Second
	defaultRenderTimeout  = 10 * time.Second

	envServerPort     = "SERVER_PORT"
	envDatabaseDSN    = "DATABASE_DSN"
	envRedisAddr      = "REDIS_ADDR"
	envRedisPassword  = "REDIS_PASSWORD"
	envRedisStream    = "REDIS_STREAM"
	envMinioEndpoint  = "MINIO_ENDPOINT"
	envMinioUser      = "MINIO_USER"
	envMinioPassword  = "MINIO_PASSWORD"
	envMinioBucket    = "MINIO_BUCKET"
	envJWTSecret      = "JWT_SECRET" //nolint:gosec // environment variable name, not a credential
	envLogLevel       = "LOG_LEVEL"
	envDrainInterval  = "DRAIN_INTERVAL"
	envDrainBatchSize = "DRAIN_BATCH_SIZE"
	envDrainLeaseFor  = "DRAIN_LEASE_FOR"
	envRenderTimeout  = "RENDER_TIMEOUT"
)

// config holds the server configuration.
type config struct {
	Port          string
	DatabaseDSN   string
	RedisAddr     string
	RedisPassword string
	RedisStream   string
	MinioEndpoint string
	MinioUser     string
	MinioPassword string
	MinioBucket   string
	JWTSecret     string
	LogLevel      string
	LogPretty     bool

	DrainInterval  time.Duration
	DrainBatchSize int
	DrainLeaseFor  time.Duration
	RenderTimeout  time.Duration
}

// parseFlags reads flags first and falls back to environment variables, then
// defaults. DATABASE_DSN and JWT_SECRET have no sane default and are
// required.
func parseFlags() (*config, error) {
	cfg := &config{}

	flag.StringVar(&cfg.Port, "port", "",
		fmt.Sprintf("HTTP server port (env: %s, default: %s)", envServerPort, defaultServerPort))
	flag.StringVar(&cfg.DatabaseDSN, "database-dsn", "",
		fmt.Sprintf("PostgreSQL connection string (env: %s)", envDatabaseDSN))
	flag.StringVar(&cfg.RedisAddr, "redis-addr", "",
		fmt.Sprintf("Redis address for the event bus (env: %s, default: %s)", envRedisAddr, defaultRedisAddr))
	flag.StringVar(&cfg.RedisStream, "redis-stream", "",
		fmt.Sprintf("Redis stream for lifecycle events (env: %s, default: %s)", envRedisStream, defaultRedisStream))
	flag.StringVar(&cfg.MinioEndpoint, "minio-endpoint", "",
		fmt.Sprintf("MinIO endpoint for snapshot storage (env: %s, default: %s)", envMinioEndpoint, defaultMinioEndpoint))
	flag.StringVar(&cfg.MinioBucket, "minio-bucket", "",
		fmt.Sprintf("MinIO bucket for snapshots (env: %s, default: %s)", envMinioBucket, defaultMinioBucket))
	flag.StringVar(&cfg.LogLevel, "log-level", "",
		fmt.Sprintf("log level: debug, info, warn, error (env: %s, default: %s)", envLogLevel, defaultLogLevel))
	flag.BoolVar(&cfg.LogPretty, "log-pretty", false, "human-readable console logging")
	flag.DurationVar(&cfg.DrainInterval, "drain-interval", 0,
		fmt.Sprintf("outbox drain interval (env: %s, default: %s)", envDrainInterval, defaultDrainInterval))
	flag.IntVar(&cfg.DrainBatchSize, "drain-batch-size", 0,
		fmt.Sprintf("events leased per drain cycle (env: %s, default: %d)", envDrainBatchSize, defaultDrainBatchSize))
	flag.DurationVar(&cfg.DrainLeaseFor, "drain-lease-for", 0,
		fmt.Sprintf("outbox lease duration (env: %s, default: %s)", envDrainLeaseFor, defaultDrainLeaseFor))
	flag.DurationVar(&cfg.RenderTimeout, "render-timeout", 0,
		fmt.Sprintf("PDF render timeout (env: %s, default: %s)", envRenderTimeout, defaultRenderTimeout))

	flag.Parse()

	applyString(&cfg.Port, envServerPort, defaultServerPort)
	applyString(&cfg.DatabaseDSN, envDatabaseDSN, "")
	applyString(&cfg.RedisAddr, envRedisAddr, defaultRedisAddr)
	applyString(&cfg.RedisPassword, envRedisPassword, "")
	applyString(&cfg.RedisStream, envRedisStream, defaultRedisStream)
	applyString(&cfg.MinioEndpoint, envMinioEndpoint, defaultMinioEndpoint)
	applyString(&cfg.MinioUser, envMinioUser, defaultMinioUser)
	applyString(&cfg.MinioPassword, envMinioPassword, defaultMinioPassword)
	applyString(&cfg.MinioBucket, envMinioBucket, defaultMinioBucket)
	applyString(&cfg.JWTSecret, envJWTSecret, "")
	applyString(&cfg.LogLevel, envLogLevel, defaultLogLevel)
	if err := applyDuration(&cfg.DrainInterval, envDrainInterval, defaultDrainInterval); err != nil {
		return nil, err
	}
	if err := applyInt(&cfg.DrainBatchSize, envDrainBatchSize, defaultDrainBatchSize); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.DrainLeaseFor, envDrainLeaseFor, defaultDrainLeaseFor); err != nil {
		return nil, err
	}
	if err := applyDuration(&cfg.RenderTimeout, envRenderTimeout, defaultRenderTimeout); err != nil {
		return nil, err
	}

	if cfg.DatabaseDSN == "" {
		return nil, errors.New("database connection string is required (--database-dsn or " + envDatabaseDSN + ")")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("token signing secret is required (" + envJWTSecret + ")")
	}
	if cfg.DrainBatchSize <= 0 {
		return nil, errors.New("drain batch size must be positive")
	}

	return cfg, nil
}

func applyString(target *string, envName, fallback string) {
	if *target != "" {
		return
	}
	if value, ok := os.LookupEnv(envName); ok {
		*target = value
		return
	}
	*target = fallback
}

func applyDuration(target *time.Duration, envName string, fallback time.Duration) error {
	if *target != 0 {
		return nil
	}
	if value, ok := os.LookupEnv(envName); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", envName, err)
		}
		*target = parsed
		return nil
	}
	*target = fallback
	return nil
}

func applyInt(target *int, envName string, fallback int) error {
	if *target != 0 {
		return nil
	}
	if value, ok := os.LookupEnv(envName); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", envName, err)
		}
		*target = parsed
		return nil
	}
	*target = fallback
	return nil
}
