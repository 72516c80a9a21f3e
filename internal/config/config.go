package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost      string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort      int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser      string `envconfig:"SMTP_USER" default:""`
	SMTPPassword  string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom      string `envconfig:"SMTP_FROM" default:"noreply@pulsequeue.dev"`
	SMTPRateLimit int    `envconfig:"SMTP_RATE_LIMIT" default:"10"`

	// ----------------------------
	// Worker
	// ----------------------------
	WorkerInterval      time.Duration `envconfig:"WORKER_INTERVAL" default:"5s"`
	WorkerBatchSize     int           `envconfig:"WORKER_BATCH_SIZE" default:"10"`
	MaxRetries          int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryInitialBackoff time.Duration `envconfig:"RETRY_INITIAL_BACKOFF" default:"30s"`
	RetryMaxBackoff     time.Duration `envconfig:"RETRY_MAX_BACKOFF" default:"10m"`
	StaleJobAfter       time.Duration `envconfig:"STALE_JOB_AFTER" default:"15m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort            string   `envconfig:"API_PORT" default:"8080"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
	MaxBulkRows        int      `envconfig:"MAX_BULK_ROWS" default:"1000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// ----------------------------
	// Redis
	// ----------------------------
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	QueueName     string `envconfig:"QUEUE_NAME" default:"email_queue"`

	// ----------------------------
	// Drive object storage (disabled without a bucket)
	// ----------------------------
	S3Endpoint      string        `envconfig:"S3_ENDPOINT" default:""`
	S3Region        string        `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket        string        `envconfig:"S3_BUCKET" default:""`
	S3AccessKey     string        `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey     string        `envconfig:"S3_SECRET_KEY" default:""`
	S3PresignExpiry time.Duration `envconfig:"S3_PRESIGN_EXPIRY" default:"15m"`

	// ----------------------------
	// Usage rollup
	// ----------------------------
	UsageRollupSchedule string `envconfig:"USAGE_ROLLUP_SCHEDULE" default:"5 0 1 * *"`

	// ----------------------------
	// Logging
	// ----------------------------
	AppEnv   string `envconfig:"APP_ENV" default:"production"`
	LogLevel string `envconfig:"LOG_LEVEL" default:""`
}

// Load reads .env files (when present) and then the environment. Variables
// already set in the environment win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the worker cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.WorkerBatchSize <= 0:
		return errors.New("WORKER_BATCH_SIZE must be positive")
	case c.WorkerInterval <= 0:
		return errors.New("WORKER_INTERVAL must be positive")
	case c.MaxRetries < 1 || c.MaxRetries > 10:
		return errors.New("MAX_RETRIES must be between 1 and 10")
	case c.RetryMaxBackoff < c.RetryInitialBackoff:
		return errors.New("RETRY_MAX_BACKOFF must not be below RETRY_INITIAL_BACKOFF")
	case c.StaleJobAfter > 0 && c.StaleJobAfter <= c.RetryMaxBackoff:
		// a delayed retry would look stale before it is due
		return errors.New("STALE_JOB_AFTER must exceed RETRY_MAX_BACKOFF")
	}
	return nil
}

// Development reports whether APP_ENV asks for human-readable logs.
func (c *Config) Development() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}
