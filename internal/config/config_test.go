package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pulse")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.QueueName != "email_queue" || cfg.WorkerBatchSize != 10 || cfg.MaxRetries != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WorkerInterval != 5*time.Second || cfg.StaleJobAfter != 15*time.Minute {
		t.Errorf("durations = %v, %v", cfg.WorkerInterval, cfg.StaleJobAfter)
	}
	if cfg.UsageRollupSchedule != "5 0 1 * *" || cfg.Development() {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	os.Unsetenv("DATABASE_URL")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "DATABASE_URL=postgres://from-file/pulse\nQUEUE_NAME=file_queue\nCORS_ALLOWED_ORIGINS=https://a.example.com,https://b.example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QUEUE_NAME", "env_queue")
	t.Setenv("DATABASE_URL", "")
	os.Unsetenv("DATABASE_URL")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	os.Unsetenv("CORS_ALLOWED_ORIGINS")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://from-file/pulse" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.QueueName != "env_queue" {
		t.Errorf("QueueName = %q, environment should win", cfg.QueueName)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		WorkerBatchSize:     10,
		WorkerInterval:      time.Second,
		MaxRetries:          3,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     time.Minute,
		StaleJobAfter:       time.Hour,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero batch", func(c *Config) { c.WorkerBatchSize = 0 }, true},
		{"too many retries", func(c *Config) { c.MaxRetries = 11 }, true},
		{"max below initial", func(c *Config) { c.RetryMaxBackoff = time.Millisecond }, true},
		{"stale before retry due", func(c *Config) { c.StaleJobAfter = 30 * time.Second }, true},
		{"stale sweep disabled", func(c *Config) { c.StaleJobAfter = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
