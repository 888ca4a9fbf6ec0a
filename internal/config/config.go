// Package config parses and validates the job runner configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Load fails if DATABASE_URL is missing or any value is out of range.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runner configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`
	// DBIsolationLevel: "serializable", "repeatable_read" or "read_committed".
	DBIsolationLevel string `env:"DB_ISOLATION_LEVEL" envDefault:"serializable"`

	// ── Queue ────────────────────────────────────────────────────────────────────
	QueueTable     string `env:"QUEUE_TABLE"     envDefault:"jobs"`
	IterationLimit int    `env:"ITERATION_LIMIT" envDefault:"1000"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY"   envDefault:"4"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	// Jobs per second across the pool; 0 disables the limiter.
	WorkerMaxRate float64 `env:"WORKER_MAX_RATE" envDefault:"0"`

	// ── Execution ────────────────────────────────────────────────────────────────
	// 0 means a job may run (or wait on deferred work) indefinitely.
	JobTimeout           time.Duration `env:"JOB_TIMEOUT"            envDefault:"0s"`
	BackoffMaxDelay      time.Duration `env:"BACKOFF_MAX_DELAY"      envDefault:"24h"`
	RecordFailureHistory bool          `env:"RECORD_FAILURE_HISTORY" envDefault:"true"`

	// ── Process ──────────────────────────────────────────────────────────────────
	// Empty disables the /metrics listener.
	MetricsAddr            string `env:"METRICS_ADDR"             envDefault:":9090"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty"))
	}
	switch c.DBQueryExecMode {
	case "simple_protocol", "extended_protocol":
	default:
		errs = append(errs, fmt.Errorf("DB_QUERY_EXEC_MODE: unknown mode %q", c.DBQueryExecMode))
	}
	switch c.DBIsolationLevel {
	case "serializable", "repeatable_read", "read_committed":
	default:
		errs = append(errs, fmt.Errorf("DB_ISOLATION_LEVEL: unknown level %q", c.DBIsolationLevel))
	}
	if c.QueueTable == "" {
		errs = append(errs, errors.New("QUEUE_TABLE must not be empty"))
	}
	if c.IterationLimit < 1 {
		errs = append(errs, fmt.Errorf("ITERATION_LIMIT must be >= 1, got %d", c.IterationLimit))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.WorkerPollInterval))
	}
	if c.WorkerMaxRate < 0 {
		errs = append(errs, fmt.Errorf("WORKER_MAX_RATE must not be negative, got %g", c.WorkerMaxRate))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("JOB_TIMEOUT must not be negative, got %s", c.JobTimeout))
	}
	if c.BackoffMaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX_DELAY must be positive, got %s", c.BackoffMaxDelay))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the runner is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
