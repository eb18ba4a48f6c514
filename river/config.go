// Package river is the durable driver: it backs the scheduler's dispatcher
// with riverqueue jobs so run starts, timed resumes, and deferred events
// survive process restarts, and it implements the transactional event bus.
package river

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chorusflow/chorus/event"
	"github.com/chorusflow/chorus/scheduler"
)

// Default configuration values.
const (
	// DefaultWorkers is the default number of worker goroutines.
	// Use -1 to auto-detect (runtime.NumCPU()), 0 for insert-only mode.
	DefaultWorkers = -1

	// DefaultJobTimeout is the default timeout for job execution.
	DefaultJobTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultReapInterval is how often the periodic reap job runs.
	DefaultReapInterval = 15 * time.Second

	// DefaultReapBatch caps the markers swept per reap job.
	DefaultReapBatch = 100
)

// TxLog is the durable event log with transactional append, so an event and
// the job that delivers it commit atomically.
type TxLog interface {
	event.Log
	AppendTx(ctx context.Context, tx pgx.Tx, e event.Event) error
}

// Config configures the Runner.
type Config struct {
	// Pool is the PostgreSQL connection pool. Required.
	Pool *pgxpool.Pool

	// Schemas validates payloads at publish time. Required.
	Schemas *event.Schemas

	// Log is the durable event log. Required.
	Log TxLog

	// Logger is the logging interface. If nil, logs are discarded.
	Logger scheduler.Logger

	// Workers is the number of worker goroutines for processing jobs.
	// If zero, runs in insert-only mode (no job processing).
	// If negative, defaults to runtime.NumCPU().
	Workers int

	// JobTimeout is the maximum duration for a single job execution.
	// If zero, defaults to DefaultJobTimeout (30s).
	JobTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// If zero, defaults to DefaultShutdownTimeout (30s).
	ShutdownTimeout time.Duration

	// ReapInterval is how often overdue sleep markers are swept.
	// If zero, defaults to DefaultReapInterval (15s).
	ReapInterval time.Duration

	// ReapBatch caps markers per sweep. If zero, DefaultReapBatch (100).
	ReapBatch int
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.Schemas == nil {
		return errors.New("river: Schemas is required")
	}
	if c.Log == nil {
		return errors.New("river: Log is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
// Workers=0 means insert-only mode and is preserved.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.ReapBatch <= 0 {
		cfg.ReapBatch = DefaultReapBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}

	return cfg
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
