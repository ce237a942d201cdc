package outbox

import (
	"time"

	"github.com/enverbisevac/pipeline/lock"
	"github.com/enverbisevac/pipeline/trace"
)

// Config holds the configuration for the Processor.
type Config struct {
	// WorkerID identifies this processor in message locks.
	WorkerID string

	// PollInterval is the tick between drain cycles.
	PollInterval time.Duration

	// BatchSize is the maximum number of messages fetched per tick.
	BatchSize int

	// MaxAttempts is the number of publish attempts before a message is
	// abandoned.
	MaxAttempts int

	// Lease bounds how long a claim is honored before other workers may
	// recover the message.
	Lease time.Duration

	// Retry computes the delay before a failed message becomes due again.
	Retry Backoff

	// CleanupEveryTicks runs the retention sweep every N ticks.
	// Zero disables the sweep.
	CleanupEveryTicks int

	// PublishedRetention and AbandonedRetention bound how long terminal
	// messages are kept before the sweep deletes them.
	PublishedRetention time.Duration
	AbandonedRetention time.Duration

	// SweepLock, when set, serializes the cleanup sweep across workers
	// sharing a store. A worker that loses the try-lock skips the sweep.
	SweepLock lock.Locker

	// Emitter observes pipeline stages. Always wrapped with trace.Safe.
	Emitter trace.Emitter
}

// An Option configures a Processor instance.
type Option interface {
	Apply(*Config)
}

// OptionFunc is a function that configures a Processor config.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithWorkerID sets the worker identity recorded in message locks.
func WithWorkerID(s string) Option {
	return OptionFunc(func(c *Config) {
		if s != "" {
			c.WorkerID = s
		}
	})
}

// WithPollInterval sets how often the processor drains the store.
func WithPollInterval(d time.Duration) Option {
	return OptionFunc(func(c *Config) {
		if d > 0 {
			c.PollInterval = d
		}
	})
}

// WithBatchSize sets the maximum number of messages fetched per tick.
func WithBatchSize(n int) Option {
	return OptionFunc(func(c *Config) {
		if n > 0 {
			c.BatchSize = n
		}
	})
}

// WithMaxAttempts sets the publish attempts before abandoning a message.
func WithMaxAttempts(n int) Option {
	return OptionFunc(func(c *Config) {
		if n > 0 {
			c.MaxAttempts = n
		}
	})
}

// WithLease sets the claim lease duration.
func WithLease(d time.Duration) Option {
	return OptionFunc(func(c *Config) {
		if d > 0 {
			c.Lease = d
		}
	})
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b Backoff) Option {
	return OptionFunc(func(c *Config) {
		c.Retry = b
	})
}

// WithCleanupEveryTicks runs the retention sweep every n ticks.
func WithCleanupEveryTicks(n int) Option {
	return OptionFunc(func(c *Config) {
		if n >= 0 {
			c.CleanupEveryTicks = n
		}
	})
}

// WithPublishedRetention sets how long PUBLISHED messages are kept.
func WithPublishedRetention(d time.Duration) Option {
	return OptionFunc(func(c *Config) {
		if d > 0 {
			c.PublishedRetention = d
		}
	})
}

// WithAbandonedRetention sets how long ABANDONED messages are kept.
func WithAbandonedRetention(d time.Duration) Option {
	return OptionFunc(func(c *Config) {
		if d > 0 {
			c.AbandonedRetention = d
		}
	})
}

// WithSweepLock serializes the cleanup sweep across workers.
func WithSweepLock(l lock.Locker) Option {
	return OptionFunc(func(c *Config) {
		c.SweepLock = l
	})
}

// WithEmitter sets the pipeline-stage emitter.
func WithEmitter(e trace.Emitter) Option {
	return OptionFunc(func(c *Config) {
		c.Emitter = e
	})
}
