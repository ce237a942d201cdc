package redis

import "time"

// Config holds Redis stream settings.
type Config struct {
	// KeyPrefix is prepended to stream names to build the Redis key.
	KeyPrefix string

	// MaxLen caps the stream length approximately; zero keeps everything.
	MaxLen int64

	// ReadBlock bounds how long a Fetch blocks waiting for new entries.
	ReadBlock time.Duration

	// ReclaimAfter is the idle time after which an unacknowledged entry is
	// taken over from its previous consumer.
	ReclaimAfter time.Duration
}

// An Option configures a Stream instance.
type Option interface {
	Apply(*Config)
}

// OptionFunc is a function that configures a stream config.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(s string) Option {
	return OptionFunc(func(c *Config) {
		c.KeyPrefix = s
	})
}

// WithMaxLen caps the stream length.
func WithMaxLen(n int64) Option {
	return OptionFunc(func(c *Config) {
		if n > 0 {
			c.MaxLen = n
		}
	})
}

// WithReadBlock sets the blocking read duration.
func WithReadBlock(d time.Duration) Option {
	return OptionFunc(func(c *Config) {
		if d > 0 {
			c.ReadBlock = d
		}
	})
}

// WithReclaimAfter sets the idle time before abandoned entries are
// reclaimed by another consumer.
func WithReclaimAfter(d time.Duration) Option {
	return OptionFunc(func(c *Config) {
		if d > 0 {
			c.ReclaimAfter = d
		}
	})
}
