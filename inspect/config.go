package inspect

import "github.com/enverbisevac/pipeline/stream"

// Config holds optional inspection sources.
type Config struct {
	// DeadLetters is the log holding dead-lettered envelopes. When set,
	// the handler serves a per-stream dead-letter peek.
	DeadLetters stream.Source
}

// An Option configures the inspection handler.
type Option interface {
	Apply(*Config)
}

// OptionFunc is a function that configures the handler.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithDeadLetterSource enables the dead-letter peek route reading
// from src.
func WithDeadLetterSource(src stream.Source) Option {
	return OptionFunc(func(c *Config) {
		c.DeadLetters = src
	})
}
