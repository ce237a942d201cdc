package subscription

import (
	"time"

	"github.com/google/uuid"

	"github.com/enverbisevac/pipeline/trace"
)

// Config holds the delivery settings shared by all subscription
// kinds.
type Config struct {
	// PollInterval is the delay between read passes.
	PollInterval time.Duration
	// BatchSize caps the envelopes read per pass.
	BatchSize int
	// Group names the consumer group for stream subscriptions.
	Group string
	// Consumer identifies this process within the group.
	Consumer string
	// MaxRetries is the number of handler retries after the first
	// failed attempt.
	MaxRetries int
	// RetryDelay is the pause between handler retries.
	RetryDelay time.Duration
	// DeadLetter receives envelopes whose retries are exhausted.
	// When nil, a failing envelope blocks delivery until it
	// succeeds.
	DeadLetter DeadLetterer
	// Emitter receives delivery trace events.
	Emitter trace.Emitter
}

func defaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
		Consumer:     uuid.NewString(),
		MaxRetries:   3,
		RetryDelay:   100 * time.Millisecond,
		Emitter:      trace.Nop(),
	}
}

// Option configures a subscription.
type Option interface {
	Apply(*Config)
}

// OptionFunc adapts a function to the Option interface.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithPollInterval sets the delay between read passes.
func WithPollInterval(interval time.Duration) Option {
	return OptionFunc(func(config *Config) {
		config.PollInterval = interval
	})
}

// WithBatchSize caps the envelopes read per pass.
func WithBatchSize(size int) Option {
	return OptionFunc(func(config *Config) {
		config.BatchSize = size
	})
}

// WithGroup names the consumer group for stream subscriptions.
func WithGroup(group string) Option {
	return OptionFunc(func(config *Config) {
		config.Group = group
	})
}

// WithConsumer identifies this process within its consumer group.
func WithConsumer(consumer string) Option {
	return OptionFunc(func(config *Config) {
		config.Consumer = consumer
	})
}

// WithMaxRetries sets the number of handler retries.
func WithMaxRetries(retries int) Option {
	return OptionFunc(func(config *Config) {
		config.MaxRetries = retries
	})
}

// WithRetryDelay sets the pause between handler retries.
func WithRetryDelay(delay time.Duration) Option {
	return OptionFunc(func(config *Config) {
		config.RetryDelay = delay
	})
}

// WithDeadLetterer routes exhausted envelopes to dl.
func WithDeadLetterer(dl DeadLetterer) Option {
	return OptionFunc(func(config *Config) {
		config.DeadLetter = dl
	})
}

// WithEmitter routes delivery trace events to emitter.
func WithEmitter(emitter trace.Emitter) Option {
	return OptionFunc(func(config *Config) {
		config.Emitter = trace.Safe(emitter)
	})
}
