package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/enverbisevac/pipeline/outbox"
)

// Subscription wiring selected by default_subscription_type.
const (
	SubscriptionTypeStream     = "stream"
	SubscriptionTypeEventStore = "eventstore"
)

// Recognized broker values.
const (
	BrokerInMem = "inmem"
	BrokerRedis = "redis"
	BrokerNATS  = "nats"
)

// Duration unmarshals either a Go duration string ("5s") or a plain
// integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("engine: invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("engine: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetryConfig shapes the outbox publish retry policy.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BaseDelaySeconds  float64 `yaml:"base_delay_seconds"`
	MaxBackoffSeconds float64 `yaml:"max_backoff_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	Jitter            bool    `yaml:"jitter"`
	JitterFactor      float64 `yaml:"jitter_factor"`
}

// CleanupConfig shapes the outbox retention sweep.
type CleanupConfig struct {
	PublishedRetentionHours int `yaml:"published_retention_hours"`
	AbandonedRetentionHours int `yaml:"abandoned_retention_hours"`
	CleanupIntervalTicks    int `yaml:"cleanup_interval_ticks"`
}

// Config is the engine's deployment configuration.
type Config struct {
	// Broker selects the publish target for outbox processors.
	Broker string `yaml:"broker"`
	// MessagesPerTick caps the outbox batch per drain cycle.
	MessagesPerTick int `yaml:"messages_per_tick"`
	// TickInterval is the outbox poll interval.
	TickInterval Duration `yaml:"tick_interval"`
	// DefaultSubscriptionType selects stream or eventstore wiring
	// for subscriptions built without an explicit kind.
	DefaultSubscriptionType string `yaml:"default_subscription_type"`
	// OutboxEnabled runs outbox processors in this deployment.
	OutboxEnabled bool `yaml:"outbox_enabled"`
	// DrainTimeout bounds how long Stop waits for in-flight work.
	DrainTimeout Duration `yaml:"drain_timeout"`

	Retry   RetryConfig   `yaml:"retry"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

// DefaultConfig returns the configuration used when keys are absent.
func DefaultConfig() Config {
	return Config{
		Broker:                  BrokerInMem,
		MessagesPerTick:         100,
		TickInterval:            Duration(time.Second),
		DefaultSubscriptionType: SubscriptionTypeStream,
		OutboxEnabled:           true,
		DrainTimeout:            Duration(30 * time.Second),
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelaySeconds:  1,
			MaxBackoffSeconds: 300,
			BackoffMultiplier: 2,
			Jitter:            true,
			JitterFactor:      0.2,
		},
		Cleanup: CleanupConfig{
			PublishedRetentionHours: 24,
			AbandonedRetentionHours: 168,
			CleanupIntervalTicks:    60,
		},
	}
}

// LoadConfig decodes YAML from r over the defaults and validates the
// result.
func LoadConfig(r io.Reader) (Config, error) {
	config := DefaultConfig()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("engine: decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate reports configuration that must fail at startup rather
// than at runtime.
func (c Config) Validate() error {
	switch c.Broker {
	case BrokerInMem, BrokerRedis, BrokerNATS:
	default:
		return fmt.Errorf("engine: unknown broker %q", c.Broker)
	}
	switch c.DefaultSubscriptionType {
	case SubscriptionTypeStream, SubscriptionTypeEventStore:
	default:
		return fmt.Errorf("engine: unknown default_subscription_type %q",
			c.DefaultSubscriptionType)
	}
	// Outbox messages go to the broker; an eventstore-only consumer
	// wiring would never read them back.
	if c.OutboxEnabled && c.DefaultSubscriptionType == SubscriptionTypeEventStore {
		return errors.New(
			"engine: outbox is enabled but default_subscription_type " +
				"is eventstore, which never reads the broker")
	}
	if c.MessagesPerTick <= 0 {
		return errors.New("engine: messages_per_tick must be positive")
	}
	if c.TickInterval <= 0 {
		return errors.New("engine: tick_interval must be positive")
	}
	if c.DrainTimeout <= 0 {
		return errors.New("engine: drain_timeout must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("engine: retry.max_attempts must be positive")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return errors.New("engine: retry.backoff_multiplier must be at least 1")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor >= 1 {
		return errors.New("engine: retry.jitter_factor must be in [0, 1)")
	}
	return nil
}

// Backoff returns the retry policy described by the config.
func (c Config) Backoff() outbox.Backoff {
	return outbox.Backoff{
		Base:         time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second)),
		Max:          time.Duration(c.Retry.MaxBackoffSeconds * float64(time.Second)),
		Multiplier:   c.Retry.BackoffMultiplier,
		Jitter:       c.Retry.Jitter,
		JitterFactor: c.Retry.JitterFactor,
	}
}

// ProcessorOptions translates the config into outbox processor
// options.
func (c Config) ProcessorOptions() []outbox.Option {
	return []outbox.Option{
		outbox.WithPollInterval(c.TickInterval.Std()),
		outbox.WithBatchSize(c.MessagesPerTick),
		outbox.WithMaxAttempts(c.Retry.MaxAttempts),
		outbox.WithBackoff(c.Backoff()),
		outbox.WithCleanupEveryTicks(c.Cleanup.CleanupIntervalTicks),
		outbox.WithPublishedRetention(
			time.Duration(c.Cleanup.PublishedRetentionHours) * time.Hour),
		outbox.WithAbandonedRetention(
			time.Duration(c.Cleanup.AbandonedRetentionHours) * time.Hour),
	}
}
