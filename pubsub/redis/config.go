package redis

import "time"

// Config holds Redis pubsub defaults.
type Config struct {
	App       string
	Namespace string

	HealthInterval time.Duration
	SendTimeout    time.Duration
	ChannelSize    int
}

// An Option configures a pubsub instance.
type Option interface {
	Apply(*Config)
}

// OptionFunc is a function that configures a pubsub config.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithApp sets the app identifier used in topic namespacing.
func WithApp(value string) Option {
	return OptionFunc(func(c *Config) {
		if value != "" {
			c.App = value
		}
	})
}

// WithNamespace sets the default namespace used in topic namespacing.
func WithNamespace(value string) Option {
	return OptionFunc(func(c *Config) {
		if value != "" {
			c.Namespace = value
		}
	})
}

// WithHealthCheckInterval specifies how often the subscription pings the
// server when idle. Zero disables the health check.
func WithHealthCheckInterval(value time.Duration) Option {
	return OptionFunc(func(c *Config) {
		c.HealthInterval = value
	})
}

// WithSendTimeout specifies the send timeout after which a message to a
// slow subscriber is dropped.
func WithSendTimeout(value time.Duration) Option {
	return OptionFunc(func(c *Config) {
		c.SendTimeout = value
	})
}

// WithChannelSize specifies the subscriber buffer size.
func WithChannelSize(value int) Option {
	return OptionFunc(func(c *Config) {
		c.ChannelSize = value
	})
}
