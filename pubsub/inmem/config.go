package inmem

import (
	"time"

	"github.com/enverbisevac/pipeline/pubsub"
)

// An Option configures an in-memory PubSub instance.
type Option interface {
	Apply(*pubsub.Config)
}

// OptionFunc is a function that configures a pubsub config.
type OptionFunc func(*pubsub.Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *pubsub.Config) {
	f(config)
}

// WithApp sets the app identifier used in topic namespacing.
func WithApp(value string) Option {
	return OptionFunc(func(c *pubsub.Config) {
		if value != "" {
			c.App = value
		}
	})
}

// WithNamespace sets the default namespace used in topic namespacing.
func WithNamespace(value string) Option {
	return OptionFunc(func(c *pubsub.Config) {
		if value != "" {
			c.Namespace = value
		}
	})
}

// WithSendTimeout sets how long Publish blocks per slow subscriber before
// dropping the message.
func WithSendTimeout(value time.Duration) Option {
	return OptionFunc(func(c *pubsub.Config) {
		if value > 0 {
			c.SendTimeout = value
		}
	})
}

// WithChannelSize sets the subscriber buffer size.
func WithChannelSize(value int) Option {
	return OptionFunc(func(c *pubsub.Config) {
		if value > 0 {
			c.ChannelSize = value
		}
	})
}
