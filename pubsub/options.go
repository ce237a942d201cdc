package pubsub

import "time"

// PublishConfig holds per-call publish settings.
type PublishConfig struct {
	App       string
	Namespace string
}

// PublishOption configures a publish call.
type PublishOption interface {
	Apply(*PublishConfig)
}

// PublishOptionFunc is a function that configures a publish config.
type PublishOptionFunc func(*PublishConfig)

// Apply calls f(config).
func (f PublishOptionFunc) Apply(config *PublishConfig) {
	f(config)
}

// WithPublishApp overrides the app identifier for one publish call.
func WithPublishApp(value string) PublishOption {
	return PublishOptionFunc(func(c *PublishConfig) {
		c.App = value
	})
}

// WithPublishNamespace overrides the namespace for one publish call.
func WithPublishNamespace(value string) PublishOption {
	return PublishOptionFunc(func(c *PublishConfig) {
		c.Namespace = value
	})
}

// SubscribeConfig holds per-subscription settings.
type SubscribeConfig struct {
	Topics      []string
	App         string
	Namespace   string
	SendTimeout time.Duration
	ChannelSize int
}

// SubscribeOption configures a subscription.
type SubscribeOption interface {
	Apply(*SubscribeConfig)
}

// SubscribeOptionFunc is a function that configures a subscription config.
type SubscribeOptionFunc func(*SubscribeConfig)

// Apply calls f(config).
func (f SubscribeOptionFunc) Apply(config *SubscribeConfig) {
	f(config)
}

// WithTopics subscribes to additional topics besides the primary one.
func WithTopics(topics ...string) SubscribeOption {
	return SubscribeOptionFunc(func(c *SubscribeConfig) {
		c.Topics = topics
	})
}

// WithChannelNamespace overrides the namespace for the subscription.
func WithChannelNamespace(value string) SubscribeOption {
	return SubscribeOptionFunc(func(c *SubscribeConfig) {
		c.Namespace = value
	})
}

// WithChannelSendTimeout specifies how long a backend may block handing a
// message to the subscriber before dropping it.
func WithChannelSendTimeout(value time.Duration) SubscribeOption {
	return SubscribeOptionFunc(func(c *SubscribeConfig) {
		c.SendTimeout = value
	})
}

// WithChannelSize specifies the buffer size for incoming messages.
func WithChannelSize(value int) SubscribeOption {
	return SubscribeOptionFunc(func(c *SubscribeConfig) {
		c.ChannelSize = value
	})
}
