package nats

// Config holds NATS pubsub defaults.
type Config struct {
	App       string
	Namespace string

	// QueueGroup, when set, makes every subscription join the named queue
	// group so that each message reaches exactly one member.
	QueueGroup string
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

// WithApp sets the app identifier used in subject namespacing.
func WithApp(value string) Option {
	return OptionFunc(func(c *Config) {
		if value != "" {
			c.App = value
		}
	})
}

// WithNamespace sets the default namespace used in subject namespacing.
func WithNamespace(value string) Option {
	return OptionFunc(func(c *Config) {
		if value != "" {
			c.Namespace = value
		}
	})
}

// WithQueueGroup makes subscriptions join a queue group.
func WithQueueGroup(value string) Option {
	return OptionFunc(func(c *Config) {
		c.QueueGroup = value
	})
}
