package pgx

// Config holds advisory lock settings.
type Config struct {
	// Namespace separates lock keyspaces sharing a database.
	Namespace int32
}

// An Option configures a lock Service.
type Option interface {
	Apply(*Config)
}

// OptionFunc is a function that configures a lock config.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithNamespace sets the advisory lock namespace.
func WithNamespace(n int32) Option {
	return OptionFunc(func(c *Config) {
		c.Namespace = n
	})
}
