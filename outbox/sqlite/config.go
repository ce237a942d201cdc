package sqlite

// Config holds table naming for the sqlite outbox store.
type Config struct {
	TableName string
}

// Option configures a Store.
type Option interface {
	Apply(*Config)
}

// OptionFunc adapts a function to the Option interface.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithTableName overrides the default outbox table name.
func WithTableName(name string) Option {
	return OptionFunc(func(config *Config) {
		config.TableName = name
	})
}
