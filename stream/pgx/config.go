package pgx

// Config holds table names for the PostgreSQL event log.
type Config struct {
	EventsTable    string
	PositionsTable string
}

// An Option configures a Log or Positions instance.
type Option interface {
	Apply(*Config)
}

// OptionFunc is a function that configures a config.
type OptionFunc func(*Config)

// Apply calls f(config).
func (f OptionFunc) Apply(config *Config) {
	f(config)
}

// WithEventsTable sets the event log table name.
func WithEventsTable(s string) Option {
	return OptionFunc(func(c *Config) {
		if s != "" {
			c.EventsTable = s
		}
	})
}

// WithPositionsTable sets the subscription positions table name.
func WithPositionsTable(s string) Option {
	return OptionFunc(func(c *Config) {
		if s != "" {
			c.PositionsTable = s
		}
	})
}
