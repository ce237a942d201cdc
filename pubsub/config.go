package pubsub

import "time"

const (
	DefaultApp       = "pipeline"
	DefaultNamespace = "default"
)

// Config holds backend-level defaults applied to every publish and
// subscribe call unless overridden per call.
type Config struct {
	App       string
	Namespace string

	SendTimeout time.Duration
	ChannelSize int
}
