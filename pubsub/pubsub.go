// Package pubsub defines the broker ports used by the pipeline: a
// Publisher for the outbox side and a Subscriber for broker-fed
// subscriptions. Backends live in the inmem, redis and nats subpackages.
package pubsub

import "context"

// Msg is a single message received from a broker topic.
type Msg struct {
	Topic   string
	Payload []byte
}

// Publisher publishes payloads to a broker topic.
type Publisher interface {
	// Publish sends payload to topic. A non-nil error means the message
	// may not have reached the broker and should be retried.
	Publish(ctx context.Context, topic string, payload []byte,
		options ...PublishOption) error
}

// Consumer is a handle to an active subscription.
type Consumer interface {
	Unsubscribe(ctx context.Context, topics ...string) error
	Close() error
}

// Subscriber delivers messages from broker topics to a handler.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string,
		handler func(msg *Msg) error, options ...SubscribeOption) Consumer
}

// FormatTopic builds the namespaced broker topic for app and namespace.
func FormatTopic(app, ns, topic string) string {
	return app + ":" + ns + ":" + topic
}
