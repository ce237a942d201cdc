package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/enverbisevac/pipeline/pubsub"
	"github.com/enverbisevac/pipeline/stream"
)

// BrokerSubscription delivers envelopes pushed by a message broker.
// There is no poll loop: the broker calls the handler as messages
// arrive, and delivery guarantees are whatever the broker provides.
// Payloads must be JSON-encoded envelopes, which is what the outbox
// broker adapters publish.
type BrokerSubscription struct {
	name       string
	subscriber pubsub.Subscriber
	topic      string
	registry   *Registry
	config     Config

	mu       sync.Mutex
	consumer pubsub.Consumer
}

// NewBrokerSubscription creates a broker-fed subscription on topic.
func NewBrokerSubscription(
	name string,
	subscriber pubsub.Subscriber,
	topic string,
	registry *Registry,
	options ...Option,
) *BrokerSubscription {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &BrokerSubscription{
		name:       name,
		subscriber: subscriber,
		topic:      topic,
		registry:   registry,
		config:     config,
	}
}

// Name returns the subscription name.
func (s *BrokerSubscription) Name() string {
	return s.name
}

// Start subscribes to the topic. It is idempotent.
func (s *BrokerSubscription) Start(ctx context.Context) error {
	if s.name == "" {
		return fmt.Errorf("subscription: name is required")
	}
	if s.topic == "" {
		return fmt.Errorf("subscription: topic is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumer != nil {
		return nil
	}
	s.consumer = s.subscriber.Subscribe(ctx, s.topic, func(msg *pubsub.Msg) error {
		return s.handle(ctx, msg)
	})
	return nil
}

// Stop closes the broker consumer.
func (s *BrokerSubscription) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumer == nil {
		return
	}
	_ = s.consumer.Close()
	s.consumer = nil
}

func (s *BrokerSubscription) handle(ctx context.Context, msg *pubsub.Msg) error {
	var env stream.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return fmt.Errorf("subscription: decode envelope from %s: %w", msg.Topic, err)
	}
	if env.Stream == "" {
		env.Stream = msg.Topic
	}
	return deliver(ctx, s.config, s.registry, env)
}
