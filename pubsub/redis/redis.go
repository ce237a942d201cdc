// Package redis provides a pubsub backend on top of Redis channels.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/enverbisevac/pipeline/pubsub"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// PubSub implements pubsub.Publisher and pubsub.Subscriber over Redis.
type PubSub struct {
	config   Config
	client   redis.UniversalClient
	mutex    sync.RWMutex
	registry []pubsub.Consumer
}

var (
	_ pubsub.Publisher  = (*PubSub)(nil)
	_ pubsub.Subscriber = (*PubSub)(nil)
)

// New creates a Redis pubsub instance.
func New(client redis.UniversalClient, options ...Option) *PubSub {
	config := Config{
		App:            pubsub.DefaultApp,
		Namespace:      pubsub.DefaultNamespace,
		HealthInterval: 3 * time.Second,
		SendTimeout:    time.Minute,
		ChannelSize:    100,
	}
	for _, f := range options {
		f.Apply(&config)
	}
	return &PubSub{
		config:   config,
		client:   client,
		registry: make([]pubsub.Consumer, 0, 16),
	}
}

// Subscribe registers handler for topic.
func (ps *PubSub) Subscribe(
	ctx context.Context,
	topic string,
	handler func(msg *pubsub.Msg) error,
	options ...pubsub.SubscribeOption,
) pubsub.Consumer {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	config := pubsub.SubscribeConfig{
		App:         ps.config.App,
		Namespace:   ps.config.Namespace,
		SendTimeout: ps.config.SendTimeout,
		ChannelSize: ps.config.ChannelSize,
	}
	for _, f := range options {
		f.Apply(&config)
	}

	subscriber := &redisSubscriber{
		config:         &config,
		handler:        handler,
		healthInterval: ps.config.HealthInterval,
	}

	config.Topics = append(config.Topics, topic)
	subscriber.rdb = ps.client.Subscribe(ctx, subscriber.formatTopics(config.Topics...)...)

	go subscriber.start(ctx)

	ps.registry = append(ps.registry, subscriber)

	return subscriber
}

// Publish sends payload to the namespaced topic.
func (ps *PubSub) Publish(ctx context.Context, topic string, payload []byte,
	options ...pubsub.PublishOption,
) error {
	config := pubsub.PublishConfig{
		App:       ps.config.App,
		Namespace: ps.config.Namespace,
	}
	for _, f := range options {
		f.Apply(&config)
	}

	topic = pubsub.FormatTopic(config.App, config.Namespace, topic)

	if err := ps.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish to topic %q: %w", topic, err)
	}
	return nil
}

// Close closes every consumer created by this instance.
func (ps *PubSub) Close(_ context.Context) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	for _, subscriber := range ps.registry {
		if err := subscriber.Close(); err != nil {
			return err
		}
	}
	return nil
}

type redisSubscriber struct {
	config         *pubsub.SubscribeConfig
	rdb            *redis.PubSub
	handler        func(msg *pubsub.Msg) error
	healthInterval time.Duration
}

func (s *redisSubscriber) start(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)

	ch := s.rdb.Channel(
		redis.WithChannelHealthCheckInterval(s.healthInterval),
		redis.WithChannelSendTimeout(s.config.SendTimeout),
		redis.WithChannelSize(s.config.ChannelSize),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				log.V(1).Info("pubsub: redis channel closed")
				return
			}
			if err := s.handler(&pubsub.Msg{
				Topic:   msg.Channel,
				Payload: []byte(msg.Payload),
			}); err != nil {
				log.Error(err, "pubsub: handler failed", "topic", msg.Channel)
			}
		}
	}
}

// Unsubscribe removes topics from the subscription.
func (s *redisSubscriber) Unsubscribe(ctx context.Context, topics ...string) error {
	if err := s.rdb.Unsubscribe(ctx, s.formatTopics(topics...)...); err != nil {
		return fmt.Errorf("pubsub: unsubscribe %v: %w", topics, err)
	}
	return nil
}

// Close closes the underlying Redis subscription.
func (s *redisSubscriber) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("pubsub: close subscriber: %w", err)
	}
	return nil
}

func (s *redisSubscriber) formatTopics(topics ...string) []string {
	result := make([]string, len(topics))
	for i, topic := range topics {
		result[i] = pubsub.FormatTopic(s.config.App, s.config.Namespace, topic)
	}
	return result
}
