// Package inmem provides an in-process pubsub backend, used in tests and
// single-process deployments.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/enverbisevac/pipeline/pubsub"
	"github.com/go-logr/logr"
	"golang.org/x/exp/slices"
)

var ErrClosed = errors.New("pubsub: subscriber is closed")

// PubSub is an in-memory broker that fans out published messages to every
// matching subscriber.
type PubSub struct {
	config   pubsub.Config
	mutex    sync.Mutex
	registry []*subscriber
}

var (
	_ pubsub.Publisher  = (*PubSub)(nil)
	_ pubsub.Subscriber = (*PubSub)(nil)
)

// New creates an in-memory pubsub instance.
func New(options ...Option) *PubSub {
	config := pubsub.Config{
		App:         pubsub.DefaultApp,
		Namespace:   pubsub.DefaultNamespace,
		SendTimeout: time.Minute,
		ChannelSize: 100,
	}
	for _, f := range options {
		f.Apply(&config)
	}
	return &PubSub{
		config:   config,
		registry: make([]*subscriber, 0, 16),
	}
}

// Subscribe registers handler for topic. Each published message matching
// the topic is delivered to the handler on the subscriber's goroutine.
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

	sub := &subscriber{
		config:  &config,
		handler: handler,
		channel: make(chan *pubsub.Msg, config.ChannelSize),
		done:    make(chan struct{}),
	}
	sub.topics = sub.formatTopics(append(config.Topics, topic)...)

	go sub.start(ctx)

	ps.registry = append(ps.registry, sub)

	return sub
}

// Publish delivers payload to every subscriber of topic.
func (ps *PubSub) Publish(ctx context.Context, topic string, payload []byte,
	options ...pubsub.PublishOption,
) error {
	log := logr.FromContextOrDiscard(ctx)

	config := pubsub.PublishConfig{
		App:       ps.config.App,
		Namespace: ps.config.Namespace,
	}
	for _, f := range options {
		f.Apply(&config)
	}

	topic = pubsub.FormatTopic(config.App, config.Namespace, topic)

	ps.mutex.Lock()
	subs := slices.Clone(ps.registry)
	ps.mutex.Unlock()

	for _, sub := range subs {
		if !sub.matches(topic) || sub.isClosed() {
			continue
		}
		msg := &pubsub.Msg{Topic: topic, Payload: payload}
		select {
		case sub.channel <- msg:
		case <-time.After(sub.config.SendTimeout):
			log.V(1).Info("pubsub: send timeout, message dropped", "topic", topic)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type subscriber struct {
	config  *pubsub.SubscribeConfig
	handler func(msg *pubsub.Msg) error

	mutex   sync.Mutex
	topics  []string
	channel chan *pubsub.Msg
	done    chan struct{}
	once    sync.Once
}

func (s *subscriber) start(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-s.channel:
			if !ok {
				return
			}
			if err := s.handler(msg); err != nil {
				log.Error(err, "pubsub: handler failed", "topic", msg.Topic)
			}
		}
	}
}

func (s *subscriber) matches(topic string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return slices.Contains(s.topics, topic)
}

func (s *subscriber) formatTopics(topics ...string) []string {
	result := make([]string, len(topics))
	for i, topic := range topics {
		result[i] = pubsub.FormatTopic(s.config.App, s.config.Namespace, topic)
	}
	return result
}

// Unsubscribe removes topics from the subscription.
func (s *subscriber) Unsubscribe(_ context.Context, topics ...string) error {
	if s.isClosed() {
		return ErrClosed
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, topic := range topics {
		formatted := pubsub.FormatTopic(s.config.App, s.config.Namespace, topic)
		if idx := slices.Index(s.topics, formatted); idx >= 0 {
			s.topics = slices.Delete(s.topics, idx, idx+1)
		}
	}
	return nil
}

// Close stops delivery to the subscriber.
func (s *subscriber) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *subscriber) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
