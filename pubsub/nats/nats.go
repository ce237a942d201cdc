// Package nats provides a pubsub backend on top of core NATS subjects.
//
// Topic namespacing uses "." separators because NATS subjects treat ":" as
// an ordinary character but tooling conventions expect dotted subjects.
package nats

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/enverbisevac/pipeline/pubsub"
	"github.com/go-logr/logr"
	"github.com/nats-io/nats.go"
)

// PubSub implements pubsub.Publisher and pubsub.Subscriber over a NATS
// connection.
type PubSub struct {
	config   Config
	conn     *nats.Conn
	mutex    sync.Mutex
	registry []pubsub.Consumer
}

var (
	_ pubsub.Publisher  = (*PubSub)(nil)
	_ pubsub.Subscriber = (*PubSub)(nil)
)

// New creates a NATS pubsub instance over an established connection.
func New(conn *nats.Conn, options ...Option) *PubSub {
	config := Config{
		App:       pubsub.DefaultApp,
		Namespace: pubsub.DefaultNamespace,
	}
	for _, f := range options {
		f.Apply(&config)
	}
	return &PubSub{
		config:   config,
		conn:     conn,
		registry: make([]pubsub.Consumer, 0, 16),
	}
}

// Publish sends payload to the namespaced subject.
func (ps *PubSub) Publish(ctx context.Context, topic string, payload []byte,
	options ...pubsub.PublishOption,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	config := pubsub.PublishConfig{
		App:       ps.config.App,
		Namespace: ps.config.Namespace,
	}
	for _, f := range options {
		f.Apply(&config)
	}

	subject := formatSubject(config.App, config.Namespace, topic)

	if err := ps.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("pubsub: publish to subject %q: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for topic. When QueueGroup is configured the
// subscription joins that queue group, so each message is delivered to one
// member only.
func (ps *PubSub) Subscribe(
	ctx context.Context,
	topic string,
	handler func(msg *pubsub.Msg) error,
	options ...pubsub.SubscribeOption,
) pubsub.Consumer {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	config := pubsub.SubscribeConfig{
		App:       ps.config.App,
		Namespace: ps.config.Namespace,
	}
	for _, f := range options {
		f.Apply(&config)
	}

	log := logr.FromContextOrDiscard(ctx)
	subscriber := &natsSubscriber{conn: ps.conn, config: &config}

	cb := func(m *nats.Msg) {
		if err := handler(&pubsub.Msg{Topic: m.Subject, Payload: m.Data}); err != nil {
			log.Error(err, "pubsub: handler failed", "subject", m.Subject)
		}
	}

	for _, t := range append(config.Topics, topic) {
		subject := formatSubject(config.App, config.Namespace, t)

		var (
			sub *nats.Subscription
			err error
		)
		if ps.config.QueueGroup != "" {
			sub, err = ps.conn.QueueSubscribe(subject, ps.config.QueueGroup, cb)
		} else {
			sub, err = ps.conn.Subscribe(subject, cb)
		}
		if err != nil {
			log.Error(err, "pubsub: subscribe failed", "subject", subject)
			continue
		}
		subscriber.subs = append(subscriber.subs, sub)
	}

	ps.registry = append(ps.registry, subscriber)

	return subscriber
}

// Close drains every consumer opened through this instance. The NATS
// connection itself belongs to the caller and stays open.
func (ps *PubSub) Close(_ context.Context) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	for _, consumer := range ps.registry {
		if err := consumer.Close(); err != nil {
			return err
		}
	}
	ps.registry = nil
	return nil
}

type natsSubscriber struct {
	conn   *nats.Conn
	config *pubsub.SubscribeConfig

	mutex sync.Mutex
	subs  []*nats.Subscription
}

// Unsubscribe drops the listed topics from the subscription.
func (s *natsSubscriber) Unsubscribe(_ context.Context, topics ...string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, topic := range topics {
		subject := formatSubject(s.config.App, s.config.Namespace, topic)
		remaining := s.subs[:0]
		for _, sub := range s.subs {
			if sub.Subject == subject {
				if err := sub.Unsubscribe(); err != nil {
					return fmt.Errorf("pubsub: unsubscribe %q: %w", subject, err)
				}
				continue
			}
			remaining = append(remaining, sub)
		}
		s.subs = remaining
	}
	return nil
}

// Close drains every subscription held by the consumer.
func (s *natsSubscriber) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			return fmt.Errorf("pubsub: drain subscription %q: %w", sub.Subject, err)
		}
	}
	s.subs = nil
	return nil
}

func formatSubject(app, ns, topic string) string {
	return strings.Join([]string{app, ns, topic}, ".")
}
