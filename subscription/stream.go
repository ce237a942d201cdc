package subscription

import (
	"context"
	"fmt"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/enverbisevac/pipeline/trace"
)

// StreamSubscription delivers envelopes through a broker-native
// consumer group. Position tracking is the broker's own bookkeeping:
// each delivery is acknowledged only after its handler succeeds or
// the envelope is dead-lettered, so unacknowledged deliveries come
// back on a later fetch.
type StreamSubscription struct {
	name     string
	source   stream.GroupSource
	registry *Registry
	config   Config
	runner   runner
}

// NewStreamSubscription creates a consumer-group subscription. The
// group defaults to the subscription name.
func NewStreamSubscription(
	name string,
	source stream.GroupSource,
	registry *Registry,
	options ...Option,
) *StreamSubscription {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}
	if config.Group == "" {
		config.Group = name
	}

	s := &StreamSubscription{
		name:     name,
		source:   source,
		registry: registry,
		config:   config,
	}
	s.runner = runner{
		interval: config.PollInterval,
		tick:     s.processOnce,
	}
	return s
}

// Name returns the subscription name.
func (s *StreamSubscription) Name() string {
	return s.name
}

// Start launches the poll loop. It is idempotent.
func (s *StreamSubscription) Start(ctx context.Context) error {
	if s.name == "" {
		return fmt.Errorf("subscription: name is required")
	}
	s.runner.start(ctx)
	return nil
}

// Stop halts the poll loop and waits for the in-flight pass to
// finish.
func (s *StreamSubscription) Stop() {
	s.runner.stop()
}

func (s *StreamSubscription) processOnce(ctx context.Context) error {
	deliveries, err := s.source.Fetch(ctx, s.config.Group, s.config.Consumer, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch for group %s: %w", s.config.Group, err)
	}

	for _, delivery := range deliveries {
		if err := deliver(ctx, s.config, s.registry, delivery.Envelope); err != nil {
			// Leave this and later deliveries unacknowledged;
			// the broker re-delivers them.
			return err
		}
		if err := s.source.Ack(ctx, s.config.Group, delivery.AckID); err != nil {
			return fmt.Errorf("ack %s: %w", delivery.AckID, err)
		}
		s.config.Emitter.Emit(ctx, trace.Event{
			Stage:     trace.StageAcked,
			MessageID: delivery.ID,
			Stream:    delivery.Stream,
			Type:      delivery.Type,
		})
	}
	return nil
}
