package subscription

import (
	"context"
	"fmt"

	"github.com/enverbisevac/pipeline/stream"
)

// EventStoreSubscription reads an ordered event log by global
// position and persists its own resume position after each envelope
// is handled. Delivery is strictly in log order: a failing envelope
// that cannot be dead-lettered blocks everything behind it.
type EventStoreSubscription struct {
	name      string
	source    stream.Source
	positions stream.PositionStore
	registry  *Registry
	config    Config
	runner    runner
}

// NewEventStoreSubscription creates a positional subscription named
// name. The name keys the persisted resume position.
func NewEventStoreSubscription(
	name string,
	source stream.Source,
	positions stream.PositionStore,
	registry *Registry,
	options ...Option,
) *EventStoreSubscription {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}

	s := &EventStoreSubscription{
		name:      name,
		source:    source,
		positions: positions,
		registry:  registry,
		config:    config,
	}
	s.runner = runner{
		interval: config.PollInterval,
		tick:     s.processOnce,
	}
	return s
}

// Name returns the subscription name.
func (s *EventStoreSubscription) Name() string {
	return s.name
}

// Start launches the poll loop. It is idempotent.
func (s *EventStoreSubscription) Start(ctx context.Context) error {
	if s.name == "" {
		return fmt.Errorf("subscription: name is required")
	}
	s.runner.start(ctx)
	return nil
}

// Stop halts the poll loop and waits for the in-flight pass to
// finish.
func (s *EventStoreSubscription) Stop() {
	s.runner.stop()
}

func (s *EventStoreSubscription) processOnce(ctx context.Context) error {
	pos, err := s.positions.Load(ctx, s.name)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}

	envs, err := s.source.Read(ctx, pos, s.config.BatchSize)
	if err != nil {
		return fmt.Errorf("read from %d: %w", pos, err)
	}

	for _, env := range envs {
		if err := deliver(ctx, s.config, s.registry, env); err != nil {
			return err
		}
		// Advance only after the envelope is handled or
		// dead-lettered so a crash re-delivers it.
		if err := s.positions.Save(ctx, s.name, env.Version); err != nil {
			return fmt.Errorf("save position %d: %w", env.Version, err)
		}
	}
	return nil
}
