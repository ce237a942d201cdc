package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/enverbisevac/pipeline/stream"
)

// ErrDuplicateCommand is returned when a command type is registered
// twice within the same category.
var ErrDuplicateCommand = errors.New("subscription: command already registered")

// Runner is anything the engine can start and stop. All subscription
// kinds and the outbox processor satisfy it.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
}

// Factory builds the subscription that will serve a command category.
// It decides the transport (stream group, event store position or
// broker) and wires the registry into it.
type Factory func(category string, registry *Registry) (Runner, error)

// CommandDispatcher routes command messages to handlers keyed by
// stream category and command type. Build produces one subscription
// per category so commands for a category are consumed in order by a
// single registry.
type CommandDispatcher struct {
	factory Factory

	mu         sync.Mutex
	registries map[string]*Registry
}

// NewCommandDispatcher creates a dispatcher that builds subscriptions
// with factory.
func NewCommandDispatcher(factory Factory) *CommandDispatcher {
	return &CommandDispatcher{
		factory:    factory,
		registries: make(map[string]*Registry),
	}
}

// Register binds a handler to commandType within category. A
// duplicate (category, commandType) pair is rejected.
func (d *CommandDispatcher) Register(category, commandType string, handler Handler) error {
	if category == "" {
		return errors.New("subscription: category is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	registry, ok := d.registries[category]
	if !ok {
		registry = NewRegistry()
		d.registries[category] = registry
	}
	if err := registry.Register(commandType, handler); err != nil {
		if errors.Is(err, ErrDuplicateHandler) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateCommand, category, commandType)
		}
		return err
	}
	return nil
}

// Categories returns the registered categories, sorted.
func (d *CommandDispatcher) Categories() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	categories := make([]string, 0, len(d.registries))
	for c := range d.registries {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories
}

// Dispatch delivers one envelope directly to the handler registered
// for its category and type, bypassing any subscription transport.
func (d *CommandDispatcher) Dispatch(ctx context.Context, env stream.Envelope) error {
	d.mu.Lock()
	registry, ok := d.registries[env.Category()]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: category %s", ErrNoHandler, env.Category())
	}
	handler, ok := registry.Handler(env.Type)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoHandler, env.Category(), env.Type)
	}
	return handler(ctx, env)
}

// Build creates one subscription per registered category, in sorted
// category order.
func (d *CommandDispatcher) Build() ([]Runner, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	categories := make([]string, 0, len(d.registries))
	for c := range d.registries {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	runners := make([]Runner, 0, len(categories))
	for _, category := range categories {
		runner, err := d.factory(category, d.registries[category])
		if err != nil {
			return nil, fmt.Errorf("subscription: build category %s: %w", category, err)
		}
		runners = append(runners, runner)
	}
	return runners, nil
}
