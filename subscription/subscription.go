// Package subscription delivers stream envelopes to registered
// handlers. Three transports are supported: reading an event store by
// global position, fetching from a consumer group on a stream, and
// subscribing to a message broker. All of them share the same handler
// registry and retry policy: a failing handler is retried a bounded
// number of times, then the envelope is dead-lettered and delivery
// moves on.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/enverbisevac/pipeline/trace"
)

var (
	// ErrDuplicateHandler is returned when a message type is
	// registered twice on the same registry.
	ErrDuplicateHandler = errors.New("subscription: handler already registered")
	// ErrNoHandler is returned when no handler matches an envelope
	// type.
	ErrNoHandler = errors.New("subscription: no handler for type")
)

// Handler processes one envelope. A nil return acknowledges the
// envelope; an error triggers the retry policy.
type Handler func(ctx context.Context, env stream.Envelope) error

// Registry routes envelopes to handlers by message type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a message type. Registering the same
// type twice is a configuration error and is rejected.
func (r *Registry) Register(msgType string, handler Handler) error {
	if msgType == "" {
		return errors.New("subscription: message type is required")
	}
	if handler == nil {
		return errors.New("subscription: handler is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[msgType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, msgType)
	}
	r.handlers[msgType] = handler
	return nil
}

// Handler returns the handler bound to msgType.
func (r *Registry) Handler(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[msgType]
	return handler, ok
}

// Types returns the registered message types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// deliver runs the handler for env under the retry policy. Envelopes
// with no registered handler are skipped. Errors marked Permanent skip
// the remaining retries. When retries are exhausted
// the envelope is dead-lettered; a dead-letter failure is returned so
// the caller does not advance past the envelope.
func deliver(ctx context.Context, config Config, registry *Registry, env stream.Envelope) error {
	log := logr.FromContextOrDiscard(ctx)

	handler, ok := registry.Handler(env.Type)
	if !ok {
		log.V(1).Info("skipping envelope with no handler",
			"type", env.Type, "id", env.ID)
		return nil
	}

	var err error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(config.RetryDelay):
			}
		}
		if err = handler(ctx, env); err == nil {
			config.Emitter.Emit(ctx, trace.Event{
				Stage:     trace.StageHandled,
				MessageID: env.ID,
				Stream:    env.Stream,
				Type:      env.Type,
			})
			return nil
		}
		log.Error(err, "handler failed",
			"type", env.Type, "id", env.ID, "attempt", attempt+1)
		if IsPermanent(err) {
			break
		}
	}

	if config.DeadLetter == nil {
		return fmt.Errorf("subscription: handler for %s exhausted retries: %w", env.Type, err)
	}
	if dlErr := config.DeadLetter.DeadLetter(ctx, env, err); dlErr != nil {
		return fmt.Errorf("subscription: dead-letter %s: %w", env.ID, dlErr)
	}
	config.Emitter.Emit(ctx, trace.Event{
		Stage:     trace.StageDeadLettered,
		MessageID: env.ID,
		Stream:    env.Stream,
		Type:      env.Type,
		Error:     err.Error(),
	})
	return nil
}

// runner drives a subscription's poll loop. Tick errors are logged
// and the loop keeps going.
type runner struct {
	interval time.Duration
	tick     func(ctx context.Context) error

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *runner) start(ctx context.Context) {
	r.once.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)
		r.done = make(chan struct{})
		go r.run(ctx)
	})
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)

	log := logr.FromContextOrDiscard(ctx)

	// First pass before the ticker so a fresh subscription catches
	// up without waiting a full interval.
	if err := r.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "subscription tick failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(err, "subscription tick failed")
			}
		}
	}
}

func (r *runner) stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
