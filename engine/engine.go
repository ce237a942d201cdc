// Package engine owns the running set of outbox processors and
// subscriptions for a deployment. It starts them in dependency order,
// processors before consumers, and drains them in reverse on
// shutdown, bounded by a drain timeout.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/enverbisevac/pipeline/subscription"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("engine: already started")

type namedRunner struct {
	name   string
	runner subscription.Runner
}

// Engine coordinates the lifecycle of processors and subscriptions.
type Engine struct {
	config Config

	mu            sync.Mutex
	processors    []namedRunner
	subscriptions []namedRunner
	names         map[string]struct{}
	started       bool
	log           logr.Logger
}

// New creates an engine with a validated config.
func New(config Config) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		config: config,
		names:  make(map[string]struct{}),
		log:    logr.Discard(),
	}, nil
}

// AddProcessor registers an outbox processor under a unique name.
// Registration is rejected after Start.
func (e *Engine) AddProcessor(name string, runner subscription.Runner) error {
	return e.add(name, runner, &e.processors)
}

// AddSubscription registers a subscription under a unique name.
// Registration is rejected after Start.
func (e *Engine) AddSubscription(name string, runner subscription.Runner) error {
	return e.add(name, runner, &e.subscriptions)
}

func (e *Engine) add(name string, runner subscription.Runner, dst *[]namedRunner) error {
	if name == "" {
		return errors.New("engine: name is required")
	}
	if runner == nil {
		return fmt.Errorf("engine: runner %s is nil", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if _, ok := e.names[name]; ok {
		return fmt.Errorf("engine: duplicate name %s", name)
	}
	e.names[name] = struct{}{}
	*dst = append(*dst, namedRunner{name: name, runner: runner})
	return nil
}

// Start launches all processors, then all subscriptions. Processors
// go first so messages staged by this process are published before
// its consumers begin reading. A start failure stops everything
// already running and is returned to the caller.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if len(e.processors) == 0 && len(e.subscriptions) == 0 {
		return errors.New("engine: nothing to run, add a processor or a subscription")
	}
	if e.config.OutboxEnabled && len(e.processors) == 0 {
		return errors.New("engine: outbox is enabled but no processor was added")
	}

	e.log = logr.FromContextOrDiscard(ctx)

	var running []namedRunner
	for _, group := range [][]namedRunner{e.processors, e.subscriptions} {
		for _, nr := range group {
			if err := nr.runner.Start(ctx); err != nil {
				for i := len(running) - 1; i >= 0; i-- {
					running[i].runner.Stop()
				}
				return fmt.Errorf("engine: start %s: %w", nr.name, err)
			}
			e.log.Info("started", "name", nr.name)
			running = append(running, nr)
		}
	}

	e.started = true
	return nil
}

// Stop drains subscriptions first, then processors, each phase
// bounded by the drain timeout. Runners that outlive the timeout are
// left to their own teardown; outbox locks they still hold expire
// naturally.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return
	}

	e.drain("subscriptions", e.subscriptions)
	e.drain("processors", e.processors)
	e.started = false
}

func (e *Engine) drain(phase string, runners []namedRunner) {
	g := new(errgroup.Group)
	for _, nr := range runners {
		g.Go(func() error {
			nr.runner.Stop()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.config.DrainTimeout.Std()):
		e.log.Info("drain timeout elapsed", "phase", phase,
			"timeout", e.config.DrainTimeout.Std())
	}
}
