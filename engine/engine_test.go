package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRunner struct {
	mu       sync.Mutex
	name     string
	log      *eventLog
	startErr error
	started  bool
	stopped  bool
	stopLag  time.Duration
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (r *fakeRunner) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = true
	if r.log != nil {
		r.log.add("start:" + r.name)
	}
	return nil
}

func (r *fakeRunner) Stop() {
	if r.stopLag > 0 {
		time.Sleep(r.stopLag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.log != nil {
		r.log.add("stop:" + r.name)
	}
}

func (r *fakeRunner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	config := DefaultConfig()
	config.DrainTimeout = Duration(time.Second)
	eng, err := New(config)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return eng
}

func TestEngineStartsProcessorsBeforeSubscriptions(t *testing.T) {
	eng := newTestEngine(t)
	log := &eventLog{}

	sub := &fakeRunner{name: "sub", log: log}
	proc := &fakeRunner{name: "proc", log: log}
	// Added in the "wrong" order on purpose.
	if err := eng.AddSubscription("sub", sub); err != nil {
		t.Fatalf("add subscription: %v", err)
	}
	if err := eng.AddProcessor("proc", proc); err != nil {
		t.Fatalf("add processor: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	events := log.all()
	if len(events) != 2 || events[0] != "start:proc" || events[1] != "start:sub" {
		t.Fatalf("events = %v, want processor first", events)
	}
}

func TestEngineStopsSubscriptionsFirst(t *testing.T) {
	eng := newTestEngine(t)
	log := &eventLog{}

	sub := &fakeRunner{name: "sub", log: log}
	proc := &fakeRunner{name: "proc", log: log}
	_ = eng.AddProcessor("proc", proc)
	_ = eng.AddSubscription("sub", sub)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eng.Stop()

	events := log.all()
	if len(events) != 4 || events[2] != "stop:sub" || events[3] != "stop:proc" {
		t.Fatalf("events = %v, want subscriptions drained first", events)
	}
}

func TestEngineRejectsDuplicateNames(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.AddProcessor("worker", &fakeRunner{}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := eng.AddProcessor("worker", &fakeRunner{}); err == nil {
		t.Fatal("duplicate processor name must be rejected")
	}
	// Names are unique across both sets.
	if err := eng.AddSubscription("worker", &fakeRunner{}); err == nil {
		t.Fatal("name shared with a processor must be rejected")
	}
}

func TestEngineStartFailureStopsStartedRunners(t *testing.T) {
	eng := newTestEngine(t)

	ok := &fakeRunner{name: "ok"}
	bad := &fakeRunner{name: "bad", startErr: errors.New("no broker")}
	_ = eng.AddProcessor("ok", ok)
	_ = eng.AddProcessor("bad", bad)

	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("start should fail")
	}
	if !ok.isStopped() {
		t.Fatal("already-started runner must be stopped on failure")
	}

	// The engine is not started; Stop is a no-op.
	eng.Stop()
}

func TestEngineRequiresAtLeastOneRunner(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("empty engine must fail fast")
	}
}

func TestEngineRequiresProcessorWhenOutboxEnabled(t *testing.T) {
	eng := newTestEngine(t)
	_ = eng.AddSubscription("sub", &fakeRunner{})

	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("outbox enabled without a processor must fail fast")
	}
}

func TestEngineStartTwice(t *testing.T) {
	eng := newTestEngine(t)
	_ = eng.AddProcessor("proc", &fakeRunner{})

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop()

	if err := eng.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
	if err := eng.AddProcessor("late", &fakeRunner{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("err = %v, want ErrAlreadyStarted", err)
	}
}

func TestEngineDrainTimeout(t *testing.T) {
	config := DefaultConfig()
	config.DrainTimeout = Duration(50 * time.Millisecond)
	eng, err := New(config)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	slow := &fakeRunner{name: "slow", stopLag: 500 * time.Millisecond}
	_ = eng.AddProcessor("slow", slow)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	begin := time.Now()
	eng.Stop()
	elapsed := time.Since(begin)

	if elapsed >= 400*time.Millisecond {
		t.Fatalf("stop took %v, drain timeout did not bound it", elapsed)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Broker = "carrier-pigeon"
	if _, err := New(config); err == nil {
		t.Fatal("invalid config must be rejected")
	}
}
