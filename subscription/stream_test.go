package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/enverbisevac/pipeline/stream/inmem"
)

func TestStreamSubscriptionAcksInOrder(t *testing.T) {
	log := inmem.NewLog()
	appendEnvs(t, log, "A", "B", "C")

	rec := newRecorder()
	registry := NewRegistry()
	for _, typ := range []string{"A", "B", "C"} {
		_ = registry.Register(typ, rec.handler)
	}

	sub := NewStreamSubscription("orders", log, registry)
	if err := sub.processOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := rec.got()
	if len(got) != 3 || got[0] != "A" || got[1] != "B" || got[2] != "C" {
		t.Fatalf("handled = %v, want [A B C]", got)
	}
	if log.Pending("orders") != 0 {
		t.Fatalf("pending = %d, want 0", log.Pending("orders"))
	}
}

func TestStreamSubscriptionNoPrematureAck(t *testing.T) {
	log := inmem.NewLog()
	appendEnvs(t, log, "A", "B", "C")

	rec := newRecorder()
	rec.fail["B"] = -1
	registry := NewRegistry()
	for _, typ := range []string{"A", "B", "C"} {
		_ = registry.Register(typ, rec.handler)
	}

	sub := NewStreamSubscription("orders", log, registry,
		WithMaxRetries(1), WithRetryDelay(0))
	if err := sub.processOnce(context.Background()); err == nil {
		t.Fatal("poison delivery without dead-letter must surface an error")
	}

	// A is acked; B and C stay pending for re-delivery. C is never
	// acknowledged while B handling has not completed.
	if got := log.Pending("orders"); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}
	handled := rec.got()
	if len(handled) != 1 || handled[0] != "A" {
		t.Fatalf("handled = %v, want [A]", handled)
	}
}

func TestStreamSubscriptionRedeliversUnacked(t *testing.T) {
	log := inmem.NewLog()
	appendEnvs(t, log, "A", "B")

	rec := newRecorder()
	rec.fail["B"] = 1 // fails once across passes
	registry := NewRegistry()
	_ = registry.Register("A", rec.handler)
	_ = registry.Register("B", rec.handler)

	sub := NewStreamSubscription("orders", log, registry,
		WithMaxRetries(0), WithRetryDelay(0))

	if err := sub.processOnce(context.Background()); err == nil {
		t.Fatal("first pass should fail on B")
	}
	if err := sub.processOnce(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	got := rec.got()
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Fatalf("handled = %v, want [A B]", got)
	}
	if log.Pending("orders") != 0 {
		t.Fatalf("pending = %d, want 0", log.Pending("orders"))
	}
}

func TestStreamSubscriptionDeadLetters(t *testing.T) {
	log := inmem.NewLog()
	appendEnvs(t, log, "A", "B", "C")

	rec := newRecorder()
	rec.fail["B"] = -1
	registry := NewRegistry()
	for _, typ := range []string{"A", "B", "C"} {
		_ = registry.Register(typ, rec.handler)
	}

	letters := &memLetters{}
	sub := NewStreamSubscription("orders", log, registry,
		WithMaxRetries(1),
		WithRetryDelay(0),
		WithDeadLetterer(letters),
	)
	if err := sub.processOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := rec.got()
	if len(got) != 2 || got[0] != "A" || got[1] != "C" {
		t.Fatalf("handled = %v, want [A C]", got)
	}
	if letters.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", letters.count())
	}
	if log.Pending("orders") != 0 {
		t.Fatalf("pending = %d, want 0 (dead-lettered delivery is acked)", log.Pending("orders"))
	}
}

func TestStreamDeadLetterDestination(t *testing.T) {
	log := inmem.NewLog()
	dl := NewStreamDeadLetter(log)

	env := stream.Envelope{
		ID:     "msg-1",
		Type:   "OrderPlaced",
		Stream: "order-42",
	}
	if err := dl.DeadLetter(context.Background(), env, errors.New("poison")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	envs, err := log.Read(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("appended %d, want 1", len(envs))
	}
	if envs[0].Stream != "order-42.dlq" {
		t.Fatalf("stream = %q, want order-42.dlq", envs[0].Stream)
	}
}
