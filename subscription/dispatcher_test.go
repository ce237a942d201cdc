package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/enverbisevac/pipeline/stream/inmem"
)

func TestDispatcherRejectsDuplicateCommands(t *testing.T) {
	d := NewCommandDispatcher(nil)
	handler := func(context.Context, stream.Envelope) error { return nil }

	if err := d.Register("order", "PlaceOrder", handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register("order", "CancelOrder", handler); err != nil {
		t.Fatalf("register second type: %v", err)
	}
	if err := d.Register("order", "PlaceOrder", handler); !errors.Is(err, ErrDuplicateCommand) {
		t.Fatalf("err = %v, want ErrDuplicateCommand", err)
	}
	// Same type in another category is a different registration.
	if err := d.Register("payment", "PlaceOrder", handler); err != nil {
		t.Fatalf("register other category: %v", err)
	}
	if err := d.Register("", "PlaceOrder", handler); err == nil {
		t.Fatal("empty category must be rejected")
	}

	categories := d.Categories()
	if len(categories) != 2 || categories[0] != "order" || categories[1] != "payment" {
		t.Fatalf("categories = %v", categories)
	}
}

func TestDispatcherRoutesByCategoryAndType(t *testing.T) {
	d := NewCommandDispatcher(nil)

	var placed, cancelled int
	_ = d.Register("order", "PlaceOrder", func(context.Context, stream.Envelope) error {
		placed++
		return nil
	})
	_ = d.Register("order", "CancelOrder", func(context.Context, stream.Envelope) error {
		cancelled++
		return nil
	})

	ctx := context.Background()
	if err := d.Dispatch(ctx, stream.Envelope{Stream: "order-1", Type: "PlaceOrder"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := d.Dispatch(ctx, stream.Envelope{Stream: "order-9", Type: "CancelOrder"}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if placed != 1 || cancelled != 1 {
		t.Fatalf("placed=%d cancelled=%d", placed, cancelled)
	}

	err := d.Dispatch(ctx, stream.Envelope{Stream: "payment-1", Type: "PlaceOrder"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
	err = d.Dispatch(ctx, stream.Envelope{Stream: "order-1", Type: "ShipOrder"})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestDispatcherBuildsOneSubscriptionPerCategory(t *testing.T) {
	log := inmem.NewLog()
	positions := inmem.NewPositions()

	var built []string
	factory := func(category string, registry *Registry) (Runner, error) {
		built = append(built, category)
		return NewEventStoreSubscription(category, log, positions, registry), nil
	}

	d := NewCommandDispatcher(factory)
	handler := func(context.Context, stream.Envelope) error { return nil }
	_ = d.Register("order", "PlaceOrder", handler)
	_ = d.Register("order", "CancelOrder", handler)
	_ = d.Register("payment", "TakePayment", handler)

	runners, err := d.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// Two handlers on "order" share one subscription.
	if len(runners) != 2 {
		t.Fatalf("built %d subscriptions, want 2", len(runners))
	}
	if len(built) != 2 || built[0] != "order" || built[1] != "payment" {
		t.Fatalf("categories built = %v", built)
	}
}

func TestDispatcherBuildFactoryError(t *testing.T) {
	boom := errors.New("no transport")
	d := NewCommandDispatcher(func(string, *Registry) (Runner, error) {
		return nil, boom
	})
	_ = d.Register("order", "PlaceOrder", func(context.Context, stream.Envelope) error { return nil })

	if _, err := d.Build(); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestDispatcherSubscriptionRoutesEachMessageOnce(t *testing.T) {
	log := inmem.NewLog()
	positions := inmem.NewPositions()

	d := NewCommandDispatcher(func(category string, registry *Registry) (Runner, error) {
		return NewEventStoreSubscription(category, log, positions, registry), nil
	})

	rec := newRecorder()
	_ = d.Register("order", "PlaceOrder", rec.handler)
	_ = d.Register("order", "CancelOrder", rec.handler)

	runners, err := d.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sub, ok := runners[0].(*EventStoreSubscription)
	if !ok {
		t.Fatalf("runner type %T", runners[0])
	}

	ctx := context.Background()
	appendEnvs(t, log, "PlaceOrder", "CancelOrder", "PlaceOrder")
	if err := sub.processOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := rec.got()
	if len(got) != 3 {
		t.Fatalf("handled %d commands, want 3", len(got))
	}
	// A second pass reprocesses nothing.
	if err := sub.processOnce(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(rec.got()) != 3 {
		t.Fatalf("handled %d after second pass, want 3", len(rec.got()))
	}
}
