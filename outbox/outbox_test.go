package outbox

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"PENDING", "PROCESSING", "PUBLISHED", "FAILED", "ABANDONED"} {
		status, err := ParseStatus(raw)
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", raw, err)
		}
		if status.String() != raw {
			t.Fatalf("ParseStatus(%q) = %q", raw, status)
		}
	}

	if _, err := ParseStatus("SHIPPED"); !errors.Is(err, ErrStatusInvalid) {
		t.Fatalf("ParseStatus(SHIPPED) error = %v, want ErrStatusInvalid", err)
	}
	if _, err := ParseStatus(""); !errors.Is(err, ErrStatusInvalid) {
		t.Fatalf("ParseStatus(empty) error = %v, want ErrStatusInvalid", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusFailed:     false,
		StatusPublished:  true,
		StatusAbandoned:  true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to Status
	}{
		{StatusPending, StatusProcessing},
		{StatusFailed, StatusProcessing},
		{StatusProcessing, StatusPublished},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusAbandoned},
		// Lock-expiry recovery.
		{StatusProcessing, StatusPending},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct {
		from, to Status
	}{
		{StatusPending, StatusPublished},
		{StatusPending, StatusAbandoned},
		{StatusFailed, StatusPublished},
		{StatusPublished, StatusPending},
		{StatusPublished, StatusProcessing},
		{StatusAbandoned, StatusProcessing},
		{StatusAbandoned, StatusPending},
	}
	for _, tr := range denied {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s must not be allowed", tr.from, tr.to)
		}
	}
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage("order-42", "OrderPlaced", []byte("payload"))

	if msg.ID == "" {
		t.Fatal("message has no ID")
	}
	if msg.Status != StatusPending {
		t.Fatalf("status = %s, want %s", msg.Status, StatusPending)
	}
	if msg.Stream != "order-42" || msg.Type != "OrderPlaced" {
		t.Fatalf("stream/type = %s/%s", msg.Stream, msg.Type)
	}
	if msg.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
	if msg.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", msg.Attempts)
	}
}
