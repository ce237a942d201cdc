package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an outbox message.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusAbandoned  Status = "ABANDONED"
)

var (
	// ErrNotFound is returned by stores when a message does not exist.
	ErrNotFound = errors.New("outbox: message not found")

	// ErrStatusInvalid is returned for unrecognized status values.
	ErrStatusInvalid = errors.New("outbox: invalid status")

	// ErrTransitionInvalid is returned for state transitions outside the
	// lifecycle.
	ErrTransitionInvalid = errors.New("outbox: invalid status transition")

	// ErrLockLost is returned by mark operations when the message is no
	// longer PROCESSING under the marking worker: its lease expired and
	// another worker reclaimed it. The stale outcome must not be recorded.
	ErrLockLost = errors.New("outbox: lock lost")
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}
	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusPublished || s == StatusAbandoned
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// PROCESSING back to PENDING covers lock-expiry recovery.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPublished || next == StatusFailed ||
			next == StatusAbandoned || next == StatusPending
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Message is one staged outbound message.
type Message struct {
	ID              string            `json:"id"`
	Stream          string            `json:"stream"`
	Type            string            `json:"type"`
	Payload         []byte            `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	Status          Status            `json:"status"`
	Attempts        int               `json:"attempts"`
	LastError       string            `json:"last_error,omitempty"`
	LockedBy        string            `json:"locked_by,omitempty"`
	LockedUntil     time.Time         `json:"locked_until,omitzero"`
	RetryAt         time.Time         `json:"retry_at,omitzero"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAttemptedAt time.Time         `json:"last_attempted_at,omitzero"`
	PublishedAt     time.Time         `json:"published_at,omitzero"`
}

// NewMessage creates a pending message for the given stream and type.
func NewMessage(stream, msgType string, payload []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		Stream:    stream,
		Type:      msgType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Store is the persistence port for outbox messages. Implementations must
// enforce the claim protocol: all cross-worker coordination happens as
// conditional updates on the message row, never as in-memory locks.
type Store interface {
	// Save persists messages within the given transaction. tx can be
	// pgx.Tx, *sql.Tx, or nil (the store opens its own transaction).
	Save(ctx context.Context, tx any, msgs ...Message) error

	// FetchDue returns up to limit messages eligible for processing:
	// PENDING, FAILED past their retry time, and PROCESSING whose lock
	// has expired (crash recovery). Ordered by creation time. FetchDue
	// does not claim; callers must Claim each message before publishing.
	FetchDue(ctx context.Context, limit int) ([]Message, error)

	// Claim atomically transitions one message to PROCESSING for
	// workerID with the given lease, incrementing its attempt counter.
	// Exactly one concurrent caller succeeds; the rest get false.
	Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error)

	// MarkPublished records successful publishes and clears the locks.
	// Only messages still PROCESSING under workerID are marked; any id
	// whose lock was lost yields ErrLockLost.
	MarkPublished(ctx context.Context, workerID string, ids ...string) error

	// MarkFailed records a failed publish, schedules the retry and
	// clears the lock. Returns ErrLockLost when the message is no
	// longer PROCESSING under workerID.
	MarkFailed(ctx context.Context, id, workerID string, cause error, retryAt time.Time) error

	// MarkAbandoned moves the message to its terminal failure state.
	// Returns ErrLockLost when the message is no longer PROCESSING
	// under workerID.
	MarkAbandoned(ctx context.Context, id, workerID string, cause error) error

	// Release returns messages claimed by workerID to PENDING.
	// Best-effort shutdown hygiene: unreleased locks expire on their own.
	Release(ctx context.Context, workerID string) error

	// Find returns a single message by ID, or ErrNotFound.
	Find(ctx context.Context, id string) (Message, error)

	// ListByStatus returns up to limit messages in the given status,
	// newest first, for inspection and manual intervention.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Message, error)

	// Cleanup deletes PUBLISHED messages published before publishedBefore
	// and ABANDONED messages last attempted before abandonedBefore,
	// returning the number of rows removed.
	Cleanup(ctx context.Context, publishedBefore, abandonedBefore time.Time) (int64, error)
}

// Publisher is the broker publish port consumed by the Processor.
type Publisher interface {
	Publish(ctx context.Context, msgs ...Message) error
}
