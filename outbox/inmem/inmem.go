// Package inmem provides an in-memory outbox store honoring the same
// claim protocol as the durable backends, for tests and single-process
// deployments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/enverbisevac/pipeline/outbox"
)

// Store implements outbox.Store with a mutex-guarded map. Claim is atomic
// with respect to other Store calls, so concurrent workers within one
// process observe the same exclusivity as with a database backend.
type Store struct {
	mu   sync.Mutex
	msgs map[string]outbox.Message
}

var _ outbox.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{msgs: make(map[string]outbox.Message)}
}

// Save persists messages. The tx argument is accepted for interface parity
// and ignored.
func (s *Store) Save(_ context.Context, _ any, msgs ...outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range msgs {
		if msg.Status == "" {
			msg.Status = outbox.StatusPending
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		s.msgs[msg.ID] = msg
	}
	return nil
}

// FetchDue returns eligible messages ordered by creation time.
func (s *Store) FetchDue(_ context.Context, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	result := make([]outbox.Message, 0, limit)
	for _, msg := range s.msgs {
		if due(msg, now) {
			result = append(result, msg)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func due(msg outbox.Message, now time.Time) bool {
	switch msg.Status {
	case outbox.StatusPending:
		return true
	case outbox.StatusFailed:
		return !msg.RetryAt.After(now)
	case outbox.StatusProcessing:
		return !msg.LockedUntil.After(now)
	default:
		return false
	}
}

// Claim atomically transitions one eligible message to PROCESSING.
func (s *Store) Claim(_ context.Context, id, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.msgs[id]
	if !ok {
		return false, nil
	}

	now := time.Now().UTC()
	if !due(msg, now) {
		return false, nil
	}

	msg.Status = outbox.StatusProcessing
	msg.LockedBy = workerID
	msg.LockedUntil = now.Add(lease)
	msg.Attempts++
	msg.LastAttemptedAt = now
	s.msgs[id] = msg
	return true, nil
}

// MarkPublished records successful publishes for ids still locked by
// workerID.
func (s *Store) MarkPublished(_ context.Context, workerID string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		msg, err := s.held(id, workerID, outbox.StatusPublished)
		if err != nil {
			return err
		}
		msg.Status = outbox.StatusPublished
		msg.PublishedAt = now
		msg.LockedBy = ""
		msg.LockedUntil = time.Time{}
		s.msgs[id] = msg
	}
	return nil
}

// MarkFailed schedules a retry when workerID still holds the lock.
func (s *Store) MarkFailed(_ context.Context, id, workerID string, cause error, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.held(id, workerID, outbox.StatusFailed)
	if err != nil {
		return err
	}
	msg.Status = outbox.StatusFailed
	msg.RetryAt = retryAt
	msg.LockedBy = ""
	msg.LockedUntil = time.Time{}
	if cause != nil {
		msg.LastError = cause.Error()
	}
	s.msgs[id] = msg
	return nil
}

// MarkAbandoned moves a message to its terminal failure state when
// workerID still holds the lock.
func (s *Store) MarkAbandoned(_ context.Context, id, workerID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.held(id, workerID, outbox.StatusAbandoned)
	if err != nil {
		return err
	}
	msg.Status = outbox.StatusAbandoned
	msg.LockedBy = ""
	msg.LockedUntil = time.Time{}
	if cause != nil {
		msg.LastError = cause.Error()
	}
	s.msgs[id] = msg
	return nil
}

// held returns the message when workerID still owns its claim and the
// transition to next is part of the lifecycle. A stale worker, one
// whose lease expired and whose message was reclaimed, gets
// ErrLockLost and must not record its outcome. Callers hold s.mu.
func (s *Store) held(id, workerID string, next outbox.Status) (outbox.Message, error) {
	msg, ok := s.msgs[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	if msg.Status != outbox.StatusProcessing || msg.LockedBy != workerID {
		return outbox.Message{}, fmt.Errorf("%w: %s is %s, locked by %q",
			outbox.ErrLockLost, id, msg.Status, msg.LockedBy)
	}
	if !msg.Status.CanTransitionTo(next) {
		return outbox.Message{}, fmt.Errorf("%w: %s to %s",
			outbox.ErrTransitionInvalid, msg.Status, next)
	}
	return msg, nil
}

// Release returns this worker's claims to PENDING.
func (s *Store) Release(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, msg := range s.msgs {
		if msg.Status == outbox.StatusProcessing && msg.LockedBy == workerID {
			msg.Status = outbox.StatusPending
			msg.LockedBy = ""
			msg.LockedUntil = time.Time{}
			s.msgs[id] = msg
		}
	}
	return nil
}

// Find returns a message by ID.
func (s *Store) Find(_ context.Context, id string) (outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.msgs[id]
	if !ok {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return msg, nil
}

// ListByStatus returns messages in the given status, newest first.
func (s *Store) ListByStatus(_ context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]outbox.Message, 0, limit)
	for _, msg := range s.msgs {
		if msg.Status == status {
			result = append(result, msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Cleanup removes terminal messages past retention.
func (s *Store) Cleanup(_ context.Context, publishedBefore, abandonedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, msg := range s.msgs {
		remove := (msg.Status == outbox.StatusPublished && msg.PublishedAt.Before(publishedBefore)) ||
			(msg.Status == outbox.StatusAbandoned && msg.LastAttemptedAt.Before(abandonedBefore))
		if remove {
			delete(s.msgs, id)
			deleted++
		}
	}
	return deleted, nil
}
