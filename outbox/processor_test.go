package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/enverbisevac/pipeline/trace"
)

type mockStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	order    []string

	released  []string
	cleanups  int
	sweptRows int64

	fetchErr   error
	claimErr   error
	markPubErr error
	cleanupErr error
	// claimDenied forces Claim to report a lost race.
	claimDenied bool
}

func newMockStore(msgs ...Message) *mockStore {
	s := &mockStore{messages: make(map[string]*Message)}
	for _, msg := range msgs {
		m := msg
		s.messages[m.ID] = &m
		s.order = append(s.order, m.ID)
	}
	return s
}

func (s *mockStore) Save(_ context.Context, _ any, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		m := msg
		s.messages[m.ID] = &m
		s.order = append(s.order, m.ID)
	}
	return nil
}

func due(m *Message, now time.Time) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return !m.RetryAt.After(now)
	case StatusProcessing:
		return !m.LockedUntil.IsZero() && !m.LockedUntil.After(now)
	default:
		return false
	}
}

func (s *mockStore) FetchDue(_ context.Context, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	now := time.Now()
	var result []Message
	for _, id := range s.order {
		if len(result) >= limit {
			break
		}
		if m := s.messages[id]; due(m, now) {
			result = append(result, *m)
		}
	}
	return result, nil
}

func (s *mockStore) Claim(_ context.Context, id, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	if s.claimDenied {
		return false, nil
	}
	m, ok := s.messages[id]
	if !ok || !due(m, time.Now()) {
		return false, nil
	}
	m.Status = StatusProcessing
	m.LockedBy = workerID
	m.LockedUntil = time.Now().Add(lease)
	m.Attempts++
	m.LastAttemptedAt = time.Now()
	return true, nil
}

// held mirrors the store contract: outcomes are recorded only while
// the worker still owns the claim. Callers hold s.mu.
func (s *mockStore) held(id, workerID string) (*Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.Status != StatusProcessing || m.LockedBy != workerID {
		return nil, ErrLockLost
	}
	return m, nil
}

func (s *mockStore) MarkPublished(_ context.Context, workerID string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markPubErr != nil {
		return s.markPubErr
	}
	for _, id := range ids {
		m, err := s.held(id, workerID)
		if err != nil {
			return err
		}
		m.Status = StatusPublished
		m.PublishedAt = time.Now()
		m.LockedBy = ""
		m.LockedUntil = time.Time{}
	}
	return nil
}

func (s *mockStore) MarkFailed(_ context.Context, id, workerID string, cause error, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	m.Status = StatusFailed
	m.LastError = cause.Error()
	m.RetryAt = retryAt
	m.LockedBy = ""
	m.LockedUntil = time.Time{}
	return nil
}

func (s *mockStore) MarkAbandoned(_ context.Context, id, workerID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	m.Status = StatusAbandoned
	m.LastError = cause.Error()
	m.LockedBy = ""
	m.LockedUntil = time.Time{}
	return nil
}

func (s *mockStore) Release(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, workerID)
	for _, m := range s.messages {
		if m.Status == StatusProcessing && m.LockedBy == workerID {
			m.Status = StatusPending
			m.LockedBy = ""
			m.LockedUntil = time.Time{}
		}
	}
	return nil
}

func (s *mockStore) Find(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		return *m, nil
	}
	return Message{}, ErrNotFound
}

func (s *mockStore) ListByStatus(_ context.Context, status Status, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Message
	for _, id := range s.order {
		if len(result) >= limit {
			break
		}
		if m := s.messages[id]; m.Status == status {
			result = append(result, *m)
		}
	}
	return result, nil
}

func (s *mockStore) Cleanup(_ context.Context, _, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	if s.cleanupErr != nil {
		return 0, s.cleanupErr
	}
	return s.sweptRows, nil
}

func (s *mockStore) get(id string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

func (s *mockStore) cleanupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleanups
}

type mockPublisher struct {
	mu    sync.Mutex
	msgs  []Message
	fails map[string]int // remaining failures per message ID
	err   error
}

func (p *mockPublisher) Publish(_ context.Context, msgs ...Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range msgs {
		if p.fails[msg.ID] > 0 {
			p.fails[msg.ID]--
			return p.err
		}
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *mockPublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]Message, len(p.msgs))
	copy(cp, p.msgs)
	return cp
}

// noRetry makes failed messages due again immediately.
var noRetry = Backoff{}

func TestProcessorPublishesFirstAttempt(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub)

	result := proc.ProcessOnce(context.Background())

	if result.Published != 1 {
		t.Fatalf("published %d, want 1", result.Published)
	}
	got := store.get(msg.ID)
	if got.Status != StatusPublished {
		t.Fatalf("status = %s, want %s", got.Status, StatusPublished)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if len(pub.published()) != 1 {
		t.Fatalf("broker saw %d messages, want 1", len(pub.published()))
	}
}

func TestProcessorRetriesThenPublishes(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &mockPublisher{
		fails: map[string]int{msg.ID: 2},
		err:   errors.New("broker down"),
	}
	proc := NewProcessor(store, pub,
		WithMaxAttempts(3),
		WithBackoff(noRetry),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		proc.ProcessOnce(ctx)
		got := store.get(msg.ID)
		if got.Status != StatusFailed {
			t.Fatalf("after attempt %d: status = %s, want %s", i+1, got.Status, StatusFailed)
		}
	}

	result := proc.ProcessOnce(ctx)
	if result.Published != 1 {
		t.Fatalf("published %d, want 1", result.Published)
	}
	got := store.get(msg.ID)
	if got.Status != StatusPublished {
		t.Fatalf("status = %s, want %s", got.Status, StatusPublished)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
}

func TestProcessorAbandonsAfterMaxAttempts(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &mockPublisher{
		fails: map[string]int{msg.ID: 100},
		err:   errors.New("broker down"),
	}
	proc := NewProcessor(store, pub,
		WithMaxAttempts(3),
		WithBackoff(noRetry),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		proc.ProcessOnce(ctx)
	}
	got := store.get(msg.ID)
	if got.Status != StatusAbandoned {
		t.Fatalf("status = %s, want %s", got.Status, StatusAbandoned)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}

	// Abandoned messages are never fetched again.
	result := proc.ProcessOnce(ctx)
	if result.Fetched != 0 {
		t.Fatalf("fetched %d after abandonment, want 0", result.Fetched)
	}
	if len(pub.published()) != 0 {
		t.Fatal("abandoned message must not reach the broker")
	}
}

func TestProcessorSkipsLostClaims(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	store.claimDenied = true
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub)

	result := proc.ProcessOnce(context.Background())

	if result.Fetched != 1 {
		t.Fatalf("fetched %d, want 1", result.Fetched)
	}
	if result.Claimed != 0 {
		t.Fatalf("claimed %d, want 0", result.Claimed)
	}
	if len(pub.published()) != 0 {
		t.Fatal("unclaimed message must not be published")
	}
}

func TestProcessorNeverMarksPublishedWithoutPublish(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &mockPublisher{
		fails: map[string]int{msg.ID: 1},
		err:   errors.New("broker down"),
	}
	proc := NewProcessor(store, pub, WithBackoff(noRetry))

	proc.ProcessOnce(context.Background())

	got := store.get(msg.ID)
	if got.Status == StatusPublished {
		t.Fatal("message marked PUBLISHED without a successful publish")
	}
	if got.LastError == "" {
		t.Fatal("failed message should record its error")
	}
}

func TestProcessorMarkPublishedFailureKeepsClaim(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	store.markPubErr = errors.New("db down")
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub)

	result := proc.ProcessOnce(context.Background())

	// Publish happened but the transition did not; the message stays
	// PROCESSING until the lease expires and is then republished.
	if result.Published != 0 {
		t.Fatalf("published counter = %d, want 0", result.Published)
	}
	if len(pub.published()) != 1 {
		t.Fatalf("broker saw %d messages, want 1", len(pub.published()))
	}
	got := store.get(msg.ID)
	if got.Status != StatusProcessing {
		t.Fatalf("status = %s, want %s", got.Status, StatusProcessing)
	}
}

// lockStealingPublisher reassigns the message lock while the publish
// is in flight, as a worker reclaiming an expired lease would.
type lockStealingPublisher struct {
	store *mockStore
	thief string
	err   error
}

func (p *lockStealingPublisher) Publish(_ context.Context, msgs ...Message) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	for _, msg := range msgs {
		m := p.store.messages[msg.ID]
		m.LockedBy = p.thief
		m.LockedUntil = time.Now().Add(time.Minute)
	}
	return p.err
}

func TestProcessorStaleOutcomeNotRecorded(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &lockStealingPublisher{store: store, thief: "worker-2"}
	proc := NewProcessor(store, pub, WithWorkerID("worker-1"))

	result := proc.ProcessOnce(context.Background())

	// The lease moved mid-publish; the new owner rules on the outcome.
	if result.Published != 0 {
		t.Fatalf("published counter = %d, want 0", result.Published)
	}
	got := store.get(msg.ID)
	if got.Status != StatusProcessing || got.LockedBy != "worker-2" {
		t.Fatalf("message = %s locked by %q, want PROCESSING by worker-2",
			got.Status, got.LockedBy)
	}
}

func TestProcessorStaleFailureNotRecorded(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &lockStealingPublisher{store: store, thief: "worker-2", err: errors.New("broker down")}
	proc := NewProcessor(store, pub, WithWorkerID("worker-1"), WithBackoff(noRetry))

	result := proc.ProcessOnce(context.Background())

	if result.Failed != 0 {
		t.Fatalf("failed counter = %d, want 0", result.Failed)
	}
	got := store.get(msg.ID)
	if got.Status != StatusProcessing || got.LockedBy != "worker-2" {
		t.Fatalf("message = %s locked by %q, want PROCESSING by worker-2",
			got.Status, got.LockedBy)
	}
}

func TestProcessorRecoversExpiredLocks(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	msg.Status = StatusProcessing
	msg.LockedBy = "dead-worker"
	msg.LockedUntil = time.Now().Add(-time.Minute)
	msg.Attempts = 1
	store := newMockStore(msg)
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub)

	result := proc.ProcessOnce(context.Background())

	if result.Published != 1 {
		t.Fatalf("published %d, want 1", result.Published)
	}
	got := store.get(msg.ID)
	if got.Status != StatusPublished {
		t.Fatalf("status = %s, want %s", got.Status, StatusPublished)
	}
	if got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestProcessorSweepInterval(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub, WithCleanupEveryTicks(3))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		proc.ProcessOnce(ctx)
	}
	if got := store.cleanupCount(); got != 2 {
		t.Fatalf("cleanup ran %d times over 7 ticks, want 2", got)
	}
}

func TestProcessorSweepFailureNonFatal(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	store.cleanupErr = errors.New("db down")
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub, WithCleanupEveryTicks(1))

	result := proc.ProcessOnce(context.Background())

	if result.Published != 1 {
		t.Fatalf("published %d, want 1", result.Published)
	}
	if store.cleanupCount() != 1 {
		t.Fatal("cleanup should have been attempted")
	}
}

type mockLocker struct {
	mu       sync.Mutex
	acquired bool
	granted  bool
}

func (l *mockLocker) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired = true
	return l.granted, nil
}

func (l *mockLocker) Unlock(context.Context) error {
	return nil
}

func TestProcessorSweepLockDeniedSkipsSweep(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	locker := &mockLocker{granted: false}
	proc := NewProcessor(store, pub,
		WithCleanupEveryTicks(1),
		WithSweepLock(locker),
	)

	proc.ProcessOnce(context.Background())

	if !locker.acquired {
		t.Fatal("sweep lock was never attempted")
	}
	if store.cleanupCount() != 0 {
		t.Fatal("sweep ran without holding the lock")
	}
}

func TestProcessorReleasesClaimsOnStop(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub,
		WithWorkerID("worker-1"),
		WithPollInterval(10*time.Millisecond),
	)

	if err := proc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	proc.Stop()

	store.mu.Lock()
	released := append([]string(nil), store.released...)
	store.mu.Unlock()
	if len(released) != 1 || released[0] != "worker-1" {
		t.Fatalf("released = %v, want [worker-1]", released)
	}
}

func TestProcessorStartIdempotent(t *testing.T) {
	store := newMockStore()
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub, WithPollInterval(10*time.Millisecond))

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	proc.Stop()
}

func TestProcessorStopWithoutStart(t *testing.T) {
	proc := NewProcessor(newMockStore(), &mockPublisher{})
	proc.Stop()
}

type panicEmitter struct{}

func (panicEmitter) Emit(context.Context, trace.Event) {
	panic("emitter blew up")
}

func TestProcessorEmitterPanicIsHarmless(t *testing.T) {
	msg := NewMessage("orders", "OrderPlaced", []byte("o1"))
	store := newMockStore(msg)
	pub := &mockPublisher{}
	proc := NewProcessor(store, pub, WithEmitter(panicEmitter{}))

	result := proc.ProcessOnce(context.Background())

	if result.Published != 1 {
		t.Fatalf("published %d, want 1", result.Published)
	}
	if store.get(msg.ID).Status != StatusPublished {
		t.Fatal("message should still be published when the emitter panics")
	}
}
