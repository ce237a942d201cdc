// Package inmem provides process-local locks for tests and single-process
// deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/enverbisevac/pipeline/lock"
)

// Service implements lock.Service with process-local mutexes.
type Service struct {
	mu    sync.Mutex
	locks map[string]*locker
}

var _ lock.Service = (*Service)(nil)

// New creates an in-memory lock service.
func New() *Service {
	return &Service{locks: make(map[string]*locker)}
}

// NewLock returns the lock for key. Locks with the same key share state.
func (s *Service) NewLock(key string) lock.Locker {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &locker{}
		s.locks[key] = l
	}
	return l
}

type locker struct {
	mu   sync.Mutex
	held bool
}

func (l *locker) TryLock(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *locker) Unlock(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held = false
	return nil
}
