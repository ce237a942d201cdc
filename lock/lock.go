// Package lock provides distributed try-locks. The pipeline uses them to
// serialize maintenance work, such as the outbox cleanup sweep, across
// workers sharing a store. Backends live in the inmem and pgx subpackages.
package lock

import "context"

// Locker is a lock that can be attempted and released.
type Locker interface {
	// TryLock attempts to acquire the lock without blocking.
	// Returns true if the lock was acquired.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock.
	Unlock(ctx context.Context) error
}

// Service creates locks by key.
type Service interface {
	NewLock(key string) Locker
}
