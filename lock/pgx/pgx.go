// Package pgx provides distributed locks backed by PostgreSQL advisory
// locks. Each lock pins a connection while held, so keep hold times short.
package pgx

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/enverbisevac/pipeline/lock"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service implements lock.Service using pg_try_advisory_lock.
type Service struct {
	config Config
	pool   *pgxpool.Pool
	db     *sql.DB
}

var _ lock.Service = (*Service)(nil)

// New creates a lock service using pgxpool.
func New(pool *pgxpool.Pool, options ...Option) *Service {
	config := Config{Namespace: 0}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Service{config: config, pool: pool}
}

// NewStdLib creates a lock service using database/sql.
func NewStdLib(db *sql.DB, options ...Option) *Service {
	config := Config{Namespace: 0}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Service{config: config, db: db}
}

// NewLock creates a lock for the given key.
func (s *Service) NewLock(key string) lock.Locker {
	return &locker{service: s, key: hashKey(key)}
}

// hashKey converts a string key to int32 using FNV-1a.
func hashKey(key string) int32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int32(h.Sum32())
}

type locker struct {
	service *Service
	key     int32

	mu       sync.Mutex
	poolConn *pgxpool.Conn
	dbConn   *sql.Conn
	locked   bool
}

// TryLock attempts to acquire the advisory lock without blocking.
func (l *locker) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locked {
		return true, nil
	}

	if err := l.acquireConn(ctx); err != nil {
		return false, err
	}

	var acquired bool
	if l.poolConn != nil {
		err := l.poolConn.QueryRow(ctx,
			"SELECT pg_try_advisory_lock($1, $2)",
			l.service.config.Namespace, l.key,
		).Scan(&acquired)
		if err != nil {
			l.releaseConn()
			return false, fmt.Errorf("lock: try lock: %w", err)
		}
	} else {
		err := l.dbConn.QueryRowContext(ctx,
			"SELECT pg_try_advisory_lock($1, $2)",
			l.service.config.Namespace, l.key,
		).Scan(&acquired)
		if err != nil {
			l.releaseConn()
			return false, fmt.Errorf("lock: try lock: %w", err)
		}
	}

	if !acquired {
		l.releaseConn()
		return false, nil
	}

	l.locked = true
	return true, nil
}

// Unlock releases the advisory lock and its pinned connection.
func (l *locker) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.locked {
		return nil
	}

	var err error
	if l.poolConn != nil {
		_, err = l.poolConn.Exec(ctx,
			"SELECT pg_advisory_unlock($1, $2)",
			l.service.config.Namespace, l.key)
	} else if l.dbConn != nil {
		_, err = l.dbConn.ExecContext(ctx,
			"SELECT pg_advisory_unlock($1, $2)",
			l.service.config.Namespace, l.key)
	}

	l.releaseConn()
	l.locked = false

	if err != nil {
		return fmt.Errorf("lock: unlock: %w", err)
	}
	return nil
}

// acquireConn pins a connection: advisory locks are session-scoped, so the
// same connection must release the lock that acquired it.
func (l *locker) acquireConn(ctx context.Context) error {
	if l.service.pool != nil {
		conn, err := l.service.pool.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("lock: acquire conn: %w", err)
		}
		l.poolConn = conn
		return nil
	}

	conn, err := l.service.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("lock: acquire conn: %w", err)
	}
	l.dbConn = conn
	return nil
}

func (l *locker) releaseConn() {
	if l.poolConn != nil {
		l.poolConn.Release()
		l.poolConn = nil
	}
	if l.dbConn != nil {
		_ = l.dbConn.Close()
		l.dbConn = nil
	}
}
