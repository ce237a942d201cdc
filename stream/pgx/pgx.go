// Package pgx provides a PostgreSQL event log usable as a positional
// stream source, plus an atomically-upserting subscription position store.
package pgx

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/enverbisevac/pipeline/stream"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultEventsTable    = "stream_events"
	defaultPositionsTable = "subscription_positions"
)

var (
	_ stream.Source        = (*Log)(nil)
	_ stream.Appender      = (*Log)(nil)
	_ stream.PositionStore = (*Positions)(nil)
)

// Log implements an append-only event log in PostgreSQL. The table's
// identity column is the global position exposed as Envelope.Version.
type Log struct {
	config Config
	pool   *pgxpool.Pool
	db     *sql.DB
}

// NewLog creates an event log using pgxpool.
func NewLog(pool *pgxpool.Pool, options ...Option) *Log {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Log{config: config, pool: pool}
}

// NewLogStdLib creates an event log using database/sql.
func NewLogStdLib(db *sql.DB, options ...Option) *Log {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Log{config: config, db: db}
}

func defaultConfig() Config {
	return Config{
		EventsTable:    defaultEventsTable,
		PositionsTable: defaultPositionsTable,
	}
}

// Append inserts envelopes in order. Positions are assigned by the table's
// identity column.
func (l *Log) Append(ctx context.Context, envs ...stream.Envelope) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (id, stream, type, payload, correlation_id, causation_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.config.EventsTable,
	)

	for _, env := range envs {
		if env.ID == "" {
			env.ID = uuid.NewString()
		}

		var err error
		if l.pool != nil {
			_, err = l.pool.Exec(ctx, query,
				env.ID, env.Stream, env.Type, env.Payload,
				env.Metadata.CorrelationID, env.Metadata.CausationID)
		} else {
			_, err = l.db.ExecContext(ctx, query,
				env.ID, env.Stream, env.Type, env.Payload,
				env.Metadata.CorrelationID, env.Metadata.CausationID)
		}
		if err != nil {
			return fmt.Errorf("stream: append: %w", err)
		}
	}
	return nil
}

// Read returns up to limit envelopes with position greater than from, in
// position order.
func (l *Log) Read(ctx context.Context, from int64, limit int) ([]stream.Envelope, error) {
	query := fmt.Sprintf(
		`SELECT position, id, stream, type, payload, correlation_id, causation_id
		FROM %s WHERE position > $1 ORDER BY position LIMIT $2`,
		l.config.EventsTable,
	)

	if l.pool != nil {
		rows, err := l.pool.Query(ctx, query, from, limit)
		if err != nil {
			return nil, fmt.Errorf("stream: read: %w", err)
		}
		defer rows.Close()
		return scanEnvelopes(rows)
	}

	rows, err := l.db.QueryContext(ctx, query, from, limit)
	if err != nil {
		return nil, fmt.Errorf("stream: read: %w", err)
	}
	defer rows.Close()
	return scanSQLEnvelopes(rows)
}

func scanEnvelopes(rows pgx.Rows) ([]stream.Envelope, error) {
	var envs []stream.Envelope
	for rows.Next() {
		var env stream.Envelope
		if err := rows.Scan(
			&env.Version, &env.ID, &env.Stream, &env.Type, &env.Payload,
			&env.Metadata.CorrelationID, &env.Metadata.CausationID,
		); err != nil {
			return nil, fmt.Errorf("stream: scan: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream: rows: %w", err)
	}
	return envs, nil
}

func scanSQLEnvelopes(rows *sql.Rows) ([]stream.Envelope, error) {
	var envs []stream.Envelope
	for rows.Next() {
		var env stream.Envelope
		if err := rows.Scan(
			&env.Version, &env.ID, &env.Stream, &env.Type, &env.Payload,
			&env.Metadata.CorrelationID, &env.Metadata.CausationID,
		); err != nil {
			return nil, fmt.Errorf("stream: scan: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream: rows: %w", err)
	}
	return envs, nil
}

// Positions implements stream.PositionStore in PostgreSQL. Saves are a
// single conditional upsert, never a read-modify-write, so the
// forward-only invariant holds across any number of workers.
type Positions struct {
	config Config
	pool   *pgxpool.Pool
	db     *sql.DB
}

// NewPositions creates a position store using pgxpool.
func NewPositions(pool *pgxpool.Pool, options ...Option) *Positions {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Positions{config: config, pool: pool}
}

// NewPositionsStdLib creates a position store using database/sql.
func NewPositionsStdLib(db *sql.DB, options ...Option) *Positions {
	config := defaultConfig()
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Positions{config: config, db: db}
}

// Load returns the saved position for the subscription, or 0.
func (p *Positions) Load(ctx context.Context, subscription string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT position FROM %s WHERE subscription = $1`,
		p.config.PositionsTable,
	)

	var position int64
	var err error
	if p.pool != nil {
		err = p.pool.QueryRow(ctx, query, subscription).Scan(&position)
		if err == pgx.ErrNoRows {
			return 0, nil
		}
	} else {
		err = p.db.QueryRowContext(ctx, query, subscription).Scan(&position)
		if err == sql.ErrNoRows {
			return 0, nil
		}
	}
	if err != nil {
		return 0, fmt.Errorf("stream: load position: %w", err)
	}
	return position, nil
}

// Save records position unless the stored one is already equal or newer.
func (p *Positions) Save(ctx context.Context, subscription string, position int64) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (subscription, position, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (subscription) DO UPDATE
		SET position = excluded.position, updated_at = now()
		WHERE %s.position < excluded.position`,
		p.config.PositionsTable, p.config.PositionsTable,
	)

	var err error
	if p.pool != nil {
		_, err = p.pool.Exec(ctx, query, subscription, position)
	} else {
		_, err = p.db.ExecContext(ctx, query, subscription, position)
	}
	if err != nil {
		return fmt.Errorf("stream: save position: %w", err)
	}
	return nil
}
