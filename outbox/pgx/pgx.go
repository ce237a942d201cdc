// Package pgx implements the outbox store on PostgreSQL. The claim
// protocol is a single conditional UPDATE, so exactly one worker wins each
// message regardless of how many processes poll the same table.
package pgx

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/enverbisevac/pipeline/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ outbox.Store = (*Store)(nil)

const defaultTableName = "outbox_messages"

// Store implements outbox.Store using PostgreSQL.
type Store struct {
	config Config
	pool   *pgxpool.Pool
	db     *sql.DB
}

// New creates a new outbox store using pgxpool.
func New(pool *pgxpool.Pool, options ...Option) *Store {
	config := Config{TableName: defaultTableName}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Store{config: config, pool: pool}
}

// NewStdLib creates a new outbox store using database/sql.
func NewStdLib(db *sql.DB, options ...Option) *Store {
	config := Config{TableName: defaultTableName}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Store{config: config, db: db}
}

// Save persists messages within the given transaction.
// tx can be pgx.Tx, *sql.Tx, or nil.
func (s *Store) Save(ctx context.Context, tx any, msgs ...outbox.Message) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (id, stream, type, payload, headers, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', $6)`,
		s.config.TableName,
	)

	switch t := tx.(type) {
	case pgx.Tx:
		for _, msg := range msgs {
			headers, err := marshalHeaders(msg.Headers)
			if err != nil {
				return err
			}
			if _, err := t.Exec(ctx, query, msg.ID, msg.Stream, msg.Type,
				msg.Payload, headers, createdAt(msg)); err != nil {
				return fmt.Errorf("outbox: save: %w", err)
			}
		}
	case *sql.Tx:
		for _, msg := range msgs {
			headers, err := marshalHeaders(msg.Headers)
			if err != nil {
				return err
			}
			if _, err := t.ExecContext(ctx, query, msg.ID, msg.Stream, msg.Type,
				msg.Payload, headers, createdAt(msg)); err != nil {
				return fmt.Errorf("outbox: save: %w", err)
			}
		}
	case nil:
		return s.saveOwnTx(ctx, query, msgs)
	default:
		return fmt.Errorf("outbox: unsupported tx type %T", tx)
	}
	return nil
}

func (s *Store) saveOwnTx(ctx context.Context, query string, msgs []outbox.Message) error {
	if s.pool != nil {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("outbox: begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := s.Save(ctx, tx, msgs...); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.Save(ctx, tx, msgs...); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal headers: %w", err)
	}
	return data, nil
}

func createdAt(msg outbox.Message) time.Time {
	if msg.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return msg.CreatedAt
}

const selectColumns = `id, stream, type, payload, headers, status, attempts, last_error,
	COALESCE(locked_by, ''), locked_until, retry_at, created_at, last_attempted_at, published_at`

// FetchDue returns up to limit eligible messages: PENDING, FAILED past
// their retry time, and PROCESSING with an expired lock.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = 'PENDING'
	OR (status = 'FAILED' AND retry_at <= now())
	OR (status = 'PROCESSING' AND locked_until <= now())
ORDER BY created_at
LIMIT $1`, selectColumns, s.config.TableName)

	if s.pool != nil {
		rows, err := s.pool.Query(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("outbox: fetch due: %w", err)
		}
		defer rows.Close()
		return scanMessages(rows)
	}

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch due: %w", err)
	}
	defer rows.Close()
	return scanSQLMessages(rows)
}

// Claim atomically transitions one eligible message to PROCESSING for
// workerID. The conditional WHERE makes concurrent claims mutually
// exclusive: losers observe zero rows affected.
func (s *Store) Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'PROCESSING',
	locked_by = $2,
	locked_until = $3,
	attempts = attempts + 1,
	last_attempted_at = now()
WHERE id = $1 AND (
	status = 'PENDING'
	OR (status = 'FAILED' AND retry_at <= now())
	OR (status = 'PROCESSING' AND locked_until <= now())
)`, s.config.TableName)

	affected, err := s.exec(ctx, query, id, workerID, time.Now().UTC().Add(lease))
	if err != nil {
		return false, fmt.Errorf("outbox: claim: %w", err)
	}
	return affected == 1, nil
}

// MarkPublished records successful publishes and clears the locks.
// Each mark is conditional on the worker still holding its claim;
// rows reclaimed after lease expiry yield ErrLockLost.
func (s *Store) MarkPublished(ctx context.Context, workerID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	set := `status = 'PUBLISHED',
	published_at = now(),
	locked_by = NULL,
	locked_until = NULL`

	var (
		affected int64
		err      error
	)
	if s.pool != nil {
		query := fmt.Sprintf(`UPDATE %s SET %s
WHERE id = ANY($1) AND status = 'PROCESSING' AND locked_by = $2`,
			s.config.TableName, set)
		affected, err = s.exec(ctx, query, ids, workerID)
	} else {
		// database/sql has no array binding; expand placeholders.
		placeholders := make([]string, len(ids))
		args := make([]any, 0, len(ids)+1)
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, id)
		}
		args = append(args, workerID)
		query := fmt.Sprintf(`UPDATE %s SET %s
WHERE id IN (%s) AND status = 'PROCESSING' AND locked_by = $%d`,
			s.config.TableName, set, strings.Join(placeholders, ", "), len(ids)+1)
		affected, err = s.exec(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("outbox: mark published: %w", outbox.ErrLockLost)
	}
	return nil
}

// MarkFailed schedules a retry and clears the lock, provided the
// worker still holds its claim.
func (s *Store) MarkFailed(ctx context.Context, id, workerID string, cause error, retryAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'FAILED',
	last_error = $3,
	retry_at = $4,
	locked_by = NULL,
	locked_until = NULL
WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2`, s.config.TableName)

	affected, err := s.exec(ctx, query, id, workerID, errMsg(cause), retryAt)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox: mark failed: %w", outbox.ErrLockLost)
	}
	return nil
}

// MarkAbandoned moves a message to its terminal failure state,
// provided the worker still holds its claim.
func (s *Store) MarkAbandoned(ctx context.Context, id, workerID string, cause error) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'ABANDONED',
	last_error = $3,
	locked_by = NULL,
	locked_until = NULL
WHERE id = $1 AND status = 'PROCESSING' AND locked_by = $2`, s.config.TableName)

	affected, err := s.exec(ctx, query, id, workerID, errMsg(cause))
	if err != nil {
		return fmt.Errorf("outbox: mark abandoned: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox: mark abandoned: %w", outbox.ErrLockLost)
	}
	return nil
}

// Release returns this worker's claims to PENDING.
func (s *Store) Release(ctx context.Context, workerID string) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'PENDING',
	locked_by = NULL,
	locked_until = NULL
WHERE status = 'PROCESSING' AND locked_by = $1`, s.config.TableName)

	if _, err := s.exec(ctx, query, workerID); err != nil {
		return fmt.Errorf("outbox: release: %w", err)
	}
	return nil
}

// Find returns a message by ID.
func (s *Store) Find(ctx context.Context, id string) (outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		selectColumns, s.config.TableName)

	var msgs []outbox.Message
	var err error
	if s.pool != nil {
		rows, qerr := s.pool.Query(ctx, query, id)
		if qerr != nil {
			return outbox.Message{}, fmt.Errorf("outbox: find: %w", qerr)
		}
		defer rows.Close()
		msgs, err = scanMessages(rows)
	} else {
		rows, qerr := s.db.QueryContext(ctx, query, id)
		if qerr != nil {
			return outbox.Message{}, fmt.Errorf("outbox: find: %w", qerr)
		}
		defer rows.Close()
		msgs, err = scanSQLMessages(rows)
	}
	if err != nil {
		return outbox.Message{}, err
	}
	if len(msgs) == 0 {
		return outbox.Message{}, outbox.ErrNotFound
	}
	return msgs[0], nil
}

// ListByStatus returns messages in the given status, newest first.
func (s *Store) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		selectColumns, s.config.TableName)

	if s.pool != nil {
		rows, err := s.pool.Query(ctx, query, status.String(), limit)
		if err != nil {
			return nil, fmt.Errorf("outbox: list by status: %w", err)
		}
		defer rows.Close()
		return scanMessages(rows)
	}

	rows, err := s.db.QueryContext(ctx, query, status.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list by status: %w", err)
	}
	defer rows.Close()
	return scanSQLMessages(rows)
}

// Cleanup removes terminal messages past retention.
func (s *Store) Cleanup(ctx context.Context, publishedBefore, abandonedBefore time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s
WHERE (status = 'PUBLISHED' AND published_at < $1)
	OR (status = 'ABANDONED' AND last_attempted_at < $2)`, s.config.TableName)

	affected, err := s.exec(ctx, query, publishedBefore, abandonedBefore)
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}
	return affected, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if s.pool != nil {
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func scanMessages(rows pgx.Rows) ([]outbox.Message, error) {
	var msgs []outbox.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: rows: %w", err)
	}
	return msgs, nil
}

func scanSQLMessages(rows *sql.Rows) ([]outbox.Message, error) {
	var msgs []outbox.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: rows: %w", err)
	}
	return msgs, nil
}

func scanMessage(scan func(dest ...any) error) (outbox.Message, error) {
	var (
		msg                                            outbox.Message
		headers                                        []byte
		status                                         string
		lockedUntil, retryAt, lastAttempted, published *time.Time
	)
	if err := scan(
		&msg.ID, &msg.Stream, &msg.Type, &msg.Payload, &headers,
		&status, &msg.Attempts, &msg.LastError, &msg.LockedBy,
		&lockedUntil, &retryAt, &msg.CreatedAt, &lastAttempted, &published,
	); err != nil {
		return outbox.Message{}, fmt.Errorf("outbox: scan: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return outbox.Message{}, err
	}
	msg.Status = parsed

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &msg.Headers); err != nil {
			return outbox.Message{}, fmt.Errorf("outbox: unmarshal headers: %w", err)
		}
	}
	if lockedUntil != nil {
		msg.LockedUntil = *lockedUntil
	}
	if retryAt != nil {
		msg.RetryAt = *retryAt
	}
	if lastAttempted != nil {
		msg.LastAttemptedAt = *lastAttempted
	}
	if published != nil {
		msg.PublishedAt = *published
	}
	return msg, nil
}
