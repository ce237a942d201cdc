// Package sqlite provides an outbox message store backed by SQLite,
// suitable for embedded deployments and tests. Timestamps are stored
// as unix milliseconds.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/enverbisevac/pipeline/outbox"
)

// DefaultTableName is used when no table name option is given.
const DefaultTableName = "outbox_messages"

const selectColumns = `id, stream, type, payload, headers, status, attempts,
	last_error, locked_by, locked_until, retry_at, created_at,
	last_attempted_at, published_at`

var _ outbox.Store = (*Store)(nil)

// Store implements outbox.Store on a SQLite database.
type Store struct {
	db     *sql.DB
	config Config
}

// New creates a sqlite outbox store.
func New(db *sql.DB, options ...Option) *Store {
	config := Config{
		TableName: DefaultTableName,
	}
	for _, opt := range options {
		opt.Apply(&config)
	}
	return &Store{
		db:     db,
		config: config,
	}
}

// Save stages messages. When tx is a *sql.Tx the insert joins the
// caller's transaction, otherwise the store runs its own.
func (s *Store) Save(ctx context.Context, tx any, msgs ...outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	switch t := tx.(type) {
	case *sql.Tx:
		return s.save(ctx, t, msgs)
	case nil:
		own, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("outbox: begin tx: %w", err)
		}
		if err := s.save(ctx, own, msgs); err != nil {
			_ = own.Rollback()
			return err
		}
		if err := own.Commit(); err != nil {
			return fmt.Errorf("outbox: commit tx: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("outbox: unsupported transaction type %T", tx)
	}
}

func (s *Store) save(ctx context.Context, tx *sql.Tx, msgs []outbox.Message) error {
	query := fmt.Sprintf(`INSERT INTO %s (
	id, stream, type, payload, headers, status, attempts, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.config.TableName)

	for _, msg := range msgs {
		headers, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("outbox: marshal headers: %w", err)
		}
		_, err = tx.ExecContext(ctx, query,
			msg.ID,
			msg.Stream,
			msg.Type,
			msg.Payload,
			string(headers),
			string(msg.Status),
			msg.Attempts,
			msg.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("outbox: save message %s: %w", msg.ID, err)
		}
	}
	return nil
}

// FetchDue returns messages eligible for a publish attempt now:
// pending, failed past their retry time, or processing past their
// lock expiry.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = 'PENDING'
	OR (status = 'FAILED' AND retry_at IS NOT NULL AND retry_at <= ?)
	OR (status = 'PROCESSING' AND locked_until IS NOT NULL AND locked_until <= ?)
ORDER BY created_at
LIMIT ?`, selectColumns, s.config.TableName)

	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, query, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch due: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Claim attempts to take exclusive ownership of a message. It returns
// false when the message is no longer claimable, which another worker
// winning the race also produces.
func (s *Store) Claim(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'PROCESSING',
	locked_by = ?,
	locked_until = ?,
	attempts = attempts + 1,
	last_attempted_at = ?
WHERE id = ?
	AND (status = 'PENDING'
		OR (status = 'FAILED' AND retry_at IS NOT NULL AND retry_at <= ?)
		OR (status = 'PROCESSING' AND locked_until IS NOT NULL AND locked_until <= ?))`,
		s.config.TableName)

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		workerID,
		now.Add(lease).UnixMilli(),
		now.UnixMilli(),
		id,
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("outbox: claim message %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox: claim message %s: %w", id, err)
	}
	return affected == 1, nil
}

// MarkPublished records successful publishes and clears the locks.
// Each mark is conditional on the worker still holding its claim; a
// stale worker whose lease was reclaimed gets ErrLockLost.
func (s *Store) MarkPublished(ctx context.Context, workerID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UnixMilli())
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, workerID)
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'PUBLISHED',
	published_at = ?,
	locked_by = '',
	locked_until = NULL
WHERE id IN (%s) AND status = 'PROCESSING' AND locked_by = ?`,
		s.config.TableName, strings.Join(placeholders, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("outbox: mark published: %w", outbox.ErrLockLost)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one,
// provided the worker still holds its claim.
func (s *Store) MarkFailed(ctx context.Context, id, workerID string, cause error, retryAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'FAILED',
	last_error = ?,
	retry_at = ?,
	locked_by = '',
	locked_until = NULL
WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`, s.config.TableName)

	res, err := s.db.ExecContext(ctx, query, errString(cause), retryAt.UnixMilli(), id, workerID)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox: mark failed %s: %w", id, outbox.ErrLockLost)
	}
	return nil
}

// MarkAbandoned parks a message after its attempts are exhausted,
// provided the worker still holds its claim.
func (s *Store) MarkAbandoned(ctx context.Context, id, workerID string, cause error) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'ABANDONED',
	last_error = ?,
	locked_by = '',
	locked_until = NULL
WHERE id = ? AND status = 'PROCESSING' AND locked_by = ?`, s.config.TableName)

	res, err := s.db.ExecContext(ctx, query, errString(cause), id, workerID)
	if err != nil {
		return fmt.Errorf("outbox: mark abandoned %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: mark abandoned %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("outbox: mark abandoned %s: %w", id, outbox.ErrLockLost)
	}
	return nil
}

// Release returns the worker's in-flight claims to the pending state.
func (s *Store) Release(ctx context.Context, workerID string) error {
	query := fmt.Sprintf(`UPDATE %s SET
	status = 'PENDING',
	locked_by = '',
	locked_until = NULL
WHERE status = 'PROCESSING' AND locked_by = ?`, s.config.TableName)

	if _, err := s.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("outbox: release claims for %s: %w", workerID, err)
	}
	return nil
}

// Find looks up a single message by id.
func (s *Store) Find(ctx context.Context, id string) (outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`,
		selectColumns, s.config.TableName)

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return outbox.Message{}, outbox.ErrNotFound
		}
		return outbox.Message{}, fmt.Errorf("outbox: find message %s: %w", id, err)
	}
	return msg, nil
}

// ListByStatus returns the most recent messages in the given status.
func (s *Store) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]outbox.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE status = ?
ORDER BY created_at DESC
LIMIT ?`, selectColumns, s.config.TableName)

	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: list by status: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Cleanup deletes terminal messages older than the given cutoffs and
// returns the number of rows removed.
func (s *Store) Cleanup(ctx context.Context, publishedBefore, abandonedBefore time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s
WHERE (status = 'PUBLISHED' AND published_at < ?)
	OR (status = 'ABANDONED' AND last_attempted_at < ?)`, s.config.TableName)

	res, err := s.db.ExecContext(ctx, query,
		publishedBefore.UnixMilli(), abandonedBefore.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}
	return affected, nil
}

func scanMessages(rows *sql.Rows) ([]outbox.Message, error) {
	var msgs []outbox.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: scan messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(scan func(dest ...any) error) (outbox.Message, error) {
	var (
		msg             outbox.Message
		status          string
		headers         sql.NullString
		lockedUntil     sql.NullInt64
		retryAt         sql.NullInt64
		createdAt       int64
		lastAttemptedAt sql.NullInt64
		publishedAt     sql.NullInt64
	)
	err := scan(
		&msg.ID,
		&msg.Stream,
		&msg.Type,
		&msg.Payload,
		&headers,
		&status,
		&msg.Attempts,
		&msg.LastError,
		&msg.LockedBy,
		&lockedUntil,
		&retryAt,
		&createdAt,
		&lastAttemptedAt,
		&publishedAt,
	)
	if err != nil {
		return outbox.Message{}, err
	}

	msg.Status = outbox.Status(status)
	if headers.Valid && headers.String != "" && headers.String != "null" {
		if err := json.Unmarshal([]byte(headers.String), &msg.Headers); err != nil {
			return outbox.Message{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lockedUntil.Valid {
		msg.LockedUntil = time.UnixMilli(lockedUntil.Int64).UTC()
	}
	if retryAt.Valid {
		msg.RetryAt = time.UnixMilli(retryAt.Int64).UTC()
	}
	if lastAttemptedAt.Valid {
		msg.LastAttemptedAt = time.UnixMilli(lastAttemptedAt.Int64).UTC()
	}
	if publishedAt.Valid {
		msg.PublishedAt = time.UnixMilli(publishedAt.Int64).UTC()
	}
	return msg, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
