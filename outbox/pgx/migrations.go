package pgx

import "fmt"

// CreateTableSQL returns idempotent DDL for the outbox messages table.
func CreateTableSQL(tableName string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	stream TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BYTEA,
	headers JSONB DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	locked_by TEXT,
	locked_until TIMESTAMPTZ,
	retry_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_attempted_at TIMESTAMPTZ,
	published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_%s_due
	ON %s (created_at)
	WHERE status IN ('PENDING', 'FAILED', 'PROCESSING');`,
		tableName, tableName, tableName)
}

// DropTableSQL returns DDL removing the outbox messages table.
func DropTableSQL(tableName string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, tableName)
}
