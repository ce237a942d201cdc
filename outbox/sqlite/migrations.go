package sqlite

import "fmt"

// CreateTableSQL returns the DDL for the outbox table. Timestamps are
// stored as unix milliseconds.
func CreateTableSQL(tableName string) string {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id                TEXT PRIMARY KEY,
	stream            TEXT NOT NULL,
	type              TEXT NOT NULL,
	payload           BLOB,
	headers           TEXT,
	status            TEXT NOT NULL DEFAULT 'PENDING',
	attempts          INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	locked_by         TEXT NOT NULL DEFAULT '',
	locked_until      INTEGER,
	retry_at          INTEGER,
	created_at        INTEGER NOT NULL,
	last_attempted_at INTEGER,
	published_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_due ON %[1]s (created_at)
	WHERE status IN ('PENDING', 'FAILED', 'PROCESSING');`, tableName)
}

// DropTableSQL returns the DDL to drop the outbox table.
func DropTableSQL(tableName string) string {
	if tableName == "" {
		tableName = DefaultTableName
	}
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, tableName)
}
