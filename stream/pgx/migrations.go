package pgx

import "fmt"

// CreateTablesSQL returns idempotent DDL for the event log and the
// subscription positions table.
func CreateTablesSQL(eventsTable, positionsTable string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	position BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id UUID NOT NULL DEFAULT gen_random_uuid(),
	stream TEXT NOT NULL,
	type TEXT NOT NULL,
	payload BYTEA,
	correlation_id TEXT NOT NULL DEFAULT '',
	causation_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_%s_stream
	ON %s (stream, position);

CREATE TABLE IF NOT EXISTS %s (
	subscription TEXT PRIMARY KEY,
	position BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`, eventsTable, eventsTable, eventsTable, positionsTable)
}

// DropTablesSQL returns DDL removing the event log and positions table.
func DropTablesSQL(eventsTable, positionsTable string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;`, eventsTable, positionsTable)
}
