package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations are applied in order; index+1 is the schema version. Never
// edit a released entry, append a new one.
var migrations = []string{
	`CREATE TABLE deliveries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT    NOT NULL DEFAULT '',
		event      TEXT    NOT NULL,
		kind       TEXT    NOT NULL,
		target     TEXT    NOT NULL,
		ok         INTEGER NOT NULL,
		error      TEXT    NOT NULL DEFAULT '',
		took_ms    INTEGER NOT NULL DEFAULT 0,
		at_ms      INTEGER NOT NULL
	);
	CREATE INDEX idx_deliveries_at ON deliveries(at_ms);
	CREATE TABLE dedup (
		key   TEXT PRIMARY KEY,
		until INTEGER NOT NULL
	);`,
	`CREATE INDEX idx_deliveries_request ON deliveries(request_id);
	CREATE INDEX idx_dedup_until ON dedup(until);`,
}

// SchemaVersion is the version a fully migrated database reports.
func SchemaVersion() int { return len(migrations) }

func migrate(ctx context.Context, db *sqlx.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, err
	}
	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, err
	}
	for v := current + 1; v <= len(migrations); v++ {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return current, err
		}
		if _, err := tx.ExecContext(ctx, migrations[v-1]); err != nil {
			_ = tx.Rollback()
			return current, fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES(?)`, v); err != nil {
			_ = tx.Rollback()
			return current, err
		}
		if err := tx.Commit(); err != nil {
			return current, err
		}
		current = v
	}
	return current, nil
}
