package database

import (
	"context"
	"fmt"
)

// schemaVersions holds the ordered schema migration steps. Each entry is
// applied in its own transaction and recorded via PRAGMA user_version, so
// concurrent contexts sharing the file converge on the same schema.
//
// Never edit an existing entry after release; append a new one.
var schemaVersions = []string{
	// v1: persisted session record. Single row (id = 1) holding the whole
	// session as one JSON document, so a write is one atomic statement and
	// sibling contexts never observe a partially updated session.
	`CREATE TABLE IF NOT EXISTS session_state (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	// v2: transient broadcast markers. Rows exist purely to notify sibling
	// contexts on the same profile; they are pruned aggressively and carry
	// the full broadcast message payload.
	`CREATE TABLE IF NOT EXISTS broadcast_markers (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		nonce          TEXT NOT NULL UNIQUE,
		kind           TEXT NOT NULL,
		payload        TEXT NOT NULL,
		origin_context TEXT NOT NULL,
		created_at     TEXT NOT NULL
	)`,
}

// Migrate brings the database schema up to the current version.
//
// Each pending step runs in its own transaction and bumps user_version on
// commit, so a failed step leaves earlier steps committed and is retried on
// the next start. Safe to call from multiple contexts; the single-writer
// lock serialises them.
func (db *DB) Migrate(ctx context.Context) error {
	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for v := current; v < len(schemaVersions); v++ {
		if err := db.applySchemaStep(ctx, v); err != nil {
			return fmt.Errorf("applying schema version %d: %w", v+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the current schema version of the database.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	return db.schemaVersion(ctx)
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// applySchemaStep applies schemaVersions[v] and records version v+1.
func (db *DB) applySchemaStep(ctx context.Context, v int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, schemaVersions[v]); err != nil {
		return fmt.Errorf("executing schema SQL: %w", err)
	}

	// PRAGMA does not accept bind parameters; the value is an int we control.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}

	return tx.Commit()
}
