package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Logger is the minimal logging interface the store needs.
// Compatible with logging.Logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Store persists the session in the shared profile database.
//
// The whole session is written as a single JSON document in a single-row
// table, so every write is one atomic statement: sibling contexts observe
// either the old session or the new one, never a partial update.
type Store struct {
	db     *sql.DB
	logger Logger
}

// NewStore creates a session store over the shared database.
func NewStore(db *sql.DB, logger Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Read returns the persisted session, or nil when no session exists.
//
// A malformed or invalid record is treated as absent: the corrupt row is
// purged as a side effect and no error is surfaced (self-healing). Only
// database access failures are returned as errors.
func (s *Store) Read(ctx context.Context) (*Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM session_state WHERE id = 1",
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		s.purgeMalformed(ctx, err)
		return nil, nil
	}
	if err := sess.Validate(); err != nil {
		s.purgeMalformed(ctx, err)
		return nil, nil
	}

	return &sess, nil
}

// Write persists the session, replacing any previous one.
// The session must satisfy Validate; partial sessions are never stored.
func (s *Store) Write(ctx context.Context, sess *Session) error {
	if sess == nil {
		return errors.New("writing nil session (use Clear)")
	}
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("refusing to persist partial session: %w", err)
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_state (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Clear removes the persisted session. Idempotent.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_state WHERE id = 1"); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

// Update applies fn to the current session and persists the result in one
// transaction. This is the required shape for read-modify-write sequences:
// the re-read and the write happen with no gap another context's write
// could slip into (the single-writer lock holds for the transaction).
//
// fn receives nil when no session exists and may return (nil, nil) to
// leave the store unchanged. Returning a session persists it.
func (s *Store) Update(ctx context.Context, fn func(*Session) (*Session, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting session update: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	var current *Session
	var payload string
	err = tx.QueryRowContext(ctx, "SELECT payload FROM session_state WHERE id = 1").Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	case err != nil:
		return fmt.Errorf("reading session for update: %w", err)
	default:
		var sess Session
		if jsonErr := json.Unmarshal([]byte(payload), &sess); jsonErr == nil && sess.Validate() == nil {
			current = &sess
		}
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("refusing to persist partial session: %w", err)
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_state (id, payload, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(encoded), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("writing updated session: %w", err)
	}

	return tx.Commit()
}

// purgeMalformed removes a corrupt session row and logs the reason.
func (s *Store) purgeMalformed(ctx context.Context, cause error) {
	if s.logger != nil {
		s.logger.Warn("purging malformed session record", "error", cause)
	}
	_, _ = s.db.ExecContext(ctx, "DELETE FROM session_state WHERE id = 1") //nolint:errcheck // best effort self-heal
}
