package broadcast

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// markerRetention bounds how long marker rows live. Markers only exist to
// wake sibling contexts that are polling; anything older has been seen or
// never will be.
const markerRetention = 5 * time.Minute

// markerChannel delivers messages between contexts sharing one profile
// database. Writing a marker row is the publish; pollers pick up rows with
// a sequence number beyond the last one they saw.
type markerChannel struct {
	db *sql.DB
}

// latestSeq returns the highest marker sequence currently in the table.
// A new watcher starts after this point so historical markers are not
// replayed into a fresh context.
func (m *markerChannel) latestSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM broadcast_markers").Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading marker sequence: %w", err)
	}
	return seq, nil
}

// insert writes a marker row for msg and prunes expired rows in the same
// transaction, keeping the table transient.
func (m *markerChannel) insert(ctx context.Context, msg *Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding marker: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting marker transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO broadcast_markers (nonce, kind, payload, origin_context, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.Nonce, string(msg.Kind), string(encoded), msg.OriginContext, now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting marker: %w", err)
	}

	cutoff := now.Add(-markerRetention).Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, "DELETE FROM broadcast_markers WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("pruning markers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing marker: %w", err)
	}
	return nil
}

// fetchSince returns all markers with a sequence beyond seq, oldest first,
// together with the highest sequence seen.
func (m *markerChannel) fetchSince(ctx context.Context, seq int64) ([]*Message, int64, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT seq, payload FROM broadcast_markers WHERE seq > ? ORDER BY seq", seq)
	if err != nil {
		return nil, seq, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var out []*Message
	last := seq
	for rows.Next() {
		var rowSeq int64
		var payload string
		if err := rows.Scan(&rowSeq, &payload); err != nil {
			return nil, last, fmt.Errorf("scanning marker: %w", err)
		}
		last = rowSeq

		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// A malformed marker is skipped, not fatal; the sequence still
			// advances so it is not retried forever.
			continue
		}
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, last, fmt.Errorf("iterating markers: %w", err)
	}
	return out, last, nil
}
