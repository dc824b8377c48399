package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

// maxErrorLen caps the error text retained on an outbox entry.
const maxErrorLen = 512

const outboxColumns = `client_id, kind, payload, created_at, parent_client_id, attempt_count, last_attempt_at, last_error`

func (s *Store) Enqueue(ctx context.Context, entry core.OutboxEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertEntry(ctx, tx, entry)
	})
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e core.OutboxEntry) error {
	if e.ClientID == "" {
		return fmt.Errorf("enqueue: client id required")
	}
	if e.Kind == "" {
		return fmt.Errorf("enqueue: kind required")
	}
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM outbox WHERE client_id = ?`, e.ClientID).Scan(&exists)
	if err == nil {
		return fmt.Errorf("enqueue %s: %w", e.ClientID, storage.ErrDuplicateEntry)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("enqueue lookup: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox (client_id, seq, kind, payload, created_at, parent_client_id)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM outbox), ?, ?, ?, ?)`,
		e.ClientID, string(e.Kind), string(e.Payload), millis(e.CreatedAt), e.ParentClientID,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// ListEligible returns entries in creation order, excluding any entry whose
// parent is still in the outbox.
func (s *Store) ListEligible(ctx context.Context) ([]core.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox o
		 WHERE o.parent_client_id = ''
		    OR NOT EXISTS (SELECT 1 FROM outbox p WHERE p.client_id = o.parent_client_id)
		 ORDER BY o.created_at ASC, o.seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query eligible: %w", err)
	}
	return scanEntries(rows)
}

// ListOutbox returns every entry, eligible or not, in creation order.
func (s *Store) ListOutbox(ctx context.Context) ([]core.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox ORDER BY created_at ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	return scanEntries(rows)
}

func (s *Store) RecordFailure(ctx context.Context, clientID string, at time.Time, errMsg string) error {
	errMsg = truncateError(errMsg)
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempt_count = attempt_count + 1, last_attempt_at = ?, last_error = ?
		 WHERE client_id = ?`,
		millis(at), errMsg, clientID,
	)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record failure %s: %w", clientID, storage.ErrNotFound)
	}
	return nil
}

// truncateError caps s at maxErrorLen bytes without splitting a rune.
func truncateError(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// RemoveEntry deletes a confirmed entry. Removing a missing entry is a no-op.
func (s *Store) RemoveEntry(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("remove outbox entry: %w", err)
	}
	return nil
}

func (s *Store) PendingTargets(ctx context.Context, conversationID string) ([]core.PendingTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, handle, user_id FROM pending_targets
		 WHERE conversation_id = ? ORDER BY rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query pending targets: %w", err)
	}
	defer rows.Close()
	var out []core.PendingTarget
	for rows.Next() {
		var pt core.PendingTarget
		if err := rows.Scan(&pt.ConversationID, &pt.Handle, &pt.UserID); err != nil {
			return nil, fmt.Errorf("scan pending target: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// ResolveTarget records the remote user id a handle resolved to, so later
// passes do not query it again.
func (s *Store) ResolveTarget(ctx context.Context, conversationID, handle, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_targets SET user_id = ? WHERE conversation_id = ? AND handle = ?`,
		userID, conversationID, handle,
	)
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]core.OutboxEntry, error) {
	defer rows.Close()
	var out []core.OutboxEntry
	for rows.Next() {
		var (
			e             core.OutboxEntry
			kind, payload string
			createdAt     int64
			lastAttempt   sql.NullInt64
		)
		if err := rows.Scan(&e.ClientID, &kind, &payload, &createdAt, &e.ParentClientID,
			&e.AttemptCount, &lastAttempt, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		e.Kind = core.Kind(kind)
		e.Payload = []byte(payload)
		e.CreatedAt = fromMillis(createdAt)
		e.LastAttemptAt = timePtr(lastAttempt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
