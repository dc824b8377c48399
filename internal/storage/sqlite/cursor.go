package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

func (s *Store) Cursor(ctx context.Context, key string) (core.SyncCursor, bool, error) {
	var (
		c        core.SyncCursor
		syncedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, last_cursor, last_synced_at FROM sync_cursors WHERE key = ?`, key,
	).Scan(&c.Key, &c.LastCursor, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.SyncCursor{Key: key}, false, nil
	}
	if err != nil {
		return core.SyncCursor{}, false, fmt.Errorf("query cursor: %w", err)
	}
	c.LastSyncedAt = fromMillis(syncedAt)
	return c, true, nil
}

func (s *Store) ListCursors(ctx context.Context) ([]core.SyncCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, last_cursor, last_synced_at FROM sync_cursors ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()
	var out []core.SyncCursor
	for rows.Next() {
		var (
			c        core.SyncCursor
			syncedAt int64
		)
		if err := rows.Scan(&c.Key, &c.LastCursor, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.LastSyncedAt = fromMillis(syncedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// advanceCursor never moves a cursor backwards.
func (s *Store) advanceCursor(ctx context.Context, tx *sql.Tx, key string, cursor int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_cursors (key, last_cursor, last_synced_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   last_cursor = MAX(last_cursor, excluded.last_cursor),
		   last_synced_at = excluded.last_synced_at`,
		key, cursor, s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", key, err)
	}
	return nil
}

// ApplyConversations upserts a pulled batch of conversations and advances the
// cursor for key in the same transaction. Locally-only fields (muted,
// archived, unread_count) are never written here. An empty batch is a no-op.
func (s *Store) ApplyConversations(ctx context.Context, key string, convs []core.Conversation) (storage.PullResult, error) {
	var res storage.PullResult
	if len(convs) == 0 {
		return res, nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range convs {
			if c.ID == "" {
				return fmt.Errorf("apply conversation: id required")
			}
			marker := c.Cursor
			if marker == 0 {
				marker = millis(c.UpdatedAt)
			}
			if marker > res.Cursor {
				res.Cursor = marker
			}
			upd, err := tx.ExecContext(ctx,
				`UPDATE conversations SET kind = ?, title = ?, created_by = ?, avatar_url = ?,
				   last_message_id = CASE WHEN ? = '' THEN last_message_id ELSE ? END,
				   updated_at = ?, status = ?
				 WHERE id = ?`,
				string(c.Kind), c.Title, c.CreatedBy, c.AvatarURL,
				c.LastMessageID, c.LastMessageID, millis(c.UpdatedAt), core.StatusSynced, c.ID,
			)
			if err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			if n, _ := upd.RowsAffected(); n > 0 {
				res.Updated++
			} else {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO conversations (id, kind, title, created_by, avatar_url, last_message_id, created_at, updated_at, status)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					c.ID, string(c.Kind), c.Title, c.CreatedBy, c.AvatarURL, c.LastMessageID,
					millis(c.CreatedAt), millis(c.UpdatedAt), core.StatusSynced,
				); err != nil {
					return fmt.Errorf("insert conversation: %w", err)
				}
				res.Inserted++
			}
			if c.Members != nil {
				if err := replaceMembers(ctx, tx, c.ID, c.Members); err != nil {
					return err
				}
			}
			res.ConversationIDs = append(res.ConversationIDs, c.ID)
		}
		return s.advanceCursor(ctx, tx, key, res.Cursor)
	})
	if err != nil {
		return storage.PullResult{}, err
	}
	return res, nil
}

func replaceMembers(ctx context.Context, tx *sql.Tx, conversationID string, members []core.Member) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_members WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, m := range members {
		role := m.Role
		if role == "" {
			role = "member"
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO conversation_members (conversation_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)`,
			conversationID, m.UserID, role, millis(m.JoinedAt),
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

// ApplyMessages upserts a pulled batch of messages and advances the cursor
// for key in the same transaction. Existing rows only take the mutable
// fields (text, status, edit and delete timestamps). Newly inserted messages
// from senders other than selfID bump the conversation's unread counter.
func (s *Store) ApplyMessages(ctx context.Context, key string, msgs []core.Message, selfID string) (storage.PullResult, error) {
	var res storage.PullResult
	if len(msgs) == 0 {
		return res, nil
	}
	touched := make(map[string]bool)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if m.ID == "" {
				return fmt.Errorf("apply message: id required")
			}
			marker := m.Cursor
			if marker == 0 {
				marker = millis(m.CreatedAt)
			}
			if marker > res.Cursor {
				res.Cursor = marker
			}
			status := m.Status
			if status == "" || status == core.MessagePending {
				status = core.MessageSent
			}
			upd, err := tx.ExecContext(ctx,
				`UPDATE messages SET text = ?, status = ?, edited_at = ?, deleted_at = ? WHERE id = ?`,
				m.Text, string(status), nullMillis(m.EditedAt), nullMillis(m.DeletedAt), m.ID,
			)
			if err != nil {
				return fmt.Errorf("update message: %w", err)
			}
			if n, _ := upd.RowsAffected(); n > 0 {
				res.Updated++
			} else {
				typ := m.Type
				if typ == "" {
					typ = core.MessageText
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO messages (id, client_id, conversation_id, sender_id, text, type, reply_to_message_id, status, created_at, edited_at, deleted_at)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					m.ID, m.ClientID, m.ConversationID, m.SenderID, m.Text, string(typ), m.ReplyToMessageID,
					string(status), millis(m.CreatedAt), nullMillis(m.EditedAt), nullMillis(m.DeletedAt),
				); err != nil {
					return fmt.Errorf("insert message: %w", err)
				}
				res.Inserted++
				if err := touchConversation(ctx, tx, m, m.SenderID != selfID); err != nil {
					return err
				}
			}
			if !touched[m.ConversationID] {
				touched[m.ConversationID] = true
				res.ConversationIDs = append(res.ConversationIDs, m.ConversationID)
			}
		}
		return s.advanceCursor(ctx, tx, key, res.Cursor)
	})
	if err != nil {
		return storage.PullResult{}, err
	}
	return res, nil
}

func touchConversation(ctx context.Context, tx *sql.Tx, m core.Message, unread bool) error {
	created := millis(m.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ?
		 WHERE id = ? AND updated_at <= ?`,
		m.ID, created, m.ConversationID, created,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if !unread {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET unread_count = unread_count + 1 WHERE id = ?`, m.ConversationID,
	); err != nil {
		return fmt.Errorf("bump unread: %w", err)
	}
	return nil
}
