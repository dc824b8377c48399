package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

const conversationColumns = `id, kind, title, created_by, avatar_url, last_message_id, created_at, updated_at, status, muted, archived, unread_count`

const messageColumns = `id, client_id, conversation_id, sender_id, text, type, reply_to_message_id, status, created_at, edited_at, deleted_at`

// CreatePendingConversation writes the optimistic conversation row, its
// invitee handles and the creation entry in one transaction.
func (s *Store) CreatePendingConversation(ctx context.Context, conv core.Conversation, handles []string, entry core.OutboxEntry) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id required")
	}
	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, kind, title, created_by, created_at, updated_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			conv.ID, string(conv.Kind), conv.Title, conv.CreatedBy,
			millis(conv.CreatedAt), millis(conv.UpdatedAt), core.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		for _, h := range handles {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO pending_targets (conversation_id, handle) VALUES (?, ?)`,
				conv.ID, h,
			); err != nil {
				return fmt.Errorf("insert pending target: %w", err)
			}
		}
		return s.insertEntry(ctx, tx, entry)
	})
}

// CreatePendingMessage writes the optimistic message row and its send entry.
func (s *Store) CreatePendingMessage(ctx context.Context, msg core.Message, entry core.OutboxEntry) error {
	if msg.ID == "" {
		return fmt.Errorf("message id required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now().UTC()
	}
	if msg.Type == "" {
		msg.Type = core.MessageText
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "conversations", msg.ConversationID, storage.ErrUnknownConversation); err != nil {
			return err
		}
		if msg.ReplyToMessageID != "" {
			if err := requireRow(ctx, tx, "messages", msg.ReplyToMessageID, storage.ErrNotFound); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, client_id, conversation_id, sender_id, text, type, reply_to_message_id, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ID, msg.ConversationID, msg.SenderID, msg.Text, string(msg.Type),
			msg.ReplyToMessageID, string(core.MessagePending), millis(msg.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_id = ?, updated_at = MAX(updated_at, ?) WHERE id = ?`,
			msg.ID, millis(msg.CreatedAt), msg.ConversationID,
		); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return s.insertEntry(ctx, tx, entry)
	})
}

// ToggleLocalReaction flips the user's reaction locally and enqueues the
// toggle. It reports whether the reaction is present afterwards.
func (s *Store) ToggleLocalReaction(ctx context.Context, r core.Reaction, entry core.OutboxEntry) (bool, error) {
	var present bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "messages", r.MessageID, storage.ErrNotFound); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
			r.MessageID, r.UserID, r.Emoji,
		)
		if err != nil {
			return fmt.Errorf("delete reaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := insertReaction(ctx, tx, r, s.now()); err != nil {
				return err
			}
			present = true
		}
		return s.insertEntry(ctx, tx, entry)
	})
	return present, err
}

// MarkReadLocal stores the receipt, clears the unread counter and enqueues
// the receipt for the remote store.
func (s *Store) MarkReadLocal(ctx context.Context, receipt core.ReadReceipt, entry core.OutboxEntry) error {
	if receipt.ReadAt.IsZero() {
		receipt.ReadAt = s.now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireRow(ctx, tx, "conversations", receipt.ConversationID, storage.ErrUnknownConversation); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO read_receipts (conversation_id, user_id, message_id, read_at) VALUES (?, ?, ?, ?)`,
			receipt.ConversationID, receipt.UserID, receipt.MessageID, millis(receipt.ReadAt),
		); err != nil {
			return fmt.Errorf("upsert receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = ?`, receipt.ConversationID); err != nil {
			return fmt.Errorf("clear unread: %w", err)
		}
		return s.insertEntry(ctx, tx, entry)
	})
}

// SetReaction forces the local reaction row to match the remote result.
func (s *Store) SetReaction(ctx context.Context, r core.Reaction, present bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if !present {
			_, err := tx.ExecContext(ctx,
				`DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
				r.MessageID, r.UserID, r.Emoji,
			)
			if err != nil {
				return fmt.Errorf("delete reaction: %w", err)
			}
			return nil
		}
		return insertReaction(ctx, tx, r, s.now())
	})
}

func insertReaction(ctx context.Context, tx *sql.Tx, r core.Reaction, now time.Time) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	createdAt := millis(r.CreatedAt)
	if createdAt == 0 {
		createdAt = now.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO reactions (id, message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.MessageID, r.UserID, r.Emoji, createdAt,
	); err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

func requireRow(ctx context.Context, tx *sql.Tx, table, id string, missing error) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", strings.TrimSuffix(table, "s"), id, missing)
	}
	if err != nil {
		return fmt.Errorf("lookup %s: %w", table, err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (core.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Conversation{}, fmt.Errorf("conversation %q: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return core.Conversation{}, err
	}
	members, err := s.members(ctx, id)
	if err != nil {
		return core.Conversation{}, err
	}
	conv.Members = members
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context) ([]core.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []core.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) members(ctx context.Context, conversationID string) ([]core.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, user_id, role, joined_at FROM conversation_members
		 WHERE conversation_id = ? ORDER BY joined_at ASC, user_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()
	var out []core.Member
	for rows.Next() {
		var (
			m      core.Member
			joined int64
		)
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &joined); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = fromMillis(joined)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, id string) (core.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, fmt.Errorf("message %q: %w", id, storage.ErrNotFound)
	}
	return msg, err
}

// ListMessages returns the newest messages of a conversation first. A pending
// row whose server copy has already been pulled is hidden until the flusher
// reconciles it.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.conversation_id = ?
		   AND NOT (m.status = 'pending' AND EXISTS (
		     SELECT 1 FROM messages d WHERE d.client_id = m.id AND d.id != m.id))
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []core.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (core.Conversation, error) {
	var (
		c                    core.Conversation
		kind                 string
		createdAt, updatedAt int64
		muted, archived      int
	)
	if err := row.Scan(&c.ID, &kind, &c.Title, &c.CreatedBy, &c.AvatarURL, &c.LastMessageID,
		&createdAt, &updatedAt, &c.Status, &muted, &archived, &c.UnreadCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan conversation: %w", err)
	}
	c.Kind = core.ConversationKind(kind)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	c.Muted = muted != 0
	c.Archived = archived != 0
	return c, nil
}

func scanMessage(row rowScanner) (core.Message, error) {
	var (
		m               core.Message
		typ, status     string
		createdAt       int64
		edited, deleted sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.Text, &typ,
		&m.ReplyToMessageID, &status, &createdAt, &edited, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.Type = core.MessageType(typ)
	m.Status = core.MessageStatus(status)
	m.CreatedAt = fromMillis(createdAt)
	m.EditedAt = timePtr(edited)
	m.DeletedAt = timePtr(deleted)
	return m, nil
}
