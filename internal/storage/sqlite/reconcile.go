package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

// entityTables hold rows keyed by an id that may be temporary. The status
// column moves from pending to its confirmed value on reconciliation.
var entityTables = []struct {
	table     string
	pending   string
	confirmed string
}{
	{"conversations", core.StatusPending, core.StatusSynced},
	{"messages", string(core.MessagePending), string(core.MessageSent)},
}

// referenceColumns lists every non-key column that holds an entity id.
var referenceColumns = []struct{ table, column string }{
	{"conversations", "last_message_id"},
	{"conversation_members", "conversation_id"},
	{"messages", "conversation_id"},
	{"messages", "reply_to_message_id"},
	{"reactions", "message_id"},
	{"read_receipts", "conversation_id"},
	{"read_receipts", "message_id"},
}

// Reconcile retires tempID in favour of serverID. In one transaction it
// rewrites the entity row, every reference in every local table, every
// pending outbox payload, and removes the creation entry keyed by tempID.
// Entries parented on tempID become eligible. Calling it again is a no-op.
func (s *Store) Reconcile(ctx context.Context, tempID, serverID string) error {
	if tempID == "" || serverID == "" {
		return fmt.Errorf("reconcile: ids required")
	}
	if tempID == serverID {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, et := range entityTables {
			if err := rekeyRow(ctx, tx, et.table, tempID, serverID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE `+et.table+` SET status = ? WHERE id = ? AND status = ?`,
				et.confirmed, serverID, et.pending,
			); err != nil {
				return fmt.Errorf("confirm %s: %w", et.table, err)
			}
		}
		for _, rc := range referenceColumns {
			if _, err := tx.ExecContext(ctx,
				`UPDATE OR REPLACE `+rc.table+` SET `+rc.column+` = ? WHERE `+rc.column+` = ?`,
				serverID, tempID,
			); err != nil {
				return fmt.Errorf("rewrite %s.%s: %w", rc.table, rc.column, err)
			}
		}
		// client_id only ever holds a temporary id; once retired it is cleared.
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET client_id = '' WHERE client_id = ?`, tempID); err != nil {
			return fmt.Errorf("clear message client id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_targets WHERE conversation_id = ?`, tempID); err != nil {
			return fmt.Errorf("consume pending targets: %w", err)
		}
		if err := rekeyCursor(ctx, tx, tempID, serverID); err != nil {
			return err
		}
		return rewriteOutbox(ctx, tx, tempID, serverID)
	})
}

// rekeyRow moves the primary key of table from tempID to serverID. When a row
// with serverID already exists (it was pulled first) the temporary row is
// dropped and the server row wins.
func rekeyRow(ctx context.Context, tx *sql.Tx, table, tempID, serverID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, serverID).Scan(&one)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("drop temporary %s row: %w", table, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `UPDATE `+table+` SET id = ? WHERE id = ?`, serverID, tempID); err != nil {
			return fmt.Errorf("rekey %s: %w", table, err)
		}
	default:
		return fmt.Errorf("lookup %s: %w", table, err)
	}
	return nil
}

func rekeyCursor(ctx context.Context, tx *sql.Tx, tempID, serverID string) error {
	oldKey, newKey := storage.MessagesScope(tempID), storage.MessagesScope(serverID)
	if _, err := tx.ExecContext(ctx, `UPDATE OR IGNORE sync_cursors SET key = ? WHERE key = ?`, newKey, oldKey); err != nil {
		return fmt.Errorf("rekey cursor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_cursors WHERE key = ?`, oldKey); err != nil {
		return fmt.Errorf("drop cursor: %w", err)
	}
	return nil
}

type pendingRow struct {
	clientID string
	kind     core.Kind
	payload  []byte
	parent   string
}

func rewriteOutbox(ctx context.Context, tx *sql.Tx, tempID, serverID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE client_id = ?`, tempID); err != nil {
		return fmt.Errorf("remove creation entry: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT client_id, kind, payload, parent_client_id FROM outbox`)
	if err != nil {
		return fmt.Errorf("scan outbox: %w", err)
	}
	var pending []pendingRow
	for rows.Next() {
		var (
			r             pendingRow
			kind, payload string
		)
		if err := rows.Scan(&r.clientID, &kind, &payload, &r.parent); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		r.kind = core.Kind(kind)
		r.payload = []byte(payload)
		pending = append(pending, r)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close outbox rows: %w", err)
	}

	for _, r := range pending {
		payload, changed := rewritePayload(r.kind, r.payload, tempID, serverID)
		parent := r.parent
		if parent == tempID {
			parent = ""
			changed = true
		}
		if !changed {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET payload = ?, parent_client_id = ? WHERE client_id = ?`,
			string(payload), parent, r.clientID,
		); err != nil {
			return fmt.Errorf("rewrite outbox %s: %w", r.clientID, err)
		}
	}
	return nil
}

// rewritePayload rewrites a stored command. Payloads that no longer decode
// still get a literal JSON string replacement so the retired id cannot leak.
func rewritePayload(kind core.Kind, payload []byte, tempID, serverID string) ([]byte, bool) {
	cmd, err := core.DecodeCommand(kind, payload)
	if err != nil {
		oldLit, newLit := []byte(strconv.Quote(tempID)), []byte(strconv.Quote(serverID))
		if !bytes.Contains(payload, oldLit) {
			return payload, false
		}
		return bytes.ReplaceAll(payload, oldLit, newLit), true
	}
	rewritten, changed := cmd.RewriteID(tempID, serverID)
	if !changed {
		return payload, false
	}
	_, out, err := core.EncodeCommand(rewritten)
	if err != nil {
		return payload, false
	}
	return out, true
}
