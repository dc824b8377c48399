package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

func entryFor(t *testing.T, clientID, parent string, cmd core.Command) core.OutboxEntry {
	t.Helper()
	kind, payload, err := core.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return core.OutboxEntry{ClientID: clientID, Kind: kind, Payload: payload, ParentClientID: parent}
}

func groupEntry(t *testing.T, convID, title string) core.OutboxEntry {
	return entryFor(t, convID, "", core.CreateGroup{ConversationID: convID, Title: title})
}

func sendEntry(t *testing.T, msg core.Message, parent string) core.OutboxEntry {
	return entryFor(t, msg.ID, parent, core.SendText{
		MessageID: msg.ID, ConversationID: msg.ConversationID, Text: msg.Text, ReplyToMessageID: msg.ReplyToMessageID,
	})
}

func reactionEntry(t *testing.T, clientID, messageID, emoji string) core.OutboxEntry {
	return entryFor(t, clientID, "", core.ToggleReaction{MessageID: messageID, Emoji: emoji})
}

func receiptEntry(t *testing.T, clientID, convID, messageID string) core.OutboxEntry {
	return entryFor(t, clientID, "", core.MarkRead{ConversationID: convID, MessageID: messageID})
}

func seedConversation(t *testing.T, st *Store, id string, updatedAt int64) {
	t.Helper()
	_, err := st.ApplyConversations(context.Background(), "seed", []core.Conversation{{
		ID: id, Kind: core.ConversationDirect, CreatedAt: time.UnixMilli(updatedAt), UpdatedAt: time.UnixMilli(updatedAt),
	}})
	if err != nil {
		t.Fatalf("seed conversation %s: %v", id, err)
	}
}

func seedMessage(t *testing.T, st *Store, id, convID, sender string, createdAt int64) {
	t.Helper()
	_, err := st.ApplyMessages(context.Background(), "seed", []core.Message{{
		ID: id, ConversationID: convID, SenderID: sender, Text: "seed", CreatedAt: time.UnixMilli(createdAt),
	}}, "me")
	if err != nil {
		t.Fatalf("seed message %s: %v", id, err)
	}
}

func exec(t *testing.T, st *Store, query string, args ...any) {
	t.Helper()
	if _, err := st.db.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func countRows(t *testing.T, st *Store, query string, args ...any) int {
	t.Helper()
	var n int
	if err := st.db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func isUnknownConversation(err error) bool {
	return errors.Is(err, storage.ErrUnknownConversation)
}

func outboxIDs(t *testing.T, entries []core.OutboxEntry) []string {
	t.Helper()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ClientID
	}
	return ids
}
