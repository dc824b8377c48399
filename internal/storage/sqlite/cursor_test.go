package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
)

func TestCursorAbsent(t *testing.T) {
	st := NewSQLiteTest(t)
	cur, ok, err := st.Cursor(context.Background(), "conv:conv_1")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if ok || cur.LastCursor != 0 || cur.Key != "conv:conv_1" {
		t.Fatalf("expected empty cursor, got %+v ok=%v", cur, ok)
	}
}

func TestApplyMessagesAdvancesCursorToBatchMax(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_42", 900)
	exec(t, st, `INSERT INTO sync_cursors (key, last_cursor) VALUES ('conv:conv_42', 1000)`)

	res, err := st.ApplyMessages(ctx, "conv:conv_42", []core.Message{
		{ID: "msg_a", ConversationID: "conv_42", SenderID: "bob", Text: "one", CreatedAt: time.UnixMilli(1005), Cursor: 1005},
		{ID: "msg_b", ConversationID: "conv_42", SenderID: "bob", Text: "two", CreatedAt: time.UnixMilli(1010), Cursor: 1010},
	}, "me")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 || res.Cursor != 1010 {
		t.Fatalf("unexpected result: %+v", res)
	}
	cur, _, _ := st.Cursor(ctx, "conv:conv_42")
	if cur.LastCursor != 1010 {
		t.Fatalf("expected cursor 1010, got %d", cur.LastCursor)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM messages WHERE conversation_id = 'conv_42'`); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestApplyEmptyBatchLeavesCursor(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	exec(t, st, `INSERT INTO sync_cursors (key, last_cursor, last_synced_at) VALUES ('conversations', 77, 5)`)
	res, err := st.ApplyConversations(ctx, "conversations", nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Inserted+res.Updated != 0 {
		t.Fatalf("expected no work, got %+v", res)
	}
	cur, _, _ := st.Cursor(ctx, "conversations")
	if cur.LastCursor != 77 || cur.LastSyncedAt.UnixMilli() != 5 {
		t.Fatalf("cursor touched: %+v", cur)
	}
}

func TestApplyNeverRegressesCursor(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_1", 100)
	exec(t, st, `INSERT INTO sync_cursors (key, last_cursor) VALUES ('conv:conv_1', 5000)`)
	if _, err := st.ApplyMessages(ctx, "conv:conv_1", []core.Message{
		{ID: "msg_old", ConversationID: "conv_1", SenderID: "bob", CreatedAt: time.UnixMilli(200), Cursor: 200},
	}, "me"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	cur, _, _ := st.Cursor(ctx, "conv:conv_1")
	if cur.LastCursor != 5000 {
		t.Fatalf("cursor regressed to %d", cur.LastCursor)
	}
}

func TestApplyMessagesUpdatesMutableFieldsOnly(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_1", 100)
	first := core.Message{ID: "msg_1", ConversationID: "conv_1", SenderID: "bob", Text: "orig", CreatedAt: time.UnixMilli(200), Cursor: 200}
	if _, err := st.ApplyMessages(ctx, "conv:conv_1", []core.Message{first}, "me"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	edited := time.UnixMilli(300)
	second := first
	second.Text = "edited"
	second.SenderID = "mallory"
	second.Status = core.MessageRead
	second.EditedAt = &edited
	second.Cursor = 300
	res, err := st.ApplyMessages(ctx, "conv:conv_1", []core.Message{second}, "me")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Updated != 1 || res.Inserted != 0 {
		t.Fatalf("expected an update, got %+v", res)
	}
	got, _ := st.GetMessage(ctx, "msg_1")
	if got.Text != "edited" || got.Status != core.MessageRead || got.EditedAt == nil {
		t.Fatalf("mutable fields not applied: %+v", got)
	}
	if got.SenderID != "bob" {
		t.Fatalf("immutable sender overwritten: %s", got.SenderID)
	}
	conv, _ := st.GetConversation(ctx, "conv_1")
	if conv.UnreadCount != 1 {
		t.Fatalf("updates must not bump unread, got %d", conv.UnreadCount)
	}
}

func TestApplyMessagesUnreadOnlyForOthers(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_1", 100)
	_, err := st.ApplyMessages(ctx, "conv:conv_1", []core.Message{
		{ID: "msg_1", ConversationID: "conv_1", SenderID: "me", CreatedAt: time.UnixMilli(200)},
		{ID: "msg_2", ConversationID: "conv_1", SenderID: "bob", CreatedAt: time.UnixMilli(201)},
		{ID: "msg_3", ConversationID: "conv_1", SenderID: "bob", CreatedAt: time.UnixMilli(202)},
	}, "me")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	conv, _ := st.GetConversation(ctx, "conv_1")
	if conv.UnreadCount != 2 || conv.LastMessageID != "msg_3" {
		t.Fatalf("unexpected conversation state: %+v", conv)
	}
}

func TestApplyConversationsKeepsLocalFieldsAndReplacesMembers(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	batch := []core.Conversation{{
		ID: "conv_1", Kind: core.ConversationGroup, Title: "A",
		CreatedAt: time.UnixMilli(100), UpdatedAt: time.UnixMilli(100),
		Members: []core.Member{{UserID: "me"}, {UserID: "bob"}},
	}}
	if _, err := st.ApplyConversations(ctx, "conversations", batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	exec(t, st, `UPDATE conversations SET muted = 1, unread_count = 3 WHERE id = 'conv_1'`)

	batch[0].Title = "B"
	batch[0].UpdatedAt = time.UnixMilli(200)
	batch[0].Members = []core.Member{{UserID: "me"}, {UserID: "carol", Role: "admin"}}
	res, err := st.ApplyConversations(ctx, "conversations", batch)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Updated != 1 || res.Cursor != 200 {
		t.Fatalf("unexpected result: %+v", res)
	}
	conv, _ := st.GetConversation(ctx, "conv_1")
	if conv.Title != "B" || !conv.Muted || conv.UnreadCount != 3 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if len(conv.Members) != 2 {
		t.Fatalf("expected 2 members, got %+v", conv.Members)
	}
	for _, m := range conv.Members {
		if m.UserID == "bob" {
			t.Fatalf("stale member kept: %+v", conv.Members)
		}
	}
}

func TestApplyTwiceIsNoop(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_1", 100)
	batch := []core.Message{{ID: "msg_1", ConversationID: "conv_1", SenderID: "bob", Text: "x", CreatedAt: time.UnixMilli(200)}}
	if _, err := st.ApplyMessages(ctx, "conv:conv_1", batch, "me"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := st.ApplyMessages(ctx, "conv:conv_1", batch, "me"); err != nil {
		t.Fatalf("apply again: %v", err)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM messages`); n != 1 {
		t.Fatalf("expected no duplicate, got %d rows", n)
	}
}

func TestListCursors(t *testing.T) {
	st := NewSQLiteTest(t)
	seedConversation(t, st, "conv_1", 100)
	seedMessage(t, st, "msg_1", "conv_1", "bob", 150)
	cursors, err := st.ListCursors(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cursors) != 1 || cursors[0].Key != "seed" || cursors[0].LastCursor != 150 {
		t.Fatalf("unexpected cursors: %+v", cursors)
	}
}
