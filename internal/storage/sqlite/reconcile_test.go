package sqlite

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
)

// occurrences counts every cell in every table that mentions id.
func occurrences(t *testing.T, st *Store, id string) []string {
	t.Helper()
	ctx := context.Background()
	rows, err := st.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		tables = append(tables, name)
	}
	rows.Close()

	var hits []string
	for _, table := range tables {
		rows, err := st.db.QueryContext(ctx, `SELECT * FROM `+table)
		if err != nil {
			t.Fatalf("select %s: %v", table, err)
		}
		cols, _ := rows.Columns()
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				t.Fatalf("scan %s: %v", table, err)
			}
			for i, v := range vals {
				var s string
				switch x := v.(type) {
				case string:
					s = x
				case []byte:
					s = string(x)
				default:
					continue
				}
				if strings.Contains(s, id) {
					hits = append(hits, fmt.Sprintf("%s.%s=%s", table, cols[i], s))
				}
			}
		}
		rows.Close()
	}
	return hits
}

func TestReconcileGroupConversation(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	const temp = "temp-conv"

	conv := core.Conversation{ID: temp, Kind: core.ConversationGroup, Title: "Team", CreatedBy: "me"}
	if err := st.CreatePendingConversation(ctx, conv, []string{"alice", "bob"}, groupEntry(t, temp, "Team")); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	m1 := core.Message{ID: "temp-m1", ConversationID: temp, SenderID: "me", Text: "hello", CreatedAt: time.UnixMilli(2000)}
	if err := st.CreatePendingMessage(ctx, m1, sendEntry(t, m1, temp)); err != nil {
		t.Fatalf("create m1: %v", err)
	}
	m2 := core.Message{ID: "temp-m2", ConversationID: temp, SenderID: "me", Text: "re", ReplyToMessageID: "temp-m1", CreatedAt: time.UnixMilli(2001)}
	if err := st.CreatePendingMessage(ctx, m2, sendEntry(t, m2, "temp-m1")); err != nil {
		t.Fatalf("create m2: %v", err)
	}
	receipt := core.ReadReceipt{ConversationID: temp, UserID: "me", MessageID: "temp-m2"}
	if err := st.MarkReadLocal(ctx, receipt, receiptEntry(t, "temp-rr", temp, "temp-m2")); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	exec(t, st, `INSERT INTO sync_cursors (key, last_cursor) VALUES (?, 0)`, "conv:"+temp)

	if err := st.Reconcile(ctx, temp, "conv_42"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if hits := occurrences(t, st, temp); len(hits) != 0 {
		t.Fatalf("temporary id survived reconciliation: %v", hits)
	}
	got, err := st.GetConversation(ctx, "conv_42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.StatusSynced {
		t.Fatalf("expected synced, got %s", got.Status)
	}
	if targets, _ := st.PendingTargets(ctx, temp); len(targets) != 0 {
		t.Fatalf("pending targets should be consumed, got %+v", targets)
	}
	if _, ok, _ := st.Cursor(ctx, "conv:conv_42"); !ok {
		t.Fatal("expected cursor rekeyed")
	}

	eligible, _ := st.ListEligible(ctx)
	ids := outboxIDs(t, eligible)
	if len(ids) != 2 || ids[0] != "temp-m1" || ids[1] != "temp-rr" {
		t.Fatalf("expected m1 and receipt eligible, got %v", ids)
	}
	if eligible[0].ParentClientID != "" {
		t.Fatalf("expected parent cleared, got %q", eligible[0].ParentClientID)
	}
	cmd, err := core.DecodeCommand(eligible[0].Kind, eligible[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.(core.SendText).ConversationID != "conv_42" {
		t.Fatalf("payload not rewritten: %+v", cmd)
	}
}

func TestReconcileMessageChain(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_1", 1000)
	m1 := core.Message{ID: "temp-m1", ConversationID: "conv_1", SenderID: "me", Text: "a", CreatedAt: time.UnixMilli(2000)}
	m2 := core.Message{ID: "temp-m2", ConversationID: "conv_1", SenderID: "me", Text: "b", ReplyToMessageID: "temp-m1", CreatedAt: time.UnixMilli(2001)}
	if err := st.CreatePendingMessage(ctx, m1, sendEntry(t, m1, "")); err != nil {
		t.Fatalf("m1: %v", err)
	}
	if err := st.CreatePendingMessage(ctx, m2, sendEntry(t, m2, "temp-m1")); err != nil {
		t.Fatalf("m2: %v", err)
	}
	r := core.Reaction{MessageID: "temp-m1", UserID: "me", Emoji: "+1"}
	if _, err := st.ToggleLocalReaction(ctx, r, reactionEntry(t, "temp-r", "temp-m1", "+1")); err != nil {
		t.Fatalf("react: %v", err)
	}

	if err := st.Reconcile(ctx, "temp-m1", "msg_1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if hits := occurrences(t, st, "temp-m1"); len(hits) != 0 {
		t.Fatalf("temporary id survived: %v", hits)
	}
	msg, err := st.GetMessage(ctx, "msg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.Status != core.MessageSent || msg.ClientID != "" {
		t.Fatalf("unexpected reconciled message: %+v", msg)
	}
	reply, _ := st.GetMessage(ctx, "temp-m2")
	if reply.ReplyToMessageID != "msg_1" {
		t.Fatalf("reply target not rewritten: %+v", reply)
	}
	conv, _ := st.GetConversation(ctx, "conv_1")
	if conv.LastMessageID != "temp-m2" {
		t.Fatalf("expected last message untouched, got %s", conv.LastMessageID)
	}
}

func TestReconcileDropsTempRowWhenServerRowPulledFirst(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	seedConversation(t, st, "conv_1", 1000)
	m := core.Message{ID: "temp-m1", ConversationID: "conv_1", SenderID: "me", Text: "hi", CreatedAt: time.UnixMilli(2000)}
	if err := st.CreatePendingMessage(ctx, m, sendEntry(t, m, "")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.ApplyMessages(ctx, "conv:conv_1", []core.Message{{
		ID: "msg_1", ClientID: "temp-m1", ConversationID: "conv_1", SenderID: "me", Text: "hi", CreatedAt: time.UnixMilli(2000),
	}}, "me"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := st.Reconcile(ctx, "temp-m1", "msg_1"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM messages`); n != 1 {
		t.Fatalf("expected a single message row, got %d", n)
	}
	if hits := occurrences(t, st, "temp-m1"); len(hits) != 0 {
		t.Fatalf("temporary id survived: %v", hits)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	conv := core.Conversation{ID: "temp-c", Kind: core.ConversationDirect}
	if err := st.CreatePendingConversation(ctx, conv, []string{"alice"}, entryFor(t, "temp-c", "", core.CreateDirect{ConversationID: "temp-c"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := st.Reconcile(ctx, "temp-c", "conv_9"); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}
	if n := countRows(t, st, `SELECT COUNT(*) FROM conversations WHERE id = 'conv_9'`); n != 1 {
		t.Fatalf("expected one conversation, got %d", n)
	}
}

func TestRewritePayloadFallsBackToLiteralReplace(t *testing.T) {
	out, changed := rewritePayload(core.Kind("legacy"), []byte(`{"target":"temp-x","other":"temp-xy"}`), "temp-x", "srv_1")
	if !changed {
		t.Fatal("expected change")
	}
	if string(out) != `{"target":"srv_1","other":"temp-xy"}` {
		t.Fatalf("unexpected payload: %s", out)
	}
}
