package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnknownConversation is returned when an action names a conversation
	// that does not exist locally, typically a temporary id that has already
	// been reconciled.
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrDuplicateEntry      = errors.New("duplicate outbox entry")
)

// Pull scope keys.
const ScopeConversations = "conversations"

const messagesScopePrefix = "conv:"

// MessagesScope is the cursor key for one conversation's message stream.
func MessagesScope(conversationID string) string {
	return messagesScopePrefix + conversationID
}

// ParseMessagesScope returns the conversation id of a message scope key.
func ParseMessagesScope(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, messagesScopePrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// PullResult summarizes one applied pull batch.
type PullResult struct {
	Inserted int
	Updated  int
	Cursor   int64
	// ConversationIDs lists conversations touched by the batch.
	ConversationIDs []string
}

// Store is the local persistent store shared by the UI layer, the flusher and
// the pull engine.
type Store interface {
	// Outbox
	Enqueue(ctx context.Context, entry core.OutboxEntry) error
	ListEligible(ctx context.Context) ([]core.OutboxEntry, error)
	ListOutbox(ctx context.Context) ([]core.OutboxEntry, error)
	RecordFailure(ctx context.Context, clientID string, at time.Time, errMsg string) error
	RemoveEntry(ctx context.Context, clientID string) error

	// Pending targets of not-yet-created conversations
	PendingTargets(ctx context.Context, conversationID string) ([]core.PendingTarget, error)
	ResolveTarget(ctx context.Context, conversationID, handle, userID string) error

	// Reconcile rewrites tempID to serverID across every local table and every
	// pending outbox payload in one transaction.
	Reconcile(ctx context.Context, tempID, serverID string) error

	// Cursors and pull application. Apply* upsert the batch and advance the
	// cursor in the same transaction.
	Cursor(ctx context.Context, key string) (core.SyncCursor, bool, error)
	ListCursors(ctx context.Context) ([]core.SyncCursor, error)
	ApplyConversations(ctx context.Context, key string, convs []core.Conversation) (PullResult, error)
	ApplyMessages(ctx context.Context, key string, msgs []core.Message, selfID string) (PullResult, error)

	// Optimistic local writes, each committed together with its outbox entry.
	CreatePendingConversation(ctx context.Context, conv core.Conversation, handles []string, entry core.OutboxEntry) error
	CreatePendingMessage(ctx context.Context, msg core.Message, entry core.OutboxEntry) error
	ToggleLocalReaction(ctx context.Context, r core.Reaction, entry core.OutboxEntry) (bool, error)
	MarkReadLocal(ctx context.Context, receipt core.ReadReceipt, entry core.OutboxEntry) error
	SetReaction(ctx context.Context, r core.Reaction, present bool) error

	// Reads
	GetConversation(ctx context.Context, id string) (core.Conversation, error)
	ListConversations(ctx context.Context) ([]core.Conversation, error)
	GetMessage(ctx context.Context, id string) (core.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]core.Message, error)
}
