package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/intersync/internal/clientid"
	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

// ErrInvalidArgument is returned for actions rejected before touching the store.
var ErrInvalidArgument = errors.New("invalid argument")

// Actions performs optimistic local writes. Each call commits the local row
// and its outbox entry together and returns the temporary id the caller can
// use until reconciliation.
type Actions struct {
	store     storage.Store
	selfID    string
	ids       *clientid.Generator
	now       func() time.Time
	bus       Broadcaster
	onEnqueue func()
}

type ActionsOption func(*Actions)

// WithIDGenerator replaces the default temp id source.
func WithIDGenerator(g *clientid.Generator) ActionsOption {
	return func(a *Actions) {
		if g != nil {
			a.ids = g
		}
	}
}

func WithActionClock(now func() time.Time) ActionsOption {
	return func(a *Actions) {
		if now != nil {
			a.now = now
		}
	}
}

func WithActionBroadcaster(b Broadcaster) ActionsOption {
	return func(a *Actions) {
		a.bus = orNop(b)
	}
}

// WithEnqueueHook runs fn after every successful enqueue, typically to wake
// the flusher.
func WithEnqueueHook(fn func()) ActionsOption {
	return func(a *Actions) {
		a.onEnqueue = fn
	}
}

func NewActions(store storage.Store, selfID string, opts ...ActionsOption) *Actions {
	a := &Actions{
		store:  store,
		selfID: selfID,
		ids:    clientid.New(),
		now:    time.Now,
		bus:    nopBroadcaster{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreateDirect opens a pending direct conversation with the user behind
// handle. The handle is resolved when the entry is flushed.
func (a *Actions) CreateDirect(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return "", fmt.Errorf("create direct: handle required: %w", ErrInvalidArgument)
	}
	id := a.ids.Next()
	entry, err := a.entry(id, "", core.CreateDirect{ConversationID: id})
	if err != nil {
		return "", err
	}
	conv := core.Conversation{
		ID:        id,
		Kind:      core.ConversationDirect,
		Title:     handle,
		CreatedBy: a.selfID,
		CreatedAt: entry.CreatedAt,
	}
	if err := a.store.CreatePendingConversation(ctx, conv, []string{handle}, entry); err != nil {
		return "", fmt.Errorf("create direct: %w", err)
	}
	a.enqueued(Event{Type: EventConversationsChanged, ConversationID: id})
	return id, nil
}

// CreateGroup opens a pending group conversation inviting handles.
func (a *Actions) CreateGroup(ctx context.Context, title string, handles []string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("create group: title required: %w", ErrInvalidArgument)
	}
	handles = cleanHandles(handles)
	if len(handles) == 0 {
		return "", fmt.Errorf("create group: at least one invitee required: %w", ErrInvalidArgument)
	}
	id := a.ids.Next()
	entry, err := a.entry(id, "", core.CreateGroup{ConversationID: id, Title: title})
	if err != nil {
		return "", err
	}
	conv := core.Conversation{
		ID:        id,
		Kind:      core.ConversationGroup,
		Title:     title,
		CreatedBy: a.selfID,
		CreatedAt: entry.CreatedAt,
	}
	if err := a.store.CreatePendingConversation(ctx, conv, handles, entry); err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	a.enqueued(Event{Type: EventConversationsChanged, ConversationID: id})
	return id, nil
}

// SendText appends a pending text message. A temporary reply target or
// conversation becomes the entry's parent.
func (a *Actions) SendText(ctx context.Context, conversationID, text, replyTo string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("send text: empty message: %w", ErrInvalidArgument)
	}
	if conversationID == "" {
		return "", fmt.Errorf("send text: conversation required: %w", ErrInvalidArgument)
	}
	id := a.ids.Next()
	cmd := core.SendText{
		MessageID:        id,
		ConversationID:   conversationID,
		Text:             text,
		ReplyToMessageID: replyTo,
	}
	entry, err := a.entry(id, parentOf(replyTo, conversationID), cmd)
	if err != nil {
		return "", err
	}
	msg := core.Message{
		ID:               id,
		ConversationID:   conversationID,
		SenderID:         a.selfID,
		Text:             text,
		Type:             core.MessageText,
		ReplyToMessageID: replyTo,
		Status:           core.MessagePending,
		CreatedAt:        entry.CreatedAt,
	}
	if err := a.store.CreatePendingMessage(ctx, msg, entry); err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	a.enqueued(Event{Type: EventMessagesChanged, ID: id, ConversationID: conversationID})
	return id, nil
}

// ToggleReaction flips the caller's emoji on a message. It returns the entry
// id and whether the reaction is present locally afterwards.
func (a *Actions) ToggleReaction(ctx context.Context, messageID, emoji string) (string, bool, error) {
	emoji = strings.TrimSpace(emoji)
	if messageID == "" || emoji == "" {
		return "", false, fmt.Errorf("toggle reaction: message and emoji required: %w", ErrInvalidArgument)
	}
	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return "", false, fmt.Errorf("toggle reaction: %w", err)
	}
	id := a.ids.Next()
	entry, err := a.entry(id, parentOf(messageID, msg.ConversationID), core.ToggleReaction{MessageID: messageID, Emoji: emoji})
	if err != nil {
		return "", false, err
	}
	r := core.Reaction{MessageID: messageID, UserID: a.selfID, Emoji: emoji, CreatedAt: entry.CreatedAt}
	present, err := a.store.ToggleLocalReaction(ctx, r, entry)
	if err != nil {
		return "", false, fmt.Errorf("toggle reaction: %w", err)
	}
	a.enqueued(Event{Type: EventMessagesChanged, ID: messageID, ConversationID: msg.ConversationID})
	return id, present, nil
}

// MarkRead records a read receipt up to messageID.
func (a *Actions) MarkRead(ctx context.Context, conversationID, messageID string) (string, error) {
	if conversationID == "" || messageID == "" {
		return "", fmt.Errorf("mark read: conversation and message required: %w", ErrInvalidArgument)
	}
	id := a.ids.Next()
	entry, err := a.entry(id, parentOf(messageID, conversationID), core.MarkRead{ConversationID: conversationID, MessageID: messageID})
	if err != nil {
		return "", err
	}
	receipt := core.ReadReceipt{
		ConversationID: conversationID,
		UserID:         a.selfID,
		MessageID:      messageID,
		ReadAt:         entry.CreatedAt,
	}
	if err := a.store.MarkReadLocal(ctx, receipt, entry); err != nil {
		return "", fmt.Errorf("mark read: %w", err)
	}
	a.enqueued(Event{Type: EventConversationsChanged, ConversationID: conversationID})
	return id, nil
}

func (a *Actions) entry(clientID, parent string, cmd core.Command) (core.OutboxEntry, error) {
	kind, payload, err := core.EncodeCommand(cmd)
	if err != nil {
		return core.OutboxEntry{}, err
	}
	return core.OutboxEntry{
		ClientID:       clientID,
		Kind:           kind,
		Payload:        payload,
		CreatedAt:      a.now().UTC(),
		ParentClientID: parent,
	}, nil
}

func (a *Actions) enqueued(ev Event) {
	a.bus.Broadcast(ev)
	a.bus.Broadcast(Event{Type: EventOutboxChanged})
	if a.onEnqueue != nil {
		a.onEnqueue()
	}
}

// parentOf returns the first candidate that is still a temporary id. The
// most specific dependency comes first.
func parentOf(candidates ...string) string {
	for _, id := range candidates {
		if clientid.IsTemporary(id) {
			return id
		}
	}
	return ""
}

// cleanHandles trims handles and drops blanks and repeats.
func cleanHandles(handles []string) []string {
	out := make([]string, 0, len(handles))
	seen := make(map[string]bool, len(handles))
	for _, h := range handles {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}
