// Package syncer drives the offline sync engine: optimistic local actions,
// the outbox flusher with identifier reconciliation, and cursor-based pulls.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/intersync/client"
	"github.com/mistakeknot/intersync/internal/core"
)

var (
	// ErrUnresolvedTarget means a referenced handle or entity is not known to
	// the remote store yet. It is retried like any transient failure.
	ErrUnresolvedTarget = errors.New("unresolved target")
	// ErrInvalidCommand marks an outbox entry that can never be dispatched as
	// stored. The entry is kept and logged.
	ErrInvalidCommand = errors.New("invalid command")
)

// Remote is the slice of the remote store the engine consumes.
type Remote interface {
	FindUserByHandle(ctx context.Context, handle string) (core.User, bool, error)
	CreateDirect(ctx context.Context, clientID, otherUserID string) (string, error)
	CreateGroup(ctx context.Context, clientID, title string, memberIDs []string) (string, error)
	SendText(ctx context.Context, clientID, conversationID, text, replyTo string) (core.SentMessage, error)
	// ToggleReaction reports whether the reaction is present afterwards.
	ToggleReaction(ctx context.Context, clientID, messageID, emoji string) (bool, error)
	MarkRead(ctx context.Context, clientID, conversationID, messageID string) error
	ConversationsUpdatedSince(ctx context.Context, since int64, limit int) ([]core.Conversation, error)
	MessagesSince(ctx context.Context, conversationID string, since int64, limit int) ([]core.Message, error)
}

// IsTransient reports whether a dispatch error is worth retrying on a later
// pass without any change to the entry.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnresolvedTarget):
		return true
	case errors.Is(err, ErrInvalidCommand):
		return false
	}
	return client.IsTemporary(err)
}

// NewRemote adapts the RPC client to Remote.
func NewRemote(c *client.Client) Remote {
	return clientRemote{c: c}
}

type clientRemote struct {
	c *client.Client
}

func (r clientRemote) FindUserByHandle(ctx context.Context, handle string) (core.User, bool, error) {
	u, ok, err := r.c.FindUserByHandle(ctx, handle)
	if err != nil || !ok {
		return core.User{}, ok, err
	}
	return core.User{ID: u.ID, Handle: u.Handle, DisplayName: u.DisplayName}, true, nil
}

func (r clientRemote) CreateDirect(ctx context.Context, clientID, otherUserID string) (string, error) {
	return r.c.CreateDirect(ctx, clientID, otherUserID)
}

func (r clientRemote) CreateGroup(ctx context.Context, clientID, title string, memberIDs []string) (string, error) {
	return r.c.CreateGroup(ctx, clientID, title, memberIDs)
}

func (r clientRemote) SendText(ctx context.Context, clientID, conversationID, text, replyTo string) (core.SentMessage, error) {
	res, err := r.c.SendText(ctx, clientID, conversationID, text, replyTo)
	if err != nil {
		return core.SentMessage{}, err
	}
	return core.SentMessage{ID: res.ID, ClientID: res.ClientID}, nil
}

func (r clientRemote) ToggleReaction(ctx context.Context, clientID, messageID, emoji string) (bool, error) {
	return r.c.AddReaction(ctx, clientID, messageID, emoji)
}

func (r clientRemote) MarkRead(ctx context.Context, clientID, conversationID, messageID string) error {
	return r.c.UpsertReadReceipt(ctx, clientID, conversationID, messageID)
}

func (r clientRemote) ConversationsUpdatedSince(ctx context.Context, since int64, limit int) ([]core.Conversation, error) {
	docs, err := r.c.ConversationsUpdatedSince(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.Conversation, 0, len(docs))
	for _, d := range docs {
		conv := core.Conversation{
			ID:            d.ID,
			Kind:          core.ConversationKind(d.Kind),
			Title:         d.Title,
			CreatedBy:     d.CreatedBy,
			AvatarURL:     d.AvatarURL,
			LastMessageID: d.LastMessageID,
			CreatedAt:     core.FromMillis(d.CreatedAt),
			UpdatedAt:     core.FromMillis(d.UpdatedAt),
			Status:        core.StatusSynced,
			Cursor:        d.UpdatedAt,
		}
		if d.Members != nil {
			conv.Members = make([]core.Member, 0, len(d.Members))
			for _, m := range d.Members {
				conv.Members = append(conv.Members, core.Member{
					ConversationID: d.ID,
					UserID:         m.UserID,
					Role:           m.Role,
					JoinedAt:       core.FromMillis(m.JoinedAt),
				})
			}
		}
		out = append(out, conv)
	}
	return out, nil
}

func (r clientRemote) MessagesSince(ctx context.Context, conversationID string, since int64, limit int) ([]core.Message, error) {
	docs, err := r.c.MessagesSince(ctx, conversationID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]core.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, core.Message{
			ID:               d.ID,
			ClientID:         d.ClientID,
			ConversationID:   d.ConversationID,
			SenderID:         d.SenderID,
			Text:             d.Text,
			Type:             core.MessageType(d.Type),
			ReplyToMessageID: d.ReplyToMessageID,
			Status:           core.MessageStatus(d.Status),
			CreatedAt:        core.FromMillis(d.CreatedAt),
			EditedAt:         optionalTime(d.EditedAt),
			DeletedAt:        optionalTime(d.DeletedAt),
			Cursor:           d.ChangeMarker(),
		})
	}
	return out, nil
}

func optionalTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := core.FromMillis(ms)
	return &t
}
