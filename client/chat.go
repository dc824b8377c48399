package client

import (
	"context"
	"errors"
	"net/http"
)

// Remote operation names.
const (
	OpFindUserByHandle  = "users:findByHandle"
	OpCreateDirect      = "conversations:createDirect"
	OpCreateGroup       = "conversations:createGroup"
	OpListUpdatedSince  = "conversations:listUpdatedSince"
	OpSendText          = "messages:sendText"
	OpAddReaction       = "messages:addReaction"
	OpUpsertReadReceipt = "messages:upsertReadReceipt"
	OpListMessagesSince = "messages:listSince"
)

// ErrEmptyID is returned when a mutation reply carries no server id.
var ErrEmptyID = errors.New("remote returned empty id")

type User struct {
	ID          string `json:"_id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type Member struct {
	UserID   string `json:"userId"`
	Role     string `json:"role,omitempty"`
	JoinedAt int64  `json:"joinedAt,omitempty"`
}

// Conversation is a remote conversation document. Times are epoch ms.
type Conversation struct {
	ID            string   `json:"_id"`
	Kind          string   `json:"kind"`
	Title         string   `json:"title,omitempty"`
	AvatarURL     string   `json:"avatarUrl,omitempty"`
	CreatedBy     string   `json:"createdBy,omitempty"`
	LastMessageID string   `json:"lastMessageId,omitempty"`
	CreatedAt     int64    `json:"createdAt"`
	UpdatedAt     int64    `json:"updatedAt"`
	Members       []Member `json:"members,omitempty"`
}

// Message is a remote message document. UpdatedAt, when set, is the change
// marker for edits and deletes; otherwise CreatedAt is.
type Message struct {
	ID               string `json:"_id"`
	ConversationID   string `json:"conversationId"`
	SenderID         string `json:"senderId"`
	ClientID         string `json:"clientId,omitempty"`
	Text             string `json:"text,omitempty"`
	Type             string `json:"type"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt,omitempty"`
	EditedAt         int64  `json:"editedAt,omitempty"`
	DeletedAt        int64  `json:"deletedAt,omitempty"`
}

// ChangeMarker is the cursor value this message advances a pull to.
func (m Message) ChangeMarker() int64 {
	if m.UpdatedAt > m.CreatedAt {
		return m.UpdatedAt
	}
	return m.CreatedAt
}

type SendResult struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
}

// FindUserByHandle resolves a handle. A handle nobody has registered yet
// returns ok=false with no error.
func (c *Client) FindUserByHandle(ctx context.Context, handle string) (User, bool, error) {
	var out *User
	if err := c.Query(ctx, OpFindUserByHandle, map[string]any{"handle": handle}, &out); err != nil {
		return User{}, false, err
	}
	if out == nil || out.ID == "" {
		return User{}, false, nil
	}
	return *out, true, nil
}

func (c *Client) CreateDirect(ctx context.Context, clientID, otherUserID string) (string, error) {
	var id string
	err := c.Mutation(ctx, OpCreateDirect, map[string]any{
		"otherUserId": otherUserID,
		"clientId":    clientID,
	}, &id)
	return requireID(OpCreateDirect, id, err)
}

func (c *Client) CreateGroup(ctx context.Context, clientID, title string, memberIDs []string) (string, error) {
	if memberIDs == nil {
		memberIDs = []string{}
	}
	var id string
	err := c.Mutation(ctx, OpCreateGroup, map[string]any{
		"title":     title,
		"memberIds": memberIDs,
		"clientId":  clientID,
	}, &id)
	return requireID(OpCreateGroup, id, err)
}

func (c *Client) SendText(ctx context.Context, clientID, conversationID, text, replyTo string) (SendResult, error) {
	args := map[string]any{
		"conversationId": conversationID,
		"text":           text,
		"clientId":       clientID,
	}
	if replyTo != "" {
		args["replyToMessageId"] = replyTo
	}
	var out SendResult
	if err := c.Mutation(ctx, OpSendText, args, &out); err != nil {
		return SendResult{}, err
	}
	if _, err := requireID(OpSendText, out.ID, nil); err != nil {
		return SendResult{}, err
	}
	return out, nil
}

// AddReaction toggles the caller's emoji on a message and reports whether
// the reaction is present afterwards.
func (c *Client) AddReaction(ctx context.Context, clientID, messageID, emoji string) (bool, error) {
	var out struct {
		ToggledOff bool `json:"toggledOff"`
	}
	err := c.Mutation(ctx, OpAddReaction, map[string]any{
		"messageId": messageID,
		"emoji":     emoji,
		"clientId":  clientID,
	}, &out)
	if err != nil {
		return false, err
	}
	return !out.ToggledOff, nil
}

func (c *Client) UpsertReadReceipt(ctx context.Context, clientID, conversationID, messageID string) error {
	return c.Mutation(ctx, OpUpsertReadReceipt, map[string]any{
		"conversationId": conversationID,
		"messageId":      messageID,
		"clientId":       clientID,
	}, nil)
}

// ConversationsUpdatedSince lists conversations the caller belongs to whose
// updatedAt is strictly after since.
func (c *Client) ConversationsUpdatedSince(ctx context.Context, since int64, limit int) ([]Conversation, error) {
	args := map[string]any{"since": since}
	if limit > 0 {
		args["limit"] = limit
	}
	var out []Conversation
	if err := c.Query(ctx, OpListUpdatedSince, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MessagesSince lists a conversation's messages changed strictly after since,
// oldest first.
func (c *Client) MessagesSince(ctx context.Context, conversationID string, since int64, limit int) ([]Message, error) {
	args := map[string]any{"conversationId": conversationID, "since": since}
	if limit > 0 {
		args["limit"] = limit
	}
	var out []Message
	if err := c.Query(ctx, OpListMessagesSince, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func requireID(op, id string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", &Error{Op: op, StatusCode: http.StatusOK, Err: ErrEmptyID}
	}
	return id, nil
}
