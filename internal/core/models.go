package core

import "time"

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Entity sync status. Rows created locally start pending and only become
// synced/sent through reconciliation.
const (
	StatusPending = "pending"
	StatusSynced  = "synced"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

type Conversation struct {
	ID            string
	Kind          ConversationKind
	Title         string
	CreatedBy     string
	AvatarURL     string
	LastMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Status        string
	Muted         bool
	Archived      bool
	UnreadCount   int
	Members       []Member
	// Cursor is the remote change marker (updatedAt in ms) for pulled rows.
	Cursor int64
}

type Member struct {
	ConversationID string
	UserID         string
	Role           string
	JoinedAt       time.Time
}

type Message struct {
	ID               string
	ClientID         string
	ConversationID   string
	SenderID         string
	Text             string
	Type             MessageType
	ReplyToMessageID string
	Status           MessageStatus
	CreatedAt        time.Time
	EditedAt         *time.Time
	DeletedAt        *time.Time
	// Cursor is the remote change marker for pulled rows.
	Cursor int64
}

type Reaction struct {
	ID        string
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

type ReadReceipt struct {
	ConversationID string
	UserID         string
	MessageID      string
	ReadAt         time.Time
}

type User struct {
	ID          string
	Handle      string
	DisplayName string
}

// SentMessage is the remote acknowledgement of a message send.
type SentMessage struct {
	ID       string
	ClientID string
}

// OutboxEntry is a durable, not-yet-confirmed local mutation.
type OutboxEntry struct {
	ClientID       string
	Kind           Kind
	Payload        []byte
	CreatedAt      time.Time
	ParentClientID string
	AttemptCount   int
	LastAttemptAt  *time.Time
	LastError      string
}

// PendingTarget is a human-readable reference (an invitee handle) attached to a
// conversation that has not been created remotely yet.
type PendingTarget struct {
	ConversationID string
	Handle         string
	UserID         string
}

// SyncCursor records how far a pull scope has been applied locally.
type SyncCursor struct {
	Key          string
	LastCursor   int64
	LastSyncedAt time.Time
}

// Millis converts t to the remote store's epoch-millisecond representation.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
