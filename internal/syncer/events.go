package syncer

// Event types emitted to local subscribers.
const (
	EventIDReconciled         = "id.reconciled"
	EventConversationsChanged = "conversation.changed"
	EventMessagesChanged      = "messages.changed"
	EventOutboxChanged        = "outbox.changed"
)

// Event tells local observers which rows to re-read.
type Event struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Broadcaster fans events out to local subscribers such as websocket clients.
type Broadcaster interface {
	Broadcast(event any)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(any) {}

func orNop(b Broadcaster) Broadcaster {
	if b == nil {
		return nopBroadcaster{}
	}
	return b
}

// Touches reports whether a subscriber following conversationID should see
// the event. Events without ids concern every subscriber.
func (e Event) Touches(conversationID string) bool {
	if e.ConversationID == "" && e.ID == "" {
		return true
	}
	return e.ConversationID == conversationID || e.ID == conversationID
}

// Rekey reports the id swap carried by an id.reconciled event.
func (e Event) Rekey() (tempID, serverID string, ok bool) {
	if e.Type != EventIDReconciled || e.ID == "" || e.ServerID == "" {
		return "", "", false
	}
	return e.ID, e.ServerID, true
}
