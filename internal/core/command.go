package core

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an outbox command variant.
type Kind string

const (
	KindCreateDirect   Kind = "conversation.direct"
	KindCreateGroup    Kind = "conversation.group"
	KindSendText       Kind = "message.text"
	KindToggleReaction Kind = "reaction"
	KindMarkRead       Kind = "receipt"
)

// Command is the closed set of outbox payloads. Every variant lives in this
// file; handlers switch on the concrete type.
type Command interface {
	Kind() Kind
	// References lists every entity id the command carries.
	References() []string
	// RewriteID returns a copy with every occurrence of oldID replaced by newID
	// and reports whether anything changed.
	RewriteID(oldID, newID string) (Command, bool)
	isCommand()
}

// Creation is implemented by commands whose remote success assigns a server id
// to an entity that currently carries a temporary id.
type Creation interface {
	Command
	EntityID() string
}

type CreateDirect struct {
	ConversationID string `json:"conversation_id"`
}

type CreateGroup struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

type SendText struct {
	MessageID        string `json:"message_id"`
	ConversationID   string `json:"conversation_id"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

type ToggleReaction struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type MarkRead struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func (CreateDirect) Kind() Kind   { return KindCreateDirect }
func (CreateGroup) Kind() Kind    { return KindCreateGroup }
func (SendText) Kind() Kind       { return KindSendText }
func (ToggleReaction) Kind() Kind { return KindToggleReaction }
func (MarkRead) Kind() Kind       { return KindMarkRead }

func (CreateDirect) isCommand()   {}
func (CreateGroup) isCommand()    {}
func (SendText) isCommand()       {}
func (ToggleReaction) isCommand() {}
func (MarkRead) isCommand()       {}

func (c CreateDirect) EntityID() string { return c.ConversationID }
func (c CreateGroup) EntityID() string  { return c.ConversationID }
func (c SendText) EntityID() string     { return c.MessageID }

func (c CreateDirect) References() []string { return []string{c.ConversationID} }
func (c CreateGroup) References() []string  { return []string{c.ConversationID} }
func (c SendText) References() []string {
	refs := []string{c.MessageID, c.ConversationID}
	if c.ReplyToMessageID != "" {
		refs = append(refs, c.ReplyToMessageID)
	}
	return refs
}
func (c ToggleReaction) References() []string { return []string{c.MessageID} }
func (c MarkRead) References() []string       { return []string{c.ConversationID, c.MessageID} }

func (c CreateDirect) RewriteID(oldID, newID string) (Command, bool) {
	changed := swap(&c.ConversationID, oldID, newID)
	return c, changed
}

func (c CreateGroup) RewriteID(oldID, newID string) (Command, bool) {
	changed := swap(&c.ConversationID, oldID, newID)
	return c, changed
}

func (c SendText) RewriteID(oldID, newID string) (Command, bool) {
	a := swap(&c.MessageID, oldID, newID)
	b := swap(&c.ConversationID, oldID, newID)
	r := swap(&c.ReplyToMessageID, oldID, newID)
	return c, a || b || r
}

func (c ToggleReaction) RewriteID(oldID, newID string) (Command, bool) {
	changed := swap(&c.MessageID, oldID, newID)
	return c, changed
}

func (c MarkRead) RewriteID(oldID, newID string) (Command, bool) {
	a := swap(&c.ConversationID, oldID, newID)
	b := swap(&c.MessageID, oldID, newID)
	return c, a || b
}

func swap(field *string, oldID, newID string) bool {
	if oldID == "" || *field != oldID {
		return false
	}
	*field = newID
	return true
}

// EncodeCommand serializes cmd into an outbox payload.
func EncodeCommand(cmd Command) (Kind, []byte, error) {
	if cmd == nil {
		return "", nil, fmt.Errorf("encode command: nil")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return cmd.Kind(), data, nil
}

// DecodeCommand parses an outbox payload of the given kind.
func DecodeCommand(kind Kind, payload []byte) (Command, error) {
	switch kind {
	case KindCreateDirect:
		return decodeAs[CreateDirect](kind, payload)
	case KindCreateGroup:
		return decodeAs[CreateGroup](kind, payload)
	case KindSendText:
		return decodeAs[SendText](kind, payload)
	case KindToggleReaction:
		return decodeAs[ToggleReaction](kind, payload)
	case KindMarkRead:
		return decodeAs[MarkRead](kind, payload)
	default:
		return nil, fmt.Errorf("decode command: unknown kind %q", kind)
	}
}

func decodeAs[T Command](kind Kind, payload []byte) (Command, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return v, nil
}
