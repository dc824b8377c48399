package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
	"github.com/mistakeknot/intersync/internal/storage/sqlite"
	"github.com/mistakeknot/intersync/internal/syncer"
)

// Engine is the part of the sync engine the local API drives.
type Engine interface {
	Actions() *syncer.Actions
	Store() storage.Store
	FlushOnce(ctx context.Context) (syncer.FlushResult, error)
	PullOnce(ctx context.Context) (storage.PullResult, error)
	PullScope(ctx context.Context, scope string) (storage.PullResult, error)
	Watch(conversationID string)
	Unwatch(conversationID string)
	Watched() []string
}

type Service struct {
	engine Engine
	store  storage.Store
	logger *log.Logger
}

func NewService(engine Engine) *Service {
	return &Service{engine: engine, store: engine.Store(), logger: log.Default()}
}

func (s *Service) WithLogger(l *log.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

type apiMember struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role,omitempty"`
	JoinedAt string `json:"joined_at,omitempty"`
}

type apiConversation struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Title         string      `json:"title,omitempty"`
	CreatedBy     string      `json:"created_by,omitempty"`
	LastMessageID string      `json:"last_message_id,omitempty"`
	Status        string      `json:"status"`
	Muted         bool        `json:"muted"`
	Archived      bool        `json:"archived"`
	UnreadCount   int         `json:"unread_count"`
	CreatedAt     string      `json:"created_at"`
	UpdatedAt     string      `json:"updated_at"`
	Members       []apiMember `json:"members,omitempty"`
}

type apiMessage struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversation_id"`
	SenderID         string `json:"sender_id"`
	Text             string `json:"text"`
	Type             string `json:"type"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	EditedAt         string `json:"edited_at,omitempty"`
	DeletedAt        string `json:"deleted_at,omitempty"`
}

type apiEntry struct {
	ClientID       string          `json:"client_id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	ParentClientID string          `json:"parent_client_id,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  string          `json:"last_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      string          `json:"created_at"`
}

type apiCursor struct {
	Key          string `json:"key"`
	LastCursor   int64  `json:"last_cursor"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toAPIConversation(c core.Conversation) apiConversation {
	out := apiConversation{
		ID:            c.ID,
		Kind:          string(c.Kind),
		Title:         c.Title,
		CreatedBy:     c.CreatedBy,
		LastMessageID: c.LastMessageID,
		Status:        c.Status,
		Muted:         c.Muted,
		Archived:      c.Archived,
		UnreadCount:   c.UnreadCount,
		CreatedAt:     formatTime(c.CreatedAt),
		UpdatedAt:     formatTime(c.UpdatedAt),
	}
	for _, m := range c.Members {
		out.Members = append(out.Members, apiMember{UserID: m.UserID, Role: m.Role, JoinedAt: formatTime(m.JoinedAt)})
	}
	return out
}

func toAPIMessage(m core.Message) apiMessage {
	return apiMessage{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		Text:             m.Text,
		Type:             string(m.Type),
		ReplyToMessageID: m.ReplyToMessageID,
		Status:           string(m.Status),
		CreatedAt:        formatTime(m.CreatedAt),
		EditedAt:         formatTimePtr(m.EditedAt),
		DeletedAt:        formatTimePtr(m.DeletedAt),
	}
}

func toAPIEntry(e core.OutboxEntry) apiEntry {
	payload := json.RawMessage(e.Payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(e.Payload))
		payload = quoted
	}
	return apiEntry{
		ClientID:       e.ClientID,
		Kind:           string(e.Kind),
		Payload:        payload,
		ParentClientID: e.ParentClientID,
		AttemptCount:   e.AttemptCount,
		LastAttemptAt:  formatTimePtr(e.LastAttemptAt),
		LastError:      e.LastError,
		CreatedAt:      formatTime(e.CreatedAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine and store errors onto status codes.
func (s *Service) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncer.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnknownConversation):
		status = http.StatusNotFound
	case errors.Is(err, sqlite.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("httpapi: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
