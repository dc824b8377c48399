package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/syncer"
)

type createConversationRequest struct {
	Kind    string   `json:"kind"`
	Handle  string   `json:"handle,omitempty"`
	Title   string   `json:"title,omitempty"`
	Handles []string `json:"handles,omitempty"`
}

type sendTextRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type markReadRequest struct {
	MessageID string `json:"message_id"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// createdResponse carries the temporary id of an optimistic write.
type createdResponse struct {
	ID string `json:"id"`
}

type reactionResponse struct {
	ID      string `json:"id"`
	Present bool   `json:"present"`
}

func (s *Service) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		convs, err := s.store.ListConversations(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]apiConversation, 0, len(convs))
		for _, c := range convs {
			out = append(out, toAPIConversation(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
	case http.MethodPost:
		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var (
			id  string
			err error
		)
		switch core.ConversationKind(strings.TrimSpace(req.Kind)) {
		case core.ConversationDirect:
			id, err = s.engine.Actions().CreateDirect(r.Context(), req.Handle)
		case core.ConversationGroup:
			id, err = s.engine.Actions().CreateGroup(r.Context(), req.Title, req.Handles)
		default:
			err = fmt.Errorf("unknown conversation kind %q: %w", req.Kind, syncer.ErrInvalidArgument)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, createdResponse{ID: id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleConversationAction serves /api/conversations/{id}[/messages|/read|/watch].
func (s *Service) handleConversationAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/conversations/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch action {
	case "":
		s.handleGetConversation(w, r, id)
	case "messages":
		s.handleMessages(w, r, id)
	case "read":
		s.handleMarkRead(w, r, id)
	case "watch":
		s.handleWatch(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Service) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIConversation(conv))
}

func (s *Service) handleMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		msgs, err := s.store.ListMessages(r.Context(), conversationID, limit)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out := make([]apiMessage, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, toAPIMessage(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	case http.MethodPost:
		var req sendTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, err := s.engine.Actions().SendText(r.Context(), conversationID, req.Text, req.ReplyTo)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, createdResponse{ID: id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleMarkRead(w http.ResponseWriter, r *http.Request, conversationID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id, err := s.engine.Actions().MarkRead(r.Context(), conversationID, req.MessageID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, createdResponse{ID: id})
}

func (s *Service) handleWatch(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodPost:
		s.engine.Watch(conversationID)
	case http.MethodDelete:
		s.engine.Unwatch(conversationID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageAction serves /api/messages/{id}/reactions.
func (s *Service) handleMessageAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || action != "reactions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req reactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	entryID, present, err := s.engine.Actions().ToggleReaction(r.Context(), id, req.Emoji)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reactionResponse{ID: entryID, Present: present})
}
