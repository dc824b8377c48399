// Package ws pushes sync engine events to local UI clients.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Filtered is implemented by events that only concern some conversations.
type Filtered interface {
	Touches(conversationID string) bool
}

// Rekeying is implemented by events announcing that a temporary id was
// replaced by a server id.
type Rekeying interface {
	Rekey() (tempID, serverID string, ok bool)
}

type Hub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]string
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*websocket.Conn]string)}
}

// Handler upgrades /ws/events. An optional ?conversation= query narrows the
// stream to events touching that conversation.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversation := strings.TrimSpace(r.URL.Query().Get("conversation"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(conn, conversation)
		defer h.remove(conn)

		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn         *websocket.Conn
	conversation string
}

// Broadcast sends event to every subscriber it concerns. A reconciliation
// event moves subscribers of the temporary conversation over to the server
// id after it is delivered.
func (h *Hub) Broadcast(event any) {
	entries := h.snapshot(event)
	if r, ok := event.(Rekeying); ok {
		if from, to, ok := r.Rekey(); ok {
			defer h.rekey(from, to)
		}
	}
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.conn)
			}(e)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) snapshot(event any) []connEntry {
	filter, scoped := event.(Filtered)
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for conn, conversation := range h.conns {
		if conversation != "" && scoped && !filter.Touches(conversation) {
			continue
		}
		out = append(out, connEntry{conn: conn, conversation: conversation})
	}
	return out
}

func (h *Hub) rekey(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, conversation := range h.conns {
		if conversation == from {
			h.conns[conn] = to
		}
	}
}

func (h *Hub) add(conn *websocket.Conn, conversation string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = conversation
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}
