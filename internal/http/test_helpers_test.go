package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mistakeknot/intersync/client"
	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage/sqlite"
	"github.com/mistakeknot/intersync/internal/syncer"
	"github.com/mistakeknot/intersync/internal/ws"
)

const selfID = "u_me"

// stubRemote answers every mutation with fresh server ids and serves the
// messages it accepted back through MessagesSince.
type stubRemote struct {
	mu       sync.Mutex
	next     int
	tick     int64
	down     bool
	users    map[string]string
	messages []core.Message
}

func newStubRemote() *stubRemote {
	return &stubRemote{tick: 1000, users: map[string]string{"bob": "u_bob", "carol": "u_carol"}}
}

func (r *stubRemote) setDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *stubRemote) check() error {
	if r.down {
		return &client.Error{Op: "stub", StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
	}
	return nil
}

func (r *stubRemote) id(prefix string) string {
	r.next++
	return fmt.Sprintf("%s_%d", prefix, r.next)
}

func (r *stubRemote) FindUserByHandle(_ context.Context, handle string) (core.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return core.User{}, false, err
	}
	id, ok := r.users[handle]
	if !ok {
		return core.User{}, false, nil
	}
	return core.User{ID: id, Handle: handle}, true, nil
}

func (r *stubRemote) CreateDirect(context.Context, string, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return "", err
	}
	return r.id("conv"), nil
}

func (r *stubRemote) CreateGroup(context.Context, string, string, []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return "", err
	}
	return r.id("conv"), nil
}

func (r *stubRemote) SendText(_ context.Context, clientID, conversationID, text, replyTo string) (core.SentMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return core.SentMessage{}, err
	}
	id := r.id("msg")
	r.tick++
	r.messages = append(r.messages, core.Message{
		ID:               id,
		ConversationID:   conversationID,
		SenderID:         selfID,
		Text:             text,
		Type:             core.MessageText,
		ReplyToMessageID: replyTo,
		Status:           core.MessageSent,
		CreatedAt:        core.FromMillis(r.tick),
		Cursor:           r.tick,
	})
	return core.SentMessage{ID: id, ClientID: clientID}, nil
}

func (r *stubRemote) ToggleReaction(context.Context, string, string, string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return true, r.check()
}

func (r *stubRemote) MarkRead(context.Context, string, string, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.check()
}

func (r *stubRemote) ConversationsUpdatedSince(context.Context, int64, int) ([]core.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return nil, r.check()
}

func (r *stubRemote) MessagesSince(_ context.Context, conversationID string, since int64, limit int) ([]core.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(); err != nil {
		return nil, err
	}
	var out []core.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.Cursor > since {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// testEnv bundles an engine over an in-memory store, the local API and a hub.
// The engine loops are not started; tests drive passes through /api/sync.
type testEnv struct {
	srv    *httptest.Server
	hub    *ws.Hub
	store  *sqlite.Store
	remote *stubRemote
	engine *syncer.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	hub := ws.NewHub()
	remote := newStubRemote()
	logger := log.New(io.Discard, "", 0)
	engine := syncer.NewEngine(st, remote, syncer.Config{SelfID: selfID, Logger: logger, Broadcaster: hub})
	svc := NewService(engine).WithLogger(logger)
	srv := httptest.NewServer(NewRouter(svc, hub.Handler(), nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st, remote: remote, engine: engine}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader = http.NoBody
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(buf)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", rdr)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body)
	}
}
