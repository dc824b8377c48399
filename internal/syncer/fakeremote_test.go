package syncer

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
	"github.com/mistakeknot/intersync/internal/storage/sqlite"
)

// fakeRemote is an in-process remote store. Mutations are idempotent on
// clientId like the real one, and failures can be queued per operation.
type fakeRemote struct {
	mu sync.Mutex

	users   map[string]string
	nextID  int
	tick    int64
	failing map[string][]error
	// lostReply makes the next call of an op apply its effect and then fail.
	lostReply map[string]error
	calls     []string

	byClientID    map[string]string
	conversations map[string]core.Conversation
	groupMembers  map[string][]string
	messages      map[string][]core.Message
	sent          []sentText
	reactions     map[string]bool
	receipts      []string
}

type sentText struct {
	ClientID       string
	ConversationID string
	Text           string
	ReplyTo        string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		users:         map[string]string{},
		nextID:        1,
		tick:          1000,
		failing:       map[string][]error{},
		lostReply:     map[string]error{},
		byClientID:    map[string]string{},
		conversations: map[string]core.Conversation{},
		groupMembers:  map[string][]string{},
		messages:      map[string][]core.Message{},
		reactions:     map[string]bool{},
	}
}

func (f *fakeRemote) addUser(handle, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[handle] = id
}

func (f *fakeRemote) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = append(f.failing[op], errs...)
}

func (f *fakeRemote) loseReply(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lostReply[op] = err
}

// putConversation stores a conversation visible to list queries.
func (f *fakeRemote) putConversation(c core.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[c.ID] = c
}

func (f *fakeRemote) putMessage(m core.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

// begin records a call and pops a queued failure. Caller holds f.mu.
func (f *fakeRemote) begin(op string) error {
	f.calls = append(f.calls, op)
	if q := f.failing[op]; len(q) > 0 {
		f.failing[op] = q[1:]
		return q[0]
	}
	return nil
}

// finish returns the queued lost-reply error for op, if any. Caller holds f.mu.
func (f *fakeRemote) finish(op string) error {
	if err, ok := f.lostReply[op]; ok {
		delete(f.lostReply, op)
		return err
	}
	return nil
}

func (f *fakeRemote) id(prefix string) string {
	id := fmt.Sprintf("%s_%d", prefix, f.nextID)
	f.nextID++
	return id
}

func (f *fakeRemote) now() int64 {
	f.tick++
	return f.tick
}

func (f *fakeRemote) FindUserByHandle(ctx context.Context, handle string) (core.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("findByHandle"); err != nil {
		return core.User{}, false, err
	}
	id, ok := f.users[handle]
	if !ok {
		return core.User{}, false, nil
	}
	return core.User{ID: id, Handle: handle}, true, nil
}

func (f *fakeRemote) createConversation(clientID string, kind core.ConversationKind, title string, members []string) string {
	if id, ok := f.byClientID[clientID]; ok {
		return id
	}
	id := f.id("conv")
	at := f.now()
	f.byClientID[clientID] = id
	f.groupMembers[id] = append([]string(nil), members...)
	f.conversations[id] = core.Conversation{
		ID:        id,
		Kind:      kind,
		Title:     title,
		CreatedAt: core.FromMillis(at),
		UpdatedAt: core.FromMillis(at),
		Cursor:    at,
	}
	return id
}

func (f *fakeRemote) CreateDirect(ctx context.Context, clientID, otherUserID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("createDirect"); err != nil {
		return "", err
	}
	id := f.createConversation(clientID, core.ConversationDirect, "", []string{otherUserID})
	return id, f.finish("createDirect")
}

func (f *fakeRemote) CreateGroup(ctx context.Context, clientID, title string, memberIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("createGroup"); err != nil {
		return "", err
	}
	id := f.createConversation(clientID, core.ConversationGroup, title, memberIDs)
	return id, f.finish("createGroup")
}

func (f *fakeRemote) SendText(ctx context.Context, clientID, conversationID, text, replyTo string) (core.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("sendText"); err != nil {
		return core.SentMessage{}, err
	}
	if id, ok := f.byClientID[clientID]; ok {
		return core.SentMessage{ID: id, ClientID: clientID}, f.finish("sendText")
	}
	id := f.id("msg")
	f.byClientID[clientID] = id
	f.sent = append(f.sent, sentText{ClientID: clientID, ConversationID: conversationID, Text: text, ReplyTo: replyTo})
	at := f.now()
	f.messages[conversationID] = append(f.messages[conversationID], core.Message{
		ID:               id,
		ClientID:         clientID,
		ConversationID:   conversationID,
		SenderID:         selfID,
		Text:             text,
		Type:             core.MessageText,
		ReplyToMessageID: replyTo,
		Status:           core.MessageSent,
		CreatedAt:        core.FromMillis(at),
		Cursor:           at,
	})
	return core.SentMessage{ID: id, ClientID: clientID}, f.finish("sendText")
}

func (f *fakeRemote) ToggleReaction(ctx context.Context, clientID, messageID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("toggleReaction"); err != nil {
		return false, err
	}
	key := messageID + "|" + emoji
	if _, done := f.byClientID[clientID]; !done {
		f.byClientID[clientID] = key
		f.reactions[key] = !f.reactions[key]
	}
	return f.reactions[key], f.finish("toggleReaction")
}

func (f *fakeRemote) MarkRead(ctx context.Context, clientID, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("markRead"); err != nil {
		return err
	}
	f.receipts = append(f.receipts, conversationID+"/"+messageID)
	return f.finish("markRead")
}

func (f *fakeRemote) ConversationsUpdatedSince(ctx context.Context, since int64, limit int) ([]core.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("listConversations"); err != nil {
		return nil, err
	}
	var out []core.Conversation
	for _, c := range f.conversations {
		if c.Cursor > since {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor < out[j].Cursor })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRemote) MessagesSince(ctx context.Context, conversationID string, since int64, limit int) ([]core.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("listMessages"); err != nil {
		return nil, err
	}
	var out []core.Message
	for _, m := range f.messages[conversationID] {
		if m.Cursor > since {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cursor < out[j].Cursor })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// test fixtures

const selfID = "u_me"

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.NewSQLiteTest(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	s.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	})
	return s
}

// seedConversation stores a synced conversation without touching real cursors.
func seedConversation(t *testing.T, s storage.Store, id string) {
	t.Helper()
	conv := core.Conversation{
		ID:        id,
		Kind:      core.ConversationGroup,
		Title:     id,
		CreatedAt: time.UnixMilli(1),
		UpdatedAt: time.UnixMilli(1),
		Cursor:    1,
	}
	if _, err := s.ApplyConversations(testCtx(t), "seed", []core.Conversation{conv}); err != nil {
		t.Fatalf("seed conversation %s: %v", id, err)
	}
}

func seedMessage(t *testing.T, s storage.Store, conversationID, id string) {
	t.Helper()
	msg := core.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u_other",
		Text:           "seed",
		Type:           core.MessageText,
		Status:         core.MessageSent,
		CreatedAt:      time.UnixMilli(2),
		Cursor:         2,
	}
	if _, err := s.ApplyMessages(testCtx(t), "seed", []core.Message{msg}, selfID); err != nil {
		t.Fatalf("seed message %s: %v", id, err)
	}
}

func outbox(t *testing.T, s storage.Store) []core.OutboxEntry {
	t.Helper()
	entries, err := s.ListOutbox(testCtx(t))
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return entries
}

func entryByID(t *testing.T, s storage.Store, clientID string) core.OutboxEntry {
	t.Helper()
	for _, e := range outbox(t, s) {
		if e.ClientID == clientID {
			return e
		}
	}
	t.Fatalf("outbox entry %s not found", clientID)
	return core.OutboxEntry{}
}

func called(f *fakeRemote, op string) int {
	return len(slices.DeleteFunc(f.callLog(), func(c string) bool { return c != op }))
}
