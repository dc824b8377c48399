package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent announces that remote data changed. Cursor is the change
// marker of the write when the remote knows it.
type ChangeEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Cursor         int64  `json:"cursor,omitempty"`
}

// Change event types.
const (
	ChangeConversation = "conversation.changed"
	ChangeMessage      = "message.changed"
)

type ChangeHandler func(event ChangeEvent)

// ChangeFeed subscribes to the remote change stream. It only hints that a
// pull is worthwhile; polling stays the source of truth.
type ChangeFeed struct {
	baseURL    string
	apiKey     string
	path       string
	conn       *websocket.Conn
	handlers   []ChangeHandler
	mu         sync.RWMutex
	done       chan struct{}
	closeOnce  sync.Once
	reconnect  bool
	maxBackoff time.Duration
}

type FeedOption func(*ChangeFeed)

func WithFeedAPIKey(key string) FeedOption {
	return func(f *ChangeFeed) {
		f.apiKey = key
	}
}

// WithFeedPath overrides the default /ws/changes endpoint.
func WithFeedPath(path string) FeedOption {
	return func(f *ChangeFeed) {
		if path != "" {
			f.path = path
		}
	}
}

func WithAutoReconnect(enabled bool) FeedOption {
	return func(f *ChangeFeed) {
		f.reconnect = enabled
	}
}

func WithMaxBackoff(d time.Duration) FeedOption {
	return func(f *ChangeFeed) {
		if d > 0 {
			f.maxBackoff = d
		}
	}
}

func NewChangeFeed(baseURL string, opts ...FeedOption) *ChangeFeed {
	f := &ChangeFeed{
		baseURL:    baseURL,
		path:       "/ws/changes",
		done:       make(chan struct{}),
		reconnect:  true,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *ChangeFeed) OnChange(handler ChangeHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Connect dials the feed and starts reading in the background.
func (f *ChangeFeed) Connect(ctx context.Context) error {
	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}
	f.setConn(conn)
	go f.readLoop(ctx)
	return nil
}

func (f *ChangeFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := f.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if f.apiKey != "" {
		opts.HTTPHeader = make(map[string][]string)
		opts.HTTPHeader["Authorization"] = []string{"Bearer " + f.apiKey}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (f *ChangeFeed) Close() error {
	var conn *websocket.Conn
	f.closeOnce.Do(func() {
		close(f.done)
		conn = f.currentConn()
	})
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (f *ChangeFeed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

func (f *ChangeFeed) currentConn() *websocket.Conn {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.conn
}

func (f *ChangeFeed) buildWSURL() (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = f.path
	return u.String(), nil
}

func (f *ChangeFeed) readLoop(ctx context.Context) {
	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		var event ChangeEvent
		err := wsjson.Read(ctx, f.currentConn(), &event)
		if err != nil {
			if !f.reconnect || !f.redial(ctx) {
				return
			}
			continue
		}
		f.dispatch(event)
	}
}

func (f *ChangeFeed) dispatch(event ChangeEvent) {
	f.mu.RLock()
	handlers := make([]ChangeHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// redial reconnects with capped exponential backoff. It returns false once
// the feed is closed or ctx is done.
func (f *ChangeFeed) redial(ctx context.Context) bool {
	backoff := time.Second
	for {
		select {
		case <-f.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		conn, err := f.dial(ctx)
		if err == nil {
			f.setConn(conn)
			return true
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}
