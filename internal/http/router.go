package httpapi

import "net/http"

// NewRouter wires the local API. mw wraps every route, the websocket
// endpoint included, when non-nil.
func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("/api/conversations", wrap(http.HandlerFunc(svc.handleConversations)))
	mux.Handle("/api/conversations/", wrap(http.HandlerFunc(svc.handleConversationAction)))
	mux.Handle("/api/messages/", wrap(http.HandlerFunc(svc.handleMessageAction)))
	mux.Handle("/api/outbox", wrap(http.HandlerFunc(svc.handleOutbox)))
	mux.Handle("/api/cursors", wrap(http.HandlerFunc(svc.handleCursors)))
	mux.Handle("/api/sync/flush", wrap(http.HandlerFunc(svc.handleFlush)))
	mux.Handle("/api/sync/pull", wrap(http.HandlerFunc(svc.handlePull)))
	mux.Handle("/api/health", wrap(http.HandlerFunc(svc.handleHealth)))

	if wsHandler != nil {
		mux.Handle("/ws/events", wrap(wsHandler))
	}
	return mux
}
