package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/intersync/internal/auth"
	"github.com/mistakeknot/intersync/internal/storage"
	"github.com/mistakeknot/intersync/internal/storage/sqlite"
	"github.com/mistakeknot/intersync/internal/syncer"
)

type flushResponse struct {
	Dispatched int    `json:"dispatched"`
	Failed     int    `json:"failed"`
	Reconciled int    `json:"reconciled"`
	Error      string `json:"error,omitempty"`
}

type pullResponse struct {
	Inserted        int      `json:"inserted"`
	Updated         int      `json:"updated"`
	Cursor          int64    `json:"cursor"`
	ConversationIDs []string `json:"conversation_ids,omitempty"`
	Error           string   `json:"error,omitempty"`
}

func (s *Service) handleOutbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries, err := s.store.ListOutbox(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]apiEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAPIEntry(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Service) handleCursors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cursors, err := s.store.ListCursors(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]apiCursor, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, apiCursor{Key: c.Key, LastCursor: c.LastCursor, LastSyncedAt: formatTime(c.LastSyncedAt)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": out})
}

// handleFlush runs one pass now. Per-entry failures are part of a normal
// pass; only an aborted pass reports an error.
func (s *Service) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	res, err := s.engine.FlushOnce(r.Context())
	writeJSON(w, passStatus(err), flushResult(res, err))
}

// handlePull pulls every scope, or only ?scope= when given.
func (s *Service) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var (
		res storage.PullResult
		err error
	)
	if scope := strings.TrimSpace(r.URL.Query().Get("scope")); scope != "" {
		res, err = s.engine.PullScope(r.Context(), scope)
	} else {
		res, err = s.engine.PullOnce(r.Context())
	}
	writeJSON(w, passStatus(err), pullResponse{
		Inserted:        res.Inserted,
		Updated:         res.Updated,
		Cursor:          res.Cursor,
		ConversationIDs: res.ConversationIDs,
		Error:           errString(err),
	})
}

func flushResult(res syncer.FlushResult, err error) flushResponse {
	return flushResponse{
		Dispatched: res.Dispatched,
		Failed:     res.Failed,
		Reconciled: res.Reconciled,
		Error:      errString(err),
	}
}

// passStatus is 200 for a settled pass and 502 when the pass stopped early.
func passStatus(err error) int {
	if err != nil {
		return http.StatusBadGateway
	}
	return http.StatusOK
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// storeHealth is implemented by stores that track their own condition.
type storeHealth interface {
	Breaker() sqlite.BreakerStatus
	SlowQueries() int64
}

type healthResponse struct {
	Status      string   `json:"status"`
	Store       string   `json:"store"`
	SlowQueries int64    `json:"slow_queries"`
	Outbox      int      `json:"outbox"`
	Watched     []string `json:"watched"`
	Auth        string   `json:"auth,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok", Store: sqlite.StateClosed.String(), Watched: s.engine.Watched()}
	if c, ok := auth.CallerFrom(r.Context()); ok {
		resp.Auth = string(c.Via)
	}
	if h, ok := s.store.(storeHealth); ok {
		b := h.Breaker()
		resp.Store = b.State.String()
		resp.SlowQueries = h.SlowQueries()
		if b.State != sqlite.StateClosed {
			resp.Status = "degraded"
		}
	}
	entries, err := s.store.ListOutbox(r.Context())
	if err != nil {
		resp.Status = "degraded"
	}
	resp.Outbox = len(entries)
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
