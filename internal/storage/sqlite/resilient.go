package sqlite

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker +
// RetryOnDBLock so the engine rides out a busy database instead of failing
// whole passes.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient uses a breaker with threshold 5 and a 30s cooldown that logs
// its transitions.
func NewResilient(inner *Store) *ResilientStore {
	cb := NewCircuitBreaker(5, 30*time.Second).OnStateChange(func(from, to BreakerState) {
		log.Printf("store: breaker %s -> %s", from, to)
	})
	return NewResilientWithBreaker(inner, cb)
}

func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb.WithFailureFilter(isStorageFailure)}
}

// isStorageFailure separates database trouble from results the caller asked
// for (missing rows, duplicate entries, cancellation).
func isStorageFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrUnknownConversation),
		errors.Is(err, storage.ErrDuplicateEntry),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Breaker reports the health of the local database as seen by the breaker.
func (r *ResilientStore) Breaker() BreakerStatus {
	return r.cb.Status()
}

func (r *ResilientStore) exec(ctx context.Context, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, fn)
	})
}

func call[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.exec(ctx, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) Enqueue(ctx context.Context, entry core.OutboxEntry) error {
	return r.exec(ctx, func() error { return r.inner.Enqueue(ctx, entry) })
}

func (r *ResilientStore) ListEligible(ctx context.Context) ([]core.OutboxEntry, error) {
	return call(ctx, r, func() ([]core.OutboxEntry, error) { return r.inner.ListEligible(ctx) })
}

func (r *ResilientStore) ListOutbox(ctx context.Context) ([]core.OutboxEntry, error) {
	return call(ctx, r, func() ([]core.OutboxEntry, error) { return r.inner.ListOutbox(ctx) })
}

func (r *ResilientStore) RecordFailure(ctx context.Context, clientID string, at time.Time, errMsg string) error {
	return r.exec(ctx, func() error { return r.inner.RecordFailure(ctx, clientID, at, errMsg) })
}

func (r *ResilientStore) RemoveEntry(ctx context.Context, clientID string) error {
	return r.exec(ctx, func() error { return r.inner.RemoveEntry(ctx, clientID) })
}

func (r *ResilientStore) PendingTargets(ctx context.Context, conversationID string) ([]core.PendingTarget, error) {
	return call(ctx, r, func() ([]core.PendingTarget, error) { return r.inner.PendingTargets(ctx, conversationID) })
}

func (r *ResilientStore) ResolveTarget(ctx context.Context, conversationID, handle, userID string) error {
	return r.exec(ctx, func() error { return r.inner.ResolveTarget(ctx, conversationID, handle, userID) })
}

func (r *ResilientStore) Reconcile(ctx context.Context, tempID, serverID string) error {
	return r.exec(ctx, func() error { return r.inner.Reconcile(ctx, tempID, serverID) })
}

func (r *ResilientStore) Cursor(ctx context.Context, key string) (core.SyncCursor, bool, error) {
	var (
		cur   core.SyncCursor
		found bool
	)
	err := r.exec(ctx, func() error {
		var innerErr error
		cur, found, innerErr = r.inner.Cursor(ctx, key)
		return innerErr
	})
	return cur, found, err
}

func (r *ResilientStore) ListCursors(ctx context.Context) ([]core.SyncCursor, error) {
	return call(ctx, r, func() ([]core.SyncCursor, error) { return r.inner.ListCursors(ctx) })
}

func (r *ResilientStore) ApplyConversations(ctx context.Context, key string, convs []core.Conversation) (storage.PullResult, error) {
	return call(ctx, r, func() (storage.PullResult, error) { return r.inner.ApplyConversations(ctx, key, convs) })
}

func (r *ResilientStore) ApplyMessages(ctx context.Context, key string, msgs []core.Message, selfID string) (storage.PullResult, error) {
	return call(ctx, r, func() (storage.PullResult, error) { return r.inner.ApplyMessages(ctx, key, msgs, selfID) })
}

func (r *ResilientStore) CreatePendingConversation(ctx context.Context, conv core.Conversation, handles []string, entry core.OutboxEntry) error {
	return r.exec(ctx, func() error { return r.inner.CreatePendingConversation(ctx, conv, handles, entry) })
}

func (r *ResilientStore) CreatePendingMessage(ctx context.Context, msg core.Message, entry core.OutboxEntry) error {
	return r.exec(ctx, func() error { return r.inner.CreatePendingMessage(ctx, msg, entry) })
}

func (r *ResilientStore) ToggleLocalReaction(ctx context.Context, reaction core.Reaction, entry core.OutboxEntry) (bool, error) {
	return call(ctx, r, func() (bool, error) { return r.inner.ToggleLocalReaction(ctx, reaction, entry) })
}

func (r *ResilientStore) MarkReadLocal(ctx context.Context, receipt core.ReadReceipt, entry core.OutboxEntry) error {
	return r.exec(ctx, func() error { return r.inner.MarkReadLocal(ctx, receipt, entry) })
}

func (r *ResilientStore) SetReaction(ctx context.Context, reaction core.Reaction, present bool) error {
	return r.exec(ctx, func() error { return r.inner.SetReaction(ctx, reaction, present) })
}

func (r *ResilientStore) GetConversation(ctx context.Context, id string) (core.Conversation, error) {
	return call(ctx, r, func() (core.Conversation, error) { return r.inner.GetConversation(ctx, id) })
}

func (r *ResilientStore) ListConversations(ctx context.Context) ([]core.Conversation, error) {
	return call(ctx, r, func() ([]core.Conversation, error) { return r.inner.ListConversations(ctx) })
}

func (r *ResilientStore) GetMessage(ctx context.Context, id string) (core.Message, error) {
	return call(ctx, r, func() (core.Message, error) { return r.inner.GetMessage(ctx, id) })
}

func (r *ResilientStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]core.Message, error) {
	return call(ctx, r, func() ([]core.Message, error) { return r.inner.ListMessages(ctx, conversationID, limit) })
}

// Close skips the breaker.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}

func (r *ResilientStore) SlowQueries() int64 {
	return r.inner.SlowQueries()
}
