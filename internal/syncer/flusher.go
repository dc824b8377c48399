package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mistakeknot/intersync/internal/clientid"
	"github.com/mistakeknot/intersync/internal/core"
	"github.com/mistakeknot/intersync/internal/storage"
)

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Dispatched int
	Failed     int
	Reconciled int
}

// Flusher drains the outbox against the remote store.
type Flusher struct {
	store       storage.Store
	remote      Remote
	selfID      string
	logger      *log.Logger
	now         func() time.Time
	bus         Broadcaster
	onReconcile func(tempID, serverID string)
}

func NewFlusher(store storage.Store, remote Remote, selfID string, logger *log.Logger, bus Broadcaster) *Flusher {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Flusher{
		store:  store,
		remote: remote,
		selfID: selfID,
		logger: logger,
		now:    time.Now,
		bus:    orNop(bus),
	}
}

// OnReconcile registers fn to run after each committed reconciliation.
func (f *Flusher) OnReconcile(fn func(tempID, serverID string)) {
	f.onReconcile = fn
}

// localError marks a failure of the local store. It aborts the pass instead
// of being recorded against the entry.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func local(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}

// Flush runs one pass. Each eligible entry is attempted at most once per
// pass; after a reconciliation the outbox is re-read so newly eligible
// dependents go out in the same pass. A remote failure is recorded on the
// entry and the pass moves on.
func (f *Flusher) Flush(ctx context.Context) (FlushResult, error) {
	var res FlushResult
	attempted := make(map[string]bool)
	for {
		entries, err := f.store.ListEligible(ctx)
		if err != nil {
			return res, fmt.Errorf("flush: list eligible: %w", err)
		}
		rescan := false
		for _, e := range entries {
			if attempted[e.ClientID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}
			attempted[e.ClientID] = true
			reconciled, err := f.dispatch(ctx, e)
			if err != nil {
				var le *localError
				if errors.As(err, &le) {
					return res, fmt.Errorf("flush %s: %w", e.ClientID, le.err)
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return res, ctxErr
				}
				res.Failed++
				if err := f.fail(ctx, e, err); err != nil {
					return res, err
				}
				continue
			}
			res.Dispatched++
			if reconciled {
				res.Reconciled++
				rescan = true
				break
			}
		}
		if !rescan {
			if res.Dispatched > 0 || res.Failed > 0 {
				f.bus.Broadcast(Event{Type: EventOutboxChanged})
			}
			return res, nil
		}
	}
}

func (f *Flusher) fail(ctx context.Context, e core.OutboxEntry, cause error) error {
	wording := "failed"
	if !IsTransient(cause) {
		wording = "rejected"
	}
	f.logger.Printf("flush: %s kind=%s client_id=%s attempts=%d payload=%s err=%v",
		wording, e.Kind, e.ClientID, e.AttemptCount+1, e.Payload, cause)
	if err := f.store.RecordFailure(ctx, e.ClientID, f.now().UTC(), cause.Error()); err != nil {
		return fmt.Errorf("flush: record failure %s: %w", e.ClientID, err)
	}
	return nil
}

// dispatch sends one entry and applies the confirmation locally. It reports
// whether a temporary id was reconciled.
func (f *Flusher) dispatch(ctx context.Context, e core.OutboxEntry) (bool, error) {
	cmd, err := core.DecodeCommand(e.Kind, e.Payload)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if ref := unresolvedRef(cmd); ref != "" {
		return false, fmt.Errorf("%w: %s is still temporary", ErrUnresolvedTarget, ref)
	}

	switch c := cmd.(type) {
	case core.CreateDirect:
		ids, err := f.resolveTargets(ctx, c.ConversationID)
		if err != nil {
			return false, err
		}
		if len(ids) > 1 {
			return false, fmt.Errorf("%w: direct conversation needs one invitee, has %d", ErrInvalidCommand, len(ids))
		}
		serverID, err := f.remote.CreateDirect(ctx, e.ClientID, ids[0])
		if err != nil {
			return false, err
		}
		return true, f.reconcile(ctx, c.ConversationID, serverID, "")

	case core.CreateGroup:
		ids, err := f.resolveTargets(ctx, c.ConversationID)
		if err != nil {
			return false, err
		}
		serverID, err := f.remote.CreateGroup(ctx, e.ClientID, c.Title, ids)
		if err != nil {
			return false, err
		}
		return true, f.reconcile(ctx, c.ConversationID, serverID, "")

	case core.SendText:
		sent, err := f.remote.SendText(ctx, e.ClientID, c.ConversationID, c.Text, c.ReplyToMessageID)
		if err != nil {
			return false, err
		}
		return true, f.reconcile(ctx, c.MessageID, sent.ID, c.ConversationID)

	case core.ToggleReaction:
		present, err := f.remote.ToggleReaction(ctx, e.ClientID, c.MessageID, c.Emoji)
		if err != nil {
			return false, err
		}
		r := core.Reaction{MessageID: c.MessageID, UserID: f.selfID, Emoji: c.Emoji}
		if err := f.store.SetReaction(ctx, r, present); err != nil {
			return false, local(err)
		}
		return false, local(f.store.RemoveEntry(ctx, e.ClientID))

	case core.MarkRead:
		if err := f.remote.MarkRead(ctx, e.ClientID, c.ConversationID, c.MessageID); err != nil {
			return false, err
		}
		return false, local(f.store.RemoveEntry(ctx, e.ClientID))
	}
	return false, fmt.Errorf("%w: unhandled kind %s", ErrInvalidCommand, e.Kind)
}

// reconcile commits the server id. Reconcile also removes the creation entry.
func (f *Flusher) reconcile(ctx context.Context, tempID, serverID, conversationID string) error {
	if err := f.store.Reconcile(ctx, tempID, serverID); err != nil {
		return local(fmt.Errorf("reconcile %s -> %s: %w", tempID, serverID, err))
	}
	f.logger.Printf("flush: reconciled %s -> %s", tempID, serverID)
	if f.onReconcile != nil {
		f.onReconcile(tempID, serverID)
	}
	f.bus.Broadcast(Event{Type: EventIDReconciled, ID: tempID, ServerID: serverID, ConversationID: conversationID})
	return nil
}

// resolveTargets maps the pending invitee handles of a conversation to remote
// user ids, remembering each resolution. Any unknown handle, or no invitee at
// all, keeps the whole creation queued.
func (f *Flusher) resolveTargets(ctx context.Context, conversationID string) ([]string, error) {
	targets, err := f.store.PendingTargets(ctx, conversationID)
	if err != nil {
		return nil, local(err)
	}
	ids := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.UserID != "" {
			ids = append(ids, t.UserID)
			continue
		}
		u, ok, err := f.remote.FindUserByHandle(ctx, t.Handle)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", t.Handle, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: handle %q", ErrUnresolvedTarget, t.Handle)
		}
		if err := f.store.ResolveTarget(ctx, conversationID, t.Handle, u.ID); err != nil {
			return nil, local(err)
		}
		ids = append(ids, u.ID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no resolved invitees", ErrUnresolvedTarget)
	}
	return ids, nil
}

// unresolvedRef returns a temporary id the command would send to the remote
// store. A creation may carry its own temporary id, nothing else may.
func unresolvedRef(cmd core.Command) string {
	own := ""
	if c, ok := cmd.(core.Creation); ok {
		own = c.EntityID()
	}
	for _, ref := range cmd.References() {
		if ref != own && clientid.IsTemporary(ref) {
			return ref
		}
	}
	return ""
}

func defaultLogger() *log.Logger {
	return log.New(os.Stderr, "[intersync] ", log.LstdFlags)
}
