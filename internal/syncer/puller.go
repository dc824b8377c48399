package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/mistakeknot/intersync/internal/clientid"
	"github.com/mistakeknot/intersync/internal/storage"
)

// DefaultPullLimit is the page size requested from the remote store.
const DefaultPullLimit = 200

// Puller replicates remote changes into the local store, one cursor scope at
// a time.
type Puller struct {
	store  storage.Store
	remote Remote
	selfID string
	limit  int
	logger *log.Logger
	bus    Broadcaster
}

func NewPuller(store storage.Store, remote Remote, selfID string, limit int, logger *log.Logger, bus Broadcaster) *Puller {
	if limit <= 0 {
		limit = DefaultPullLimit
	}
	if logger == nil {
		logger = defaultLogger()
	}
	return &Puller{
		store:  store,
		remote: remote,
		selfID: selfID,
		limit:  limit,
		logger: logger,
		bus:    orNop(bus),
	}
}

// Pull fetches one scope, either storage.ScopeConversations or a message
// scope built with storage.MessagesScope.
func (p *Puller) Pull(ctx context.Context, scope string) (storage.PullResult, error) {
	if scope == storage.ScopeConversations {
		return p.PullConversations(ctx)
	}
	if id, ok := storage.ParseMessagesScope(scope); ok {
		return p.PullMessages(ctx, id)
	}
	return storage.PullResult{}, fmt.Errorf("pull: unknown scope %q", scope)
}

// PullConversations applies every conversation changed since the stored
// cursor. Full pages are followed by another fetch in the same pass.
func (p *Puller) PullConversations(ctx context.Context) (storage.PullResult, error) {
	res, err := p.page(ctx, storage.ScopeConversations, func(since int64) (storage.PullResult, int, error) {
		batch, err := p.remote.ConversationsUpdatedSince(ctx, since, p.limit)
		if err != nil {
			return storage.PullResult{}, 0, err
		}
		applied, err := p.store.ApplyConversations(ctx, storage.ScopeConversations, batch)
		return applied, len(batch), local(err)
	})
	if err != nil {
		return res, err
	}
	if res.Inserted+res.Updated > 0 {
		p.bus.Broadcast(Event{Type: EventConversationsChanged})
	}
	return res, nil
}

// PullMessages applies a conversation's changed messages. Conversations that
// only exist locally have nothing to pull.
func (p *Puller) PullMessages(ctx context.Context, conversationID string) (storage.PullResult, error) {
	if conversationID == "" || clientid.IsTemporary(conversationID) {
		return storage.PullResult{}, nil
	}
	key := storage.MessagesScope(conversationID)
	res, err := p.page(ctx, key, func(since int64) (storage.PullResult, int, error) {
		batch, err := p.remote.MessagesSince(ctx, conversationID, since, p.limit)
		if err != nil {
			return storage.PullResult{}, 0, err
		}
		applied, err := p.store.ApplyMessages(ctx, key, batch, p.selfID)
		return applied, len(batch), local(err)
	})
	if err != nil {
		return res, err
	}
	if res.Inserted+res.Updated > 0 {
		p.bus.Broadcast(Event{Type: EventMessagesChanged, ConversationID: conversationID})
	}
	return res, nil
}

// page runs fetch-and-apply rounds for one scope until a short page arrives
// or the cursor stops moving.
func (p *Puller) page(ctx context.Context, key string, step func(since int64) (storage.PullResult, int, error)) (storage.PullResult, error) {
	var total storage.PullResult
	for {
		cur, _, err := p.store.Cursor(ctx, key)
		if err != nil {
			return total, fmt.Errorf("pull %s: read cursor: %w", key, err)
		}
		if cur.LastCursor > total.Cursor {
			total.Cursor = cur.LastCursor
		}
		res, n, err := step(cur.LastCursor)
		if err != nil {
			var le *localError
			if errors.As(err, &le) {
				return total, fmt.Errorf("pull %s: apply: %w", key, le.err)
			}
			return total, fmt.Errorf("pull %s since %d: %w", key, cur.LastCursor, err)
		}
		merge(&total, res)
		if n < p.limit || res.Cursor <= cur.LastCursor {
			return total, nil
		}
	}
}

func merge(total *storage.PullResult, res storage.PullResult) {
	total.Inserted += res.Inserted
	total.Updated += res.Updated
	if res.Cursor > total.Cursor {
		total.Cursor = res.Cursor
	}
	for _, id := range res.ConversationIDs {
		if !slices.Contains(total.ConversationIDs, id) {
			total.ConversationIDs = append(total.ConversationIDs, id)
		}
	}
}
