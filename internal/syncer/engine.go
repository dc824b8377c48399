package syncer

import (
	"context"
	"errors"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/mistakeknot/intersync/internal/storage"
)

const (
	DefaultFlushInterval = 2 * time.Second
	DefaultPullInterval  = 2 * time.Second
)

type Config struct {
	FlushInterval time.Duration
	PullInterval  time.Duration
	PullLimit     int
	// SelfID is the remote user id of the local user.
	SelfID string
	// Watch lists conversations whose messages are pulled every pass.
	Watch       []string
	Logger      *log.Logger
	Broadcaster Broadcaster
}

// Engine schedules flush and pull passes. Passes never overlap: a flush and a
// pull share one lock, so reconciliation and pull application are serialized.
type Engine struct {
	store   storage.Store
	cfg     Config
	logger  *log.Logger
	flusher *Flusher
	puller  *Puller
	actions *Actions

	pass sync.Mutex

	mu      sync.Mutex
	watched map[string]struct{}

	flushWake chan struct{}
	pullWake  chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewEngine(store storage.Store, remote Remote, cfg Config) *Engine {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = DefaultPullInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	bus := orNop(cfg.Broadcaster)
	e := &Engine{
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger,
		flusher:   NewFlusher(store, remote, cfg.SelfID, cfg.Logger, bus),
		puller:    NewPuller(store, remote, cfg.SelfID, cfg.PullLimit, cfg.Logger, bus),
		watched:   make(map[string]struct{}),
		flushWake: make(chan struct{}, 1),
		pullWake:  make(chan struct{}, 1),
	}
	for _, id := range cfg.Watch {
		if id != "" {
			e.watched[id] = struct{}{}
		}
	}
	e.actions = NewActions(store, cfg.SelfID, WithActionBroadcaster(bus), WithEnqueueHook(e.TriggerFlush))
	e.flusher.OnReconcile(e.rekeyWatch)
	return e
}

func (e *Engine) Actions() *Actions { return e.actions }

func (e *Engine) Store() storage.Store { return e.store }

// Start launches the flush and pull loops. Each loop runs a pass right away
// and schedules the next one only after the current pass has finished.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(2)
	go e.loop(ctx, e.cfg.FlushInterval, e.flushWake, e.runFlush)
	go e.loop(ctx, e.cfg.PullInterval, e.pullWake, e.runPull)
}

// Stop cancels both loops and waits for any in-flight pass to return.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) loop(ctx context.Context, interval time.Duration, wake <-chan struct{}, pass func(context.Context)) {
	defer e.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
		pass(ctx)
		timer.Reset(interval)
	}
}

func (e *Engine) runFlush(ctx context.Context) {
	res, err := e.FlushOnce(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Printf("flush: %v", err)
	}
	if res.Dispatched > 0 || res.Failed > 0 {
		e.logger.Printf("flush: dispatched=%d failed=%d reconciled=%d", res.Dispatched, res.Failed, res.Reconciled)
	}
}

func (e *Engine) runPull(ctx context.Context) {
	res, err := e.PullOnce(ctx)
	if err != nil && ctx.Err() == nil {
		e.logger.Printf("pull: %v", err)
	}
	if res.Inserted > 0 || res.Updated > 0 {
		e.logger.Printf("pull: inserted=%d updated=%d", res.Inserted, res.Updated)
	}
}

// FlushOnce runs a single flush pass.
func (e *Engine) FlushOnce(ctx context.Context) (FlushResult, error) {
	e.pass.Lock()
	defer e.pass.Unlock()
	return e.flusher.Flush(ctx)
}

// PullOnce pulls the conversation list and then every watched conversation.
// A failing scope does not stop the others; its error is joined into the
// result.
func (e *Engine) PullOnce(ctx context.Context) (storage.PullResult, error) {
	e.pass.Lock()
	defer e.pass.Unlock()

	var (
		total storage.PullResult
		errs  []error
	)
	res, err := e.puller.PullConversations(ctx)
	merge(&total, res)
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range e.Watched() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := e.puller.PullMessages(ctx, id)
		merge(&total, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// PullScope runs one pull for a single scope key.
func (e *Engine) PullScope(ctx context.Context, scope string) (storage.PullResult, error) {
	e.pass.Lock()
	defer e.pass.Unlock()
	return e.puller.Pull(ctx, scope)
}

// TriggerFlush wakes the flush loop early. It never blocks.
func (e *Engine) TriggerFlush() { wakeUp(e.flushWake) }

// TriggerPull wakes the pull loop early. It never blocks.
func (e *Engine) TriggerPull() { wakeUp(e.pullWake) }

func wakeUp(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Watch adds a conversation to the set pulled every pass.
func (e *Engine) Watch(conversationID string) {
	if conversationID == "" {
		return
	}
	e.mu.Lock()
	e.watched[conversationID] = struct{}{}
	e.mu.Unlock()
	e.TriggerPull()
}

func (e *Engine) Unwatch(conversationID string) {
	e.mu.Lock()
	delete(e.watched, conversationID)
	e.mu.Unlock()
}

// Watched returns the watched conversation ids in sorted order.
func (e *Engine) Watched() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.watched))
	for id := range e.watched {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// rekeyWatch follows a watched conversation across reconciliation.
func (e *Engine) rekeyWatch(tempID, serverID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.watched[tempID]; !ok {
		return
	}
	delete(e.watched, tempID)
	e.watched[serverID] = struct{}{}
}
