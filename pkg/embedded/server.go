// Package embedded runs the intersync engine and its local API in-process.
package embedded

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mistakeknot/intersync/client"
	"github.com/mistakeknot/intersync/internal/auth"
	"github.com/mistakeknot/intersync/internal/config"
	httpapi "github.com/mistakeknot/intersync/internal/http"
	"github.com/mistakeknot/intersync/internal/server"
	"github.com/mistakeknot/intersync/internal/storage/sqlite"
	"github.com/mistakeknot/intersync/internal/syncer"
	"github.com/mistakeknot/intersync/internal/ws"
)

const shutdownGrace = 5 * time.Second

// Server is an embedded intersync node: the local store, the sync engine,
// and the local API with its event stream.
type Server struct {
	cfg    config.Config
	logger *log.Logger
	store  *sqlite.ResilientStore
	hub    *ws.Hub
	engine *syncer.Engine
	api    *server.Server
	feed   *client.ChangeFeed

	mu      sync.Mutex
	started bool
	done    chan error
}

type Option func(*options)

type options struct {
	remote syncer.Remote
	logger *log.Logger
}

// WithRemote replaces the RPC client built from the config.
func WithRemote(r syncer.Remote) Option {
	return func(o *options) { o.remote = r }
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New opens the store and builds the engine. Nothing listens or syncs until
// Start.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.New(os.Stderr, "[intersync] ", log.LstdFlags)
	}

	inner, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(inner)

	remote := o.remote
	if remote == nil {
		var copts []client.Option
		if cfg.Remote.APIKey != "" {
			copts = append(copts, client.WithAPIKey(cfg.Remote.APIKey))
		}
		copts = append(copts, client.WithTimeout(cfg.Remote.Timeout))
		remote = syncer.NewRemote(client.New(cfg.Remote.URL, copts...))
	}

	hub := ws.NewHub()
	engine := syncer.NewEngine(store, remote, syncer.Config{
		FlushInterval: cfg.Sync.FlushInterval,
		PullInterval:  cfg.Sync.PullInterval,
		PullLimit:     cfg.Sync.PullLimit,
		SelfID:        cfg.Sync.UserID,
		Watch:         cfg.Sync.Watch,
		Logger:        o.logger,
		Broadcaster:   hub,
	})

	s := &Server{
		cfg:    cfg,
		logger: o.logger,
		store:  store,
		hub:    hub,
		engine: engine,
	}
	if cfg.Remote.Events && o.remote == nil && cfg.Remote.URL != "" {
		var fopts []client.FeedOption
		if cfg.Remote.APIKey != "" {
			fopts = append(fopts, client.WithFeedAPIKey(cfg.Remote.APIKey))
		}
		s.feed = client.NewChangeFeed(cfg.Remote.URL, fopts...)
		s.feed.OnChange(func(client.ChangeEvent) { engine.TriggerPull() })
	}
	return s, nil
}

// Start binds the local API, starts the sync loops and, when configured,
// subscribes to the remote change feed.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	keyring := auth.NewKeyring(s.cfg.HTTP.LocalhostBypass(), s.cfg.HTTP.Keys)
	svc := httpapi.NewService(s.engine).WithLogger(s.logger)
	router := httpapi.NewRouter(svc, s.hub.Handler(), auth.Middleware(keyring))
	api, err := server.New(server.Config{Addr: s.cfg.HTTP.Addr, SocketPath: s.cfg.HTTP.Socket, Handler: router})
	if err != nil {
		return fmt.Errorf("local api: %w", err)
	}
	s.api = api
	s.done = make(chan error, 1)
	go func() {
		err := api.Start()
		if err != nil {
			s.logger.Printf("local api: %v", err)
		}
		s.done <- err
	}()

	s.engine.Start(ctx)
	if s.feed != nil {
		if err := s.feed.Connect(ctx); err != nil {
			// Polling still runs; the feed only pulls earlier.
			s.logger.Printf("change feed: %v", err)
		}
	}
	s.started = true
	s.logger.Printf("serving local api addr=%s socket=%s", api.Addr(), api.SocketPath())
	return nil
}

// Run starts the node and blocks until ctx is done or the local API fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.done:
	}
	if err := s.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop shuts down the local API and the sync loops. The store stays open
// until Close.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	var firstErr error
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			firstErr = err
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.api.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.engine.Stop()
	return firstErr
}

// Close stops the node if running and closes the store.
func (s *Server) Close() error {
	stopErr := s.Stop()
	if err := s.store.Close(); err != nil {
		return err
	}
	return stopErr
}

func (s *Server) Engine() *syncer.Engine {
	return s.engine
}

// Store returns the underlying store for direct access if needed
func (s *Server) Store() *sqlite.ResilientStore {
	return s.store
}

// Addr returns the bound local API address, empty before Start or when only
// a socket is served.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil {
		return ""
	}
	return s.api.Addr()
}

// URL returns the base URL of the local API
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}
