// Package app keeps one chat workspace (store plus streaming controller)
// per signed-in user.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"bankchat/internal/backend"
	"bankchat/internal/chat"
	"bankchat/internal/model"
	"bankchat/internal/store"
)

// Loader reads a user's persisted sessions and messages.
type Loader interface {
	Load(ctx context.Context, userID string) ([]model.ChatSession, map[string][]model.ChatMessage, error)
}

type PersisterFactory func(userID string) store.Persister

type ChatOptions struct {
	MaxHistory    int
	StreamTimeout time.Duration
	Backend       backend.Options
}

type Workspace struct {
	UserID     string
	Store      *store.Store
	Controller *chat.Controller

	mu       sync.Mutex
	lastUsed time.Time
}

func (w *Workspace) touch(now time.Time) {
	w.mu.Lock()
	w.lastUsed = now
	w.mu.Unlock()
}

func (w *Workspace) idleSince() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsed
}

type Registry struct {
	transport  chat.Transport
	loader     Loader
	persisters PersisterFactory
	options    ChatOptions
	idleTTL    time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu         sync.Mutex
	workspaces map[string]*Workspace
	loads      singleflight.Group
}

type RegistryConfig struct {
	Transport  chat.Transport
	Loader     Loader
	Persisters PersisterFactory
	Options    ChatOptions
	IdleTTL    time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		transport:  cfg.Transport,
		loader:     cfg.Loader,
		persisters: cfg.Persisters,
		options:    cfg.Options,
		idleTTL:    cfg.IdleTTL,
		logger:     cfg.Logger,
		now:        cfg.Now,
		workspaces: make(map[string]*Workspace),
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Get returns the user's workspace, loading it from storage on first use.
func (r *Registry) Get(ctx context.Context, userID string) (*Workspace, error) {
	if ws := r.lookup(userID); ws != nil {
		ws.touch(r.now())
		return ws, nil
	}

	v, err, _ := r.loads.Do(userID, func() (interface{}, error) {
		if ws := r.lookup(userID); ws != nil {
			return ws, nil
		}
		ws, err := r.build(context.WithoutCancel(ctx), userID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.workspaces[userID] = ws
		r.mu.Unlock()
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	ws := v.(*Workspace)
	ws.touch(r.now())
	return ws, nil
}

func (r *Registry) lookup(userID string) *Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspaces[userID]
}

func (r *Registry) build(ctx context.Context, userID string) (*Workspace, error) {
	log := r.logger.With(zap.String("user_id", userID))
	opts := []store.Option{store.WithLogger(log)}
	if r.persisters != nil {
		opts = append(opts, store.WithPersister(r.persisters(userID)))
	}
	st := store.New(opts...)

	if r.loader != nil {
		sessions, messages, err := r.loader.Load(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load workspace failed: %w", err)
		}
		st.Hydrate(sessions, messages)
		if len(sessions) > 0 {
			st.SetCurrentSession(sessions[0].ID)
		}
		log.Info("workspace loaded", zap.Int("sessions", len(sessions)))
	}

	return &Workspace{
		UserID: userID,
		Store:  st,
		Controller: chat.NewController(chat.Config{
			Store:         st,
			Transport:     r.transport,
			Logger:        log,
			MaxHistory:    r.options.MaxHistory,
			StreamTimeout: r.options.StreamTimeout,
			Options:       r.options.Backend,
		}),
	}, nil
}

// Evict drops workspaces unused for longer than the idle TTL. Workspaces
// with an active stream are kept.
func (r *Registry) Evict() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for userID, ws := range r.workspaces {
		if ws.Controller.Busy() || ws.idleSince().After(cutoff) {
			continue
		}
		delete(r.workspaces, userID)
		evicted++
	}
	if evicted > 0 {
		r.logger.Info("idle workspaces evicted", zap.Int("count", evicted))
	}
	return evicted
}

// Run evicts idle workspaces periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.idleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := r.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Evict()
		}
	}
}

// Shutdown cancels every active stream.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ws := range r.workspaces {
		ws.Controller.Cancel()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workspaces)
}
