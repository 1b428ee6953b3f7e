package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/evermemory/ema/internal/observability"
	"github.com/evermemory/ema/pkg/agent"
	"github.com/evermemory/ema/pkg/scheduler"
	"github.com/evermemory/ema/pkg/session"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Factory creates the actor for (userID, actorID).
type Factory func(ctx context.Context, userID, actorID int64) (*Actor, error)

// Registry lazily creates actors and keeps the most recently used ones.
// An evicted actor is closed before Get can create its replacement, unless
// it is still in use (subscribers, queued inputs or a running execution):
// then it is retained and handed out again until it goes idle.
type Registry struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *Actor]
	retained map[string]*Actor
	purging  bool
	factory  Factory
}

func NewRegistry(size int, factory Factory) (*Registry, error) {
	r := &Registry{retained: make(map[string]*Actor), factory: factory}
	cache, err := lru.NewWithEvict[string, *Actor](size, r.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create actor cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// evicted runs inside cache calls, with r.mu held.
func (r *Registry) evicted(key string, a *Actor) {
	if r.purging {
		return
	}
	if a.InUse() {
		r.retained[key] = a
		log.Debug().Str("actor_key", key).Msg("Actor evicted while in use, retained")
		return
	}
	a.Close()
	log.Debug().Str("actor_key", key).Msg("Actor evicted")
}

// Get returns the actor for (userID, actorID), creating it on first use.
func (r *Registry) Get(ctx context.Context, userID, actorID int64) (*Actor, error) {
	key := Key(userID, actorID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.cache.Get(key); ok {
		return a, nil
	}
	r.sweep()
	if a, ok := r.retained[key]; ok {
		delete(r.retained, key)
		r.cache.Add(key, a)
		r.report()
		return a, nil
	}
	a, err := r.factory(ctx, userID, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to create actor %s: %w", key, err)
	}
	r.cache.Add(key, a)
	r.report()
	return a, nil
}

// sweep closes retained actors that are no longer in use. Callers hold r.mu.
func (r *Registry) sweep() {
	for key, a := range r.retained {
		if !a.InUse() {
			delete(r.retained, key)
			a.Close()
		}
	}
}

func (r *Registry) report() {
	observability.SetActiveActors(r.cache.Len() + len(r.retained))
}

// Peek returns the actor for (userID, actorID) if it is loaded.
func (r *Registry) Peek(userID, actorID int64) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(userID, actorID)
	if a, ok := r.cache.Peek(key); ok {
		return a, true
	}
	a, ok := r.retained[key]
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len() + len(r.retained)
}

// Reset closes every loaded actor. Later Gets create fresh actors.
func (r *Registry) Reset() {
	r.ResetDuring(func() error { return nil })
}

// ResetDuring closes every loaded actor, then runs fn before any new actor
// can be created. Use it around operations that rewrite the state actors
// are seeded from.
func (r *Registry) ResetDuring(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	actors := r.cache.Values()
	r.purging = true
	r.cache.Purge()
	r.purging = false
	for key, a := range r.retained {
		actors = append(actors, a)
		delete(r.retained, key)
	}
	for _, a := range actors {
		a.Close()
	}
	r.report()
	return fn()
}

// Close closes every loaded actor.
func (r *Registry) Close() {
	r.Reset()
}

// SessionFactoryConfig configures actors backed by persisted sessions.
type SessionFactoryConfig struct {
	Scheduler    *scheduler.Scheduler
	Sessions     *session.Manager
	SystemPrompt string
	// HistoryLimit bounds both the seeded history and the history sent to
	// the backend. Zero means unbounded.
	HistoryLimit int
	// Limiter, when set, throttles each actor's executions.
	Limiter agent.Limiter
	Logger  *zerolog.Logger
}

// SessionFactory creates actors whose agent is seeded from the actor's
// session history and whose new messages are persisted back to it.
func SessionFactory(cfg SessionFactoryConfig) Factory {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return func(ctx context.Context, userID, actorID int64) (*Actor, error) {
		key := Key(userID, actorID)
		history, err := cfg.Sessions.History(ctx, key, cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}

		middleware := []agent.StateCallback{agent.Logging(logger)}
		if cfg.Limiter != nil {
			middleware = append(middleware, agent.RateLimit(cfg.Limiter, key))
		}
		middleware = append(middleware,
			agent.TrimHistory(cfg.HistoryLimit),
			session.Persist(cfg.Sessions, key),
		)

		return New(Config{
			ID:         actorID,
			UserID:     userID,
			Scheduler:  cfg.Scheduler,
			State:      agent.State{SystemPrompt: cfg.SystemPrompt, Messages: history},
			Middleware: middleware,
			Logger:     &logger,
		})
	}
}
