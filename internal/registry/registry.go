// Package registry implements the runner registry (C3): a short-TTL cache
// over the store's runner table, looked up either by runner id or by
// bearer token (the reverse index used by the auth middleware).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/kadeksuryam/e2epool/internal/models"
)

// Store is the subset of store.RunnerRepo the registry depends on.
type Store interface {
	GetByID(ctx context.Context, runnerID string) (*models.Runner, error)
	GetByToken(ctx context.Context, token string) (*models.Runner, error)
}

type entry struct {
	runner   models.Runner
	cachedAt time.Time
}

// Registry is a read-through cache with a short TTL (default 5 minutes,
// §4.3). LookupByToken never serves an inactive runner; Lookup by id
// returns and caches a runner whether it is active or not. It evicts an
// id's prior token mapping whenever a fresher row is loaded, so a rotated
// token stops resolving as soon as the cache turns over.
type Registry struct {
	store Store
	ttl   time.Duration

	mu        sync.RWMutex
	byID      map[string]entry
	byToken   map[string]string // token -> runner_id
}

// New builds a Registry reading through to store with the given TTL.
func New(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		store:   store,
		ttl:     ttl,
		byID:    make(map[string]entry),
		byToken: make(map[string]string),
	}
}

// Lookup resolves a runner by id, using the cache when fresh.
func (r *Registry) Lookup(ctx context.Context, runnerID string) (*models.Runner, error) {
	if rn, ok := r.cached(runnerID); ok {
		return &rn, nil
	}
	rn, err := r.store.GetByID(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	r.put(*rn)
	return rn, nil
}

// LookupByToken resolves a runner by bearer token, used by the auth
// middleware (§4.3). A cache miss falls through to the store; a stale
// cached token that no longer matches any active runner is treated as a
// miss too, so rotation takes effect within one TTL window even without
// an explicit invalidation.
func (r *Registry) LookupByToken(ctx context.Context, token string) (*models.Runner, error) {
	r.mu.RLock()
	runnerID, ok := r.byToken[token]
	r.mu.RUnlock()
	if ok {
		if rn, fresh := r.cached(runnerID); fresh && rn.Token == token && rn.IsActive {
			return &rn, nil
		}
	}
	rn, err := r.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	r.put(*rn)
	return rn, nil
}

// Invalidate evicts runnerID from the cache, for use after an admin-API
// mutation so the next lookup observes the change immediately.
func (r *Registry) Invalidate(runnerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[runnerID]; ok {
		delete(r.byToken, e.runner.Token)
	}
	delete(r.byID, runnerID)
}

func (r *Registry) cached(runnerID string) (models.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[runnerID]
	if !ok || time.Since(e.cachedAt) > r.ttl {
		return models.Runner{}, false
	}
	return e.runner, true
}

func (r *Registry) put(rn models.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byID[rn.RunnerID]; ok && old.runner.Token != rn.Token {
		delete(r.byToken, old.runner.Token)
	}
	r.byID[rn.RunnerID] = entry{runner: rn, cachedAt: time.Now()}
	r.byToken[rn.Token] = rn.RunnerID
}
