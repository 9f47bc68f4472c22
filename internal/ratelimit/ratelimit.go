// Package ratelimit provides fixed-capacity token buckets keyed by caller
// identity. Chat requests pass through three independent scopes (ip, org,
// user) in order; each scope owns its own capacity and window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeOrg  Scope = "org"
	ScopeUser Scope = "user"
)

// BucketStore holds bucket state. The in-memory store is per-process;
// deployments needing a global ceiling swap in the Redis store without
// changing the TryConsume contract.
type BucketStore interface {
	Take(ctx context.Context, scope Scope, key string, capacity int, window time.Duration) (bool, error)
}

type ScopeConfig struct {
	Capacity int
	Window   time.Duration
}

type Limiter struct {
	store  BucketStore
	scopes map[Scope]ScopeConfig
}

func New(store BucketStore, scopes map[Scope]ScopeConfig) *Limiter {
	return &Limiter{store: store, scopes: scopes}
}

// TryConsume takes one token from the bucket for (scope, key). A request
// is admitted only while the bucket holds at least one token.
func (l *Limiter) TryConsume(ctx context.Context, scope Scope, key string) (bool, error) {
	cfg, ok := l.scopes[scope]
	if !ok {
		return false, fmt.Errorf("ratelimit: scope %q not configured", scope)
	}
	// Stores divide by the window when refilling; a zero or negative
	// window must never reach them.
	if cfg.Capacity <= 0 || cfg.Window <= 0 {
		return false, fmt.Errorf("ratelimit: scope %q misconfigured: capacity=%d window=%s", scope, cfg.Capacity, cfg.Window)
	}
	return l.store.Take(ctx, scope, key, cfg.Capacity, cfg.Window)
}

type bucket struct {
	tokens       int
	lastRefillAt time.Time
}

// MemoryStore keeps buckets in a process-local map. Buckets are created
// lazily at full capacity and never explicitly destroyed.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (s *MemoryStore) Take(ctx context.Context, scope Scope, key string, capacity int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := string(scope) + ":" + key

	b, ok := s.buckets[id]
	if !ok {
		b = &bucket{tokens: capacity, lastRefillAt: now}
		s.buckets[id] = b
	}

	elapsed := now.Sub(b.lastRefillAt)
	if elapsed > 0 {
		refill := int(int64(elapsed) * int64(capacity) / int64(window))
		if refill > 0 {
			b.tokens += refill
			if b.tokens > capacity {
				b.tokens = capacity
			}
			// Advance only on a nonzero refill so fractional windows
			// keep accumulating.
			b.lastRefillAt = now
		}
	}

	if b.tokens <= 0 {
		return false, nil
	}

	b.tokens--
	return true, nil
}
