package memorystore

import (
	"context"
	"sync"
	"time"

	oidckit "github.com/open-rails/keykit/oidc"
)

// StateCache is an in-memory oidckit.StateCache with TTL support. It is
// only safe for single-process deployments.
type StateCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]stateEntry
}

type stateEntry struct {
	data    oidckit.StateData
	expires time.Time
}

// NewStateCache returns a StateCache whose Put applies defaultTTL whenever
// the caller passes ttl <= 0.
func NewStateCache(defaultTTL time.Duration) *StateCache {
	return &StateCache{ttl: defaultTTL, entries: map[string]stateEntry{}}
}

func (c *StateCache) Put(ctx context.Context, state string, data oidckit.StateData, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Abandoned logins are never read again; drop them on the next write.
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[state] = stateEntry{data: data, expires: now.Add(ttl)}
	return nil
}

func (c *StateCache) Get(ctx context.Context, state string) (oidckit.StateData, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[state]
	if !ok {
		return oidckit.StateData{}, false, nil
	}
	if time.Now().After(e.expires) {
		delete(c.entries, state)
		return oidckit.StateData{}, false, nil
	}
	return e.data, true, nil
}

func (c *StateCache) Del(ctx context.Context, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, state)
	return nil
}
