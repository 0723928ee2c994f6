package opportunity

import (
	"context"
	"sync"
	"time"
)

// FetchFunc performs one upstream availability call.
type FetchFunc func(ctx context.Context) ([]Opportunity, error)

// Cache memoizes the last fetch per target for a short TTL and collapses
// concurrent fetches of the same target into a single upstream call.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready     chan struct{} // closed when the fetch settles
	opps      []Opportunity
	err       error
	fetchedAt time.Time
	done      bool
}

func NewCache(ttl time.Duration) *Cache {
	return NewCacheWithClock(ttl, time.Now)
}

func NewCacheWithClock(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]*entry)}
}

// GetOrFetch returns the cached opportunities for key, joining an
// in-flight fetch if one exists, or performing the fetch itself.
// Failed fetches are not cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) ([]Opportunity, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !e.done {
			c.mu.Unlock()
			select {
			case <-e.ready:
				return e.opps, e.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if e.err == nil && c.now().Sub(e.fetchedAt) < c.ttl {
			opps := e.opps
			c.mu.Unlock()
			return opps, nil
		}
	}

	e := &entry{ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	opps, err := fetch(ctx)

	c.mu.Lock()
	e.opps, e.err = opps, err
	e.fetchedAt = c.now()
	e.done = true
	close(e.ready)
	if err != nil && c.entries[key] == e {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	return opps, err
}

// Invalidate drops the cached entry for key so the next caller fetches
// fresh data. Used after a failed claim resolution to avoid reclaiming a
// stale opportunity.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.done {
		delete(c.entries, key)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
