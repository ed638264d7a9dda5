package provider

import (
	"context"
	"sync"
	"time"
)

// Source says where a cached read came from.
type Source string

const (
	SourceFresh  Source = "fresh"
	SourceCached Source = "cached"
	SourceStale  Source = "stale"
)

// Result is one cache read.
type Result[T any] struct {
	Value     T
	Source    Source
	FetchedAt time.Time
	// FetchErr is the upstream error that forced a stale read.
	FetchErr error
}

// Cache holds a single value with a TTL. Misses are fetched while holding the
// lock, so concurrent readers of an expired entry trigger one upstream call.
type Cache[T any] struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu        sync.Mutex
	value     T
	fetchedAt time.Time
	valid     bool
}

// NewCache creates an empty cache. fetchTimeout bounds every upstream call.
func NewCache[T any](ttl, fetchTimeout time.Duration) *Cache[T] {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 15 * time.Second
	}
	return &Cache[T]{ttl: ttl, fetchTimeout: fetchTimeout, now: time.Now}
}

// Get returns the cached value while it is within TTL unless forceFresh is set.
// Otherwise it fetches; on fetch failure a previous value, however old, is
// returned with SourceStale. An error is returned only when nothing is cached.
func (c *Cache[T]) Get(ctx context.Context, forceFresh bool, fetch func(context.Context) (T, error)) (Result[T], error) {
	requested := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid {
		age := c.now().Sub(c.fetchedAt)
		// Another caller refreshed while we waited for the lock.
		if forceFresh && c.fetchedAt.After(requested) {
			return Result[T]{Value: c.value, Source: SourceFresh, FetchedAt: c.fetchedAt}, nil
		}
		if !forceFresh && age < c.ttl {
			return Result[T]{Value: c.value, Source: SourceCached, FetchedAt: c.fetchedAt}, nil
		}
	}

	fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	v, err := fetch(fctx)
	if err != nil {
		if c.valid {
			return Result[T]{Value: c.value, Source: SourceStale, FetchedAt: c.fetchedAt, FetchErr: err}, nil
		}
		var zero T
		return Result[T]{Value: zero}, err
	}

	c.value = v
	c.fetchedAt = c.now()
	c.valid = true
	return Result[T]{Value: v, Source: SourceFresh, FetchedAt: c.fetchedAt}, nil
}

// Invalidate drops the cached value. The next read always goes upstream and
// a pre-invalidation value is never served as stale.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.valid = false
}
