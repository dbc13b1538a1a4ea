// Package ristretto implements the cache port on dgraph-io/ristretto, the
// in-process L1 in front of the shared NATS KV level.
package ristretto

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/Conductor/internal/port/cache"
)

// ErrRejected is returned when the admission policy refuses an entry. The
// caller still has the value; the next lookup is simply a miss.
var ErrRejected = errors.New("ristretto: entry rejected")

// Cache holds health observations and idempotency replays in process. Values
// are copied on the way in, so callers may reuse their buffers.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache bounded by maxCostBytes of stored values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes <= 0 {
		return nil, fmt.Errorf("ristretto: max cost must be positive, got %d", maxCostBytes)
	}
	counters := maxCostBytes / 100 * 10 // ~10x expected items
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value. Expired entries are misses.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a copy of value for ttl (0 keeps it until evicted). It waits for
// the write buffer to flush so a following Get observes the value.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := append([]byte(nil), value...)
	accepted := c.c.SetWithTTL(key, v, int64(len(v)), ttl)
	c.c.Wait()
	if !accepted {
		return fmt.Errorf("%w: %s", ErrRejected, key)
	}
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Stats reports lookups observed by ristretto itself.
func (c *Cache) Stats() cache.Stats {
	m := c.c.Metrics
	return cache.Stats{Hits: int64(m.Hits()), Misses: int64(m.Misses())}
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
