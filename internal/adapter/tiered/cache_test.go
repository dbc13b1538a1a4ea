package tiered_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/tiered"
	"github.com/Strob0t/Conductor/internal/port/cache/cachetest"
)

// mapCache is a minimal in-memory cache.Cache for exercising both tiers.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func TestTieredCompliance(t *testing.T) {
	cachetest.RunComplianceTests(t, tiered.New(newMapCache(), newMapCache(), time.Minute))
}

func TestTieredL1Only(t *testing.T) {
	cachetest.RunComplianceTests(t, tiered.New(newMapCache(), nil, time.Minute))
}

func TestTieredBackfillAndStats(t *testing.T) {
	ctx := context.Background()
	l1, l2 := newMapCache(), newMapCache()
	c := tiered.New(l1, l2, time.Minute)

	_ = l2.Set(ctx, "svc:legal-a", []byte(`{"status":"healthy"}`), time.Minute)

	if _, found, _ := c.Get(ctx, "svc:legal-a"); !found {
		t.Fatal("expected L2 hit")
	}
	if _, found, _ := l1.Get(ctx, "svc:legal-a"); !found {
		t.Fatal("expected L1 backfill after L2 hit")
	}

	l2Gets := l2.gets
	if _, found, _ := c.Get(ctx, "svc:legal-a"); !found {
		t.Fatal("expected L1 hit")
	}
	if l2.gets != l2Gets {
		t.Fatal("L1 hit must not consult L2")
	}

	_, _, _ = c.Get(ctx, "svc:missing")

	st := c.Stats()
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("expected 2 hits 1 miss, got %+v", st)
	}
	if r := st.HitRate(); r < 0.66 || r > 0.67 {
		t.Fatalf("expected hit rate ~0.667, got %v", r)
	}
}
