package resilience

import (
	"sort"
	"sync"
	"time"
)

// BreakerSet lazily creates one Breaker per key, so a failing remote service
// trips only its own circuit.
type BreakerSet struct {
	mu          sync.Mutex
	breakers    map[string]*Breaker
	maxFailures int
	timeout     time.Duration
	now         func() time.Time
}

// NewBreakerSet creates a set whose breakers share the given thresholds.
func NewBreakerSet(maxFailures int, timeout time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:    make(map[string]*Breaker),
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Get returns the breaker for key, creating it on first use.
func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[key]; ok {
		return b
	}
	b := NewBreaker(s.maxFailures, s.timeout)
	b.now = s.now
	s.breakers[key] = b
	return b
}

// States returns the current state of every breaker, keyed by name.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.breakers))
	for k := range s.breakers {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = s.Get(k).State()
	}
	return out
}
