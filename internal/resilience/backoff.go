package resilience

import (
	"context"
	"math"
	"time"
)

// Backoff is an exponential delay schedule: Base, Base*Multiplier,
// Base*Multiplier^2, and so on.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
}

// The retry schedule never waits less than 1s, 2s, 4s between attempts.
const (
	MinBaseDelay  = time.Second
	MinMultiplier = 2.0
)

// AtLeastFloor raises Base and Multiplier to MinBaseDelay and MinMultiplier.
// Larger values are kept.
func (b Backoff) AtLeastFloor() Backoff {
	b.Base = max(b.Base, MinBaseDelay)
	b.Multiplier = max(b.Multiplier, MinMultiplier)
	return b
}

// Delay returns the wait before retry number n (1-based). Delay(1) is Base.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 || b.Base <= 0 {
		return 0
	}
	m := b.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(b.Base) * math.Pow(m, float64(n-1)))
}

// Schedule returns the first n delays.
func (b Backoff) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
