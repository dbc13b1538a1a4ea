package service

import (
	"time"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/port/constraints"
	"github.com/Strob0t/Conductor/internal/resilience"
)

// maxAttemptsCap bounds attempts against a single service regardless of
// configuration.
const maxAttemptsCap = 3

// policy resolves tunables on every call: the constraint model when it sets a
// value, otherwise the static configuration default.
type policy struct {
	source constraints.Source
	cfg    *config.Orchestrator
}

func (p policy) threshold() float64 {
	if p.source == nil {
		return p.defaultThreshold()
	}
	return confidence.Clamp(p.source.GetConfidenceThreshold())
}

func (p policy) defaultThreshold() float64 {
	if p.cfg == nil || p.cfg.ConfidenceThreshold <= 0 {
		return confidence.DefaultThreshold
	}
	return p.cfg.ConfidenceThreshold
}

func (p policy) maxAttempts() int {
	def := maxAttemptsCap
	if p.cfg != nil && p.cfg.MaxAttempts > 0 {
		def = p.cfg.MaxAttempts
	}
	n := int(p.float(constraints.KeyRetryMaxAttempts, float64(def)))
	return min(max(n, 1), maxAttemptsCap)
}

func (p policy) backoff() resilience.Backoff {
	base, mult := resilience.MinBaseDelay, resilience.MinMultiplier
	if p.cfg != nil {
		if p.cfg.BaseDelay > 0 {
			base = p.cfg.BaseDelay
		}
		if p.cfg.BackoffMultiplier > 0 {
			mult = p.cfg.BackoffMultiplier
		}
	}
	return resilience.Backoff{
		Base:       p.duration(constraints.KeyRetryBaseDelay, base),
		Multiplier: p.float(constraints.KeyRetryMultiplier, mult),
	}.AtLeastFloor()
}

func (p policy) callTimeout() time.Duration {
	def := 30 * time.Second
	if p.cfg != nil && p.cfg.CallTimeout > 0 {
		def = p.cfg.CallTimeout
	}
	return p.duration(constraints.KeyCallTimeout, def)
}

func (p policy) reasonerTimeout() time.Duration {
	if p.cfg != nil && p.cfg.ReasonerTimeout > 0 {
		return p.cfg.ReasonerTimeout
	}
	return time.Minute
}

func (p policy) maxParallel() int {
	if p.cfg != nil && p.cfg.MaxParallel > 0 {
		return p.cfg.MaxParallel
	}
	return 4
}

func (p policy) float(key string, def float64) float64 {
	if p.source == nil {
		return def
	}
	return p.source.GetFloat(key, def)
}

func (p policy) duration(key string, def time.Duration) time.Duration {
	if p.source == nil {
		return def
	}
	return p.source.GetDuration(key, def)
}
