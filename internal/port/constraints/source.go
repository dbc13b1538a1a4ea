// Package constraints defines the port for the declarative constraint model:
// thresholds, retry policy, routing and resolution rules, and the domain
// catalogue. Implementations may hot-reload; callers must read values on every
// use instead of caching them.
package constraints

import (
	"time"

	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
)

// Well-known constraint keys.
const (
	KeyConfidenceThreshold = "confidence.threshold"
	KeyRetryMaxAttempts    = "retry.max_attempts"
	KeyRetryBaseDelay      = "retry.base_delay"
	KeyRetryMultiplier     = "retry.multiplier"
	KeyCallTimeout         = "execution.call_timeout"

	KeyDecompClarityWeight     = "confidence.decomposition.clarity_weight"
	KeyDecompCoverageWeight    = "confidence.decomposition.coverage_weight"
	KeyDecompFeasibilityWeight = "confidence.decomposition.feasibility_weight"

	KeySynthAdjudicationWeight = "confidence.synthesis.adjudication_weight"
	KeySynthSuccessWeight      = "confidence.synthesis.success_weight"
	KeySynthRoutingWeight      = "confidence.synthesis.routing_weight"
)

// DomainInfo is one entry of the domain catalogue offered to the reasoner.
type DomainInfo struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities"`
	Keywords     []string `json:"keywords,omitempty" yaml:"keywords"`
}

// Source is the read-only view of the constraint model.
type Source interface {
	// GetValue returns the raw value for key, or def if unset.
	GetValue(key string, def any) any

	// GetFloat returns a numeric value for key, or def if unset or not numeric.
	GetFloat(key string, def float64) float64

	// GetDuration returns a duration for key, or def if unset or unparsable.
	GetDuration(key string, def time.Duration) time.Duration

	// GetRoutingRules returns the ordered routing rule list.
	GetRoutingRules() []routing.Rule

	// GetResolutionRules returns the conflict resolution rules.
	GetResolutionRules() []synthesis.ResolutionRule

	// GetConfidenceThreshold returns the escalation threshold.
	GetConfidenceThreshold() float64

	// DomainCatalogue returns the known domains and their capabilities.
	DomainCatalogue() []DomainInfo
}
