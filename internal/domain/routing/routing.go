// Package routing defines the service descriptors, declarative routing rules and
// routing decisions used to assign subtasks to reasoning services.
package routing

import (
	"slices"
	"time"
)

// HealthStatus is the live health of a reasoning service.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Health is a point-in-time health observation for one service.
type Health struct {
	Status    HealthStatus `json:"status"`
	LatencyMS int64        `json:"latency_ms"`
	CheckedAt time.Time    `json:"checked_at"`
	Error     string       `json:"error,omitempty"`
}

// ServiceDescriptor describes one remote reasoning service.
type ServiceDescriptor struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Domains      []string          `json:"domains" yaml:"domains"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	Endpoint     string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Transport    string            `json:"transport" yaml:"transport"` // e.g. "http", "local"
	Timeout      time.Duration     `json:"timeout,omitempty" yaml:"timeout"`
	Generic      bool              `json:"generic,omitempty" yaml:"generic"` // catch-all fallback for any domain
	Enabled      *bool             `json:"enabled,omitempty" yaml:"enabled"` // nil means enabled
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata"`
	Health       Health            `json:"health" yaml:"-"`
}

// IsEnabled reports whether the service may be listed. Services are enabled
// unless explicitly switched off.
func (s *ServiceDescriptor) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ServesDomain reports whether the service is tagged with the domain, or is a
// generic fallback.
func (s *ServiceDescriptor) ServesDomain(domain string) bool {
	return s.Generic || slices.Contains(s.Domains, domain)
}

// HasCapabilities reports whether the service's capability tags are a superset
// of required.
func (s *ServiceDescriptor) HasCapabilities(required []string) bool {
	for _, c := range required {
		if !slices.Contains(s.Capabilities, c) {
			return false
		}
	}
	return true
}

// Action is what a routing rule does to matching candidates.
type Action string

const (
	ActionPrefer  Action = "prefer"
	ActionExclude Action = "exclude"
)

// Rule is one ordered preference rule from the constraint model. Rules only
// reorder or exclude candidates; they never introduce new ones.
type Rule struct {
	Domain     string `json:"domain" yaml:"domain"`
	Capability string `json:"capability,omitempty" yaml:"capability"` // empty matches any subtask
	ServiceID  string `json:"service_id" yaml:"service_id"`
	Action     Action `json:"action" yaml:"action"`
	Priority   int    `json:"priority" yaml:"priority"`
}

// Matches reports whether the rule applies to a subtask with this domain and
// capability set.
func (r *Rule) Matches(domain string, capabilities []string) bool {
	if r.Domain != "" && r.Domain != "*" && r.Domain != domain {
		return false
	}
	if r.Capability != "" && !slices.Contains(capabilities, r.Capability) {
		return false
	}
	return true
}

// Valid reports whether the rule has a known action and a target service.
func (r *Rule) Valid() bool {
	return r.ServiceID != "" && (r.Action == ActionPrefer || r.Action == ActionExclude)
}

// Decision is the chosen service for one subtask.
type Decision struct {
	SubTaskID    string    `json:"subtask_id"`
	ServiceID    string    `json:"service_id"`
	Alternatives []string  `json:"alternatives,omitempty"`
	Confidence   float64   `json:"confidence"`
	Rationale    string    `json:"rationale"`
	RulesMatched int       `json:"rules_matched"`
	Unavailable  bool      `json:"unavailable,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}
