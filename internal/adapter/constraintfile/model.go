// Package constraintfile implements the constraint model source on a YAML file,
// with optional hot reload through fsnotify.
package constraintfile

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/port/constraints"
)

// document is the typed part of the constraint file. Everything else is
// reachable through dotted keys, e.g. "retry.base_delay".
type document struct {
	RoutingRules    []routing.Rule             `yaml:"routing_rules"`
	ResolutionRules []synthesis.ResolutionRule `yaml:"resolution_rules"`
	Domains         []constraints.DomainInfo   `yaml:"domains"`
}

// Model is one immutable parsed snapshot of the constraint file.
type Model struct {
	values          map[string]any
	routingRules    []routing.Rule
	resolutionRules []synthesis.ResolutionRule
	domains         []constraints.DomainInfo
}

// Parse decodes and validates a constraint document.
func Parse(data []byte) (*Model, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse constraints: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse constraints: %w", err)
	}

	m := &Model{
		values:          make(map[string]any),
		routingRules:    doc.RoutingRules,
		resolutionRules: doc.ResolutionRules,
		domains:         doc.Domains,
	}
	flatten("", raw, m.values)

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewModel builds a Model directly, for embedding and tests. values uses
// dotted keys.
func NewModel(values map[string]any, rules []routing.Rule, resolution []synthesis.ResolutionRule, domains []constraints.DomainInfo) (*Model, error) {
	m := &Model{
		values:          make(map[string]any, len(values)),
		routingRules:    rules,
		resolutionRules: resolution,
		domains:         domains,
	}
	for k, v := range values {
		m.values[k] = v
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Summary counts what a model declares.
type Summary struct {
	Values          int      `json:"values"`
	RoutingRules    int      `json:"routing_rules"`
	ResolutionRules int      `json:"resolution_rules"`
	Domains         []string `json:"domains"`
	Threshold       float64  `json:"confidence_threshold"`
}

// Summarize reports the model's contents, using def when no threshold is set.
func (m *Model) Summarize(def float64) Summary {
	s := Summary{
		Values:          len(m.values),
		RoutingRules:    len(m.routingRules),
		ResolutionRules: len(m.resolutionRules),
		Domains:         make([]string, 0, len(m.domains)),
		Threshold:       m.threshold(def),
	}
	for _, d := range m.domains {
		s.Domains = append(s.Domains, d.ID)
	}
	return s
}

func (m *Model) validate() error {
	for i := range m.routingRules {
		if !m.routingRules[i].Valid() {
			return fmt.Errorf("routing_rules[%d]: needs service_id and action prefer|exclude", i)
		}
	}
	for i, r := range m.resolutionRules {
		if r.Winner == "" || r.Loser == "" || r.Winner == r.Loser {
			return fmt.Errorf("resolution_rules[%d]: winner and loser must be distinct domains", i)
		}
	}
	seen := make(map[string]bool, len(m.domains))
	for i, d := range m.domains {
		if d.ID == "" {
			return fmt.Errorf("domains[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("domains[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
	}
	if v, ok := m.values[constraints.KeyConfidenceThreshold]; ok {
		f, ok := toFloat(v)
		if !ok || f < 0 || f > 1 {
			return errors.New("confidence.threshold must be a number within [0, 1]")
		}
	}
	if v, ok := m.values[constraints.KeyRetryMaxAttempts]; ok {
		f, ok := toFloat(v)
		if !ok || f < 1 || f > 3 {
			return errors.New("retry.max_attempts must be between 1 and 3")
		}
	}
	if _, ok := m.values[constraints.KeyRetryBaseDelay]; ok {
		if d := m.getDuration(constraints.KeyRetryBaseDelay, 0); d < time.Second {
			return errors.New("retry.base_delay must be a duration of at least 1s")
		}
	}
	if v, ok := m.values[constraints.KeyRetryMultiplier]; ok {
		if f, ok := toFloat(v); !ok || f < 2 {
			return errors.New("retry.multiplier must be a number >= 2")
		}
	}
	return nil
}

// value lookups, shared by File and Static.

func (m *Model) getValue(key string, def any) any {
	if v, ok := m.values[key]; ok {
		return v
	}
	return def
}

func (m *Model) getFloat(key string, def float64) float64 {
	if f, ok := toFloat(m.values[key]); ok {
		return f
	}
	return def
}

func (m *Model) getDuration(key string, def time.Duration) time.Duration {
	switch v := m.values[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

func (m *Model) threshold(def float64) float64 {
	return confidence.Clamp(m.getFloat(constraints.KeyConfidenceThreshold, def))
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
