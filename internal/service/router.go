package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/port/constraints"
	"github.com/Strob0t/Conductor/internal/port/registry"
)

// Router assigns subtasks to reasoning services.
type Router struct {
	registry registry.ServiceRegistry
	source   constraints.Source
	now      func() time.Time
}

// NewRouter creates a Router.
func NewRouter(reg registry.ServiceRegistry, source constraints.Source) *Router {
	return &Router{registry: reg, source: source, now: time.Now}
}

type candidate struct {
	svc       routing.ServiceDescriptor
	preferred bool
	priority  int
}

// Route selects a service for st. Only healthy candidates are eligible;
// routing rules may exclude or reorder them but never add any. When nothing
// remains the error wraps domain.ErrRoutingUnavailable.
func (r *Router) Route(ctx context.Context, st *plan.SubTask) (*routing.Decision, error) {
	svcs, err := r.registry.ListCandidates(ctx, st.Domain, st.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("list candidates for %s: %v: %w", st.ID, err, domain.ErrRoutingUnavailable)
	}

	cands := make([]*candidate, 0, len(svcs))
	byID := make(map[string]*candidate, len(svcs))
	for i := range svcs {
		if svcs[i].Health.Status != routing.HealthHealthy {
			continue
		}
		c := &candidate{svc: svcs[i]}
		cands = append(cands, c)
		byID[c.svc.ID] = c
	}

	var rules []routing.Rule
	if r.source != nil {
		rules = r.source.GetRoutingRules()
	}
	matched := 0
	excluded := make(map[string]bool)
	for i := range rules {
		rule := &rules[i]
		if !rule.Matches(st.Domain, st.Capabilities) {
			continue
		}
		c, ok := byID[rule.ServiceID]
		if !ok {
			continue
		}
		matched++
		switch rule.Action {
		case routing.ActionExclude:
			excluded[c.svc.ID] = true
		case routing.ActionPrefer:
			if !c.preferred || rule.Priority > c.priority {
				c.preferred, c.priority = true, rule.Priority
			}
		}
	}
	if len(excluded) > 0 {
		kept := cands[:0]
		for _, c := range cands {
			if !excluded[c.svc.ID] {
				kept = append(kept, c)
			}
		}
		cands = kept
	}

	if len(cands) == 0 {
		return nil, fmt.Errorf("subtask %s (domain %s): %d listed, none healthy and allowed: %w",
			st.ID, st.Domain, len(svcs), domain.ErrRoutingUnavailable)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.preferred != b.preferred {
			return a.preferred
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.svc.Generic != b.svc.Generic {
			return !a.svc.Generic
		}
		if a.svc.Health.LatencyMS != b.svc.Health.LatencyMS {
			return a.svc.Health.LatencyMS < b.svc.Health.LatencyMS
		}
		return a.svc.ID < b.svc.ID
	})

	chosen := cands[0]
	alternatives := make([]string, 0, len(cands)-1)
	for _, c := range cands[1:] {
		alternatives = append(alternatives, c.svc.ID)
	}

	return &routing.Decision{
		SubTaskID:    st.ID,
		ServiceID:    chosen.svc.ID,
		Alternatives: alternatives,
		Confidence:   routingConfidence(len(cands), &chosen.svc, chosen.preferred, matched),
		Rationale:    routingRationale(st, chosen, len(cands), matched),
		RulesMatched: matched,
		DecidedAt:    r.now().UTC(),
	}, nil
}

// RouteAll routes every pending subtask and records the assignment on it.
// A subtask with no eligible service gets an Unavailable decision instead of
// aborting the batch; the execution stage retries routing for it.
func (r *Router) RouteAll(ctx context.Context, subtasks []plan.SubTask) ([]routing.Decision, error) {
	decisions := make([]routing.Decision, 0, len(subtasks))
	for i := range subtasks {
		if err := ctx.Err(); err != nil {
			return decisions, fmt.Errorf("routing interrupted: %w", domain.ErrCancelled)
		}
		st := &subtasks[i]
		dec, err := r.Route(ctx, st)
		if err != nil {
			if !errors.Is(err, domain.ErrRoutingUnavailable) {
				return decisions, err
			}
			decisions = append(decisions, routing.Decision{
				SubTaskID:   st.ID,
				Unavailable: true,
				Rationale:   err.Error(),
				DecidedAt:   r.now().UTC(),
			})
			continue
		}
		st.AssignedService = dec.ServiceID
		decisions = append(decisions, *dec)
	}
	return decisions, nil
}

// routingConfidence combines candidate depth, the chosen service's health
// quality, and whether the choice is domain-specific or backed by a rule.
// One healthy, fast, domain-specific candidate scores 0.95.
func routingConfidence(remaining int, chosen *routing.ServiceDescriptor, preferred bool, matched int) float64 {
	depth := 1 - 0.5/float64(remaining+1)

	quality := 1.0
	if ms := chosen.Health.LatencyMS; ms > 1000 {
		quality = math.Max(0.7, 1-0.3*float64(ms-1000)/9000)
	}

	specificity := 1.0
	if chosen.Generic && !preferred && matched == 0 {
		specificity = 0.4
	}

	return confidence.Weighted(
		[]float64{depth, quality, specificity},
		[]float64{0.2, 0.5, 0.3},
	)
}

func routingRationale(st *plan.SubTask, chosen *candidate, remaining, matched int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "selected %s for domain %s from %d healthy candidate(s)", chosen.svc.ID, st.Domain, remaining)
	if chosen.preferred {
		fmt.Fprintf(&b, "; preferred by rule (priority %d)", chosen.priority)
	}
	if matched == 0 {
		b.WriteString("; no routing rule matched")
	}
	if chosen.svc.Generic {
		b.WriteString("; generic fallback service")
	}
	return b.String()
}
