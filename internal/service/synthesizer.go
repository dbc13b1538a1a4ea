package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/port/constraints"
	"github.com/Strob0t/Conductor/internal/port/reasoner"
)

// Synthesizer merges subtask results into one response. Declared slots that
// received different values are conflicts; they are settled by resolution
// rules first and by a single batched reasoner call otherwise.
type Synthesizer struct {
	reasoner reasoner.Reasoner
	source   constraints.Source
	pol      policy
	now      func() time.Time
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(r reasoner.Reasoner, source constraints.Source, cfg *config.Orchestrator) *Synthesizer {
	return &Synthesizer{
		reasoner: r,
		source:   source,
		pol:      policy{source: source, cfg: cfg},
		now:      time.Now,
	}
}

// Synthesize combines the successful results of report. It fails with
// ErrSynthesisFailure only when no subtask succeeded; failed and skipped
// subtasks are listed as missing aspects on an incomplete response.
func (s *Synthesizer) Synthesize(ctx context.Context, t *task.OrchestratorTask, report *ExecutionReport) (*synthesis.SynthesizedResponse, error) {
	if report == nil {
		return nil, fmt.Errorf("synthesize: nil report: %w", domain.ErrSynthesisFailure)
	}
	succeeded := report.Succeeded()
	if len(succeeded) == 0 {
		return nil, fmt.Errorf("synthesize: none of %d subtasks succeeded: %w", len(report.SubTasks), domain.ErrSynthesisFailure)
	}

	byID := make(map[string]*plan.SubTask, len(report.SubTasks))
	for i := range report.SubTasks {
		byID[report.SubTasks[i].ID] = &report.SubTasks[i]
	}

	m := newMerge(succeeded, byID)
	conflicts := m.conflicts()

	rules := s.resolutionRules()
	var open []int
	for i := range conflicts {
		if !resolveByRule(&conflicts[i], rules) {
			open = append(open, i)
		}
	}

	summary := ""
	if len(open) > 0 {
		var err error
		if summary, err = s.adjudicate(ctx, t, conflicts, open, succeeded); err != nil {
			return nil, err
		}
	}
	for i := range conflicts {
		m.settle(&conflicts[i])
	}

	resp := &synthesis.SynthesizedResponse{
		TaskID:    t.ID,
		Payload:   m.payload,
		Summary:   summary,
		Results:   slices.Clone(report.Results),
		Conflicts: conflicts,
		CreatedAt: s.now().UTC(),
	}
	resp.Provenance = m.provenance(conflicts)

	for i := range report.SubTasks {
		st := &report.SubTasks[i]
		if st.Status == plan.SubTaskSucceeded {
			continue
		}
		resp.Missing = append(resp.Missing, synthesis.MissingAspect{
			SubTaskID: st.ID,
			Domain:    st.Domain,
			Status:    string(st.Status),
			Reason:    st.Error,
		})
	}
	resp.Incomplete = len(resp.Missing) > 0
	if resp.Summary == "" {
		resp.Summary = defaultSummary(len(succeeded), len(report.SubTasks), len(conflicts), resp.MissingDomains())
	}

	adjudicated := adjudicatedFraction(conflicts)
	success := float64(len(succeeded)) / float64(max(len(report.SubTasks), 1))
	routed := meanRoutingConfidence(report, succeeded)
	weights := []float64{
		s.pol.float(constraints.KeySynthAdjudicationWeight, 0.4),
		s.pol.float(constraints.KeySynthSuccessWeight, 0.3),
		s.pol.float(constraints.KeySynthRoutingWeight, 0.3),
	}
	resp.Confidence = confidence.Weighted([]float64{1 - adjudicated, success, routed}, weights)
	resp.Coherence = confidence.Weighted([]float64{1 - adjudicated, 1, routed}, weights)

	return resp, nil
}

func (s *Synthesizer) resolutionRules() []synthesis.ResolutionRule {
	if s.source == nil {
		return nil
	}
	return s.source.GetResolutionRules()
}

// adjudicate asks the reasoner to settle the open conflicts in one call.
// Anything it leaves unsettled, or settles with an unknown winner, falls back
// to the earliest candidate. It returns the reasoner's summary, if any.
// Running out of the reasoner timeout fails the stage; other reasoner errors
// fall back to the earliest candidate.
func (s *Synthesizer) adjudicate(ctx context.Context, t *task.OrchestratorTask, conflicts []synthesis.Conflict, open []int, results []synthesis.TaskResult) (string, error) {
	if s.reasoner == nil {
		for _, i := range open {
			resolveByDefault(&conflicts[i], "no reasoner configured")
		}
		return "", nil
	}

	req := &reasoner.SynthesizeRequest{Task: t.Request, Results: results}
	for _, i := range open {
		req.Conflicts = append(req.Conflicts, conflicts[i])
	}

	timeout := s.pol.reasonerTimeout()
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := s.reasoner.Synthesize(rctx, req)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("synthesize: adjudication of %d conflicts exceeded %s: %v: %w",
				len(open), timeout, err, domain.ErrSynthesisFailure)
		}
		slog.Warn("conflict adjudication failed", "task_id", t.ID, "conflicts", len(open), "error", err)
		for _, i := range open {
			resolveByDefault(&conflicts[i], "adjudication unavailable: "+err.Error())
		}
		return "", nil
	}

	verdicts := make(map[string]reasoner.Adjudication, len(reply.Adjudications))
	for _, a := range reply.Adjudications {
		if _, seen := verdicts[a.Slot]; !seen {
			verdicts[a.Slot] = a
		}
	}
	for _, i := range open {
		c := &conflicts[i]
		v, ok := verdicts[c.Slot]
		if !ok {
			resolveByDefault(c, "reasoner returned no verdict")
			continue
		}
		cand := candidateBySubTask(c, v.Winner)
		if cand == nil {
			resolveByDefault(c, fmt.Sprintf("reasoner chose unknown subtask %q", v.Winner))
			continue
		}
		c.Winner = cand.SubTaskID
		c.Value = cand.Value
		c.ResolvedBy = synthesis.ResolvedByReasoner
		c.Rationale = v.Rationale
	}
	return reply.Summary, nil
}

// resolveByRule settles c when one candidate's domain outranks the domain of
// every candidate holding a different value.
func resolveByRule(c *synthesis.Conflict, rules []synthesis.ResolutionRule) bool {
	for _, cand := range c.Candidates {
		wins := true
		for _, other := range c.Candidates {
			if reflect.DeepEqual(cand.Value, other.Value) {
				continue
			}
			if !outranks(rules, c.Slot, cand.Domain, other.Domain) {
				wins = false
				break
			}
		}
		if wins {
			c.Winner = cand.SubTaskID
			c.Value = cand.Value
			c.ResolvedBy = synthesis.ResolvedByRule
			c.Rationale = fmt.Sprintf("domain %s outranks the other candidates for %s", cand.Domain, c.Slot)
			return true
		}
	}
	return false
}

func outranks(rules []synthesis.ResolutionRule, slot, winner, loser string) bool {
	for _, r := range rules {
		if r.Slot != "" && r.Slot != slot {
			continue
		}
		if strings.EqualFold(r.Winner, winner) && strings.EqualFold(r.Loser, loser) {
			return true
		}
	}
	return false
}

func resolveByDefault(c *synthesis.Conflict, reason string) {
	first := c.Candidates[0]
	c.Winner = first.SubTaskID
	c.Value = first.Value
	c.ResolvedBy = synthesis.ResolvedByDefault
	c.Rationale = reason + "; kept earliest result"
}

func candidateBySubTask(c *synthesis.Conflict, subtaskID string) *synthesis.ConflictCandidate {
	for i := range c.Candidates {
		if c.Candidates[i].SubTaskID == subtaskID {
			return &c.Candidates[i]
		}
	}
	return nil
}

// adjudicatedFraction is the share of conflicts that no rule could settle.
func adjudicatedFraction(conflicts []synthesis.Conflict) float64 {
	if len(conflicts) == 0 {
		return 0
	}
	n := 0
	for _, c := range conflicts {
		if c.ResolvedBy != synthesis.ResolvedByRule {
			n++
		}
	}
	return float64(n) / float64(len(conflicts))
}

// meanRoutingConfidence averages the routing confidence of the decisions
// behind the contributing results. Without any decision it is neutral.
func meanRoutingConfidence(report *ExecutionReport, results []synthesis.TaskResult) float64 {
	byID := make(map[string]float64, len(report.Decisions))
	for _, d := range report.Decisions {
		byID[d.SubTaskID] = d.Confidence
	}
	var sum float64
	n := 0
	for _, r := range results {
		if c, ok := byID[r.SubTaskID]; ok {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

func defaultSummary(succeeded, total, conflicts int, missing []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "combined %d of %d subtask results", succeeded, total)
	if conflicts > 0 {
		fmt.Fprintf(&b, ", resolved %d conflicts", conflicts)
	}
	if len(missing) > 0 {
		fmt.Fprintf(&b, "; missing: %s", strings.Join(missing, ", "))
	}
	return b.String()
}

// merge accumulates payload fields in execution order.
type merge struct {
	results []synthesis.TaskResult
	byID    map[string]*plan.SubTask
	payload map[string]any
	owner   map[string]string // field -> contributing subtask id
	slots   map[string][]synthesis.ConflictCandidate
	order   []string // slot order of first appearance
}

func newMerge(results []synthesis.TaskResult, byID map[string]*plan.SubTask) *merge {
	m := &merge{
		results: results,
		byID:    byID,
		payload: make(map[string]any),
		owner:   make(map[string]string),
		slots:   make(map[string][]synthesis.ConflictCandidate),
	}
	for _, r := range results {
		st := byID[r.SubTaskID]
		keys := slices.Sorted(maps.Keys(r.Payload))
		for _, k := range keys {
			v := r.Payload[k]
			if st != nil && slices.Contains(st.Slots, k) {
				if _, ok := m.slots[k]; !ok {
					m.order = append(m.order, k)
				}
				m.slots[k] = append(m.slots[k], synthesis.ConflictCandidate{
					SubTaskID: r.SubTaskID,
					ServiceID: r.ServiceID,
					Domain:    st.Domain,
					Value:     v,
				})
			}
			if _, taken := m.payload[k]; !taken {
				m.payload[k] = v
				m.owner[k] = r.SubTaskID
			}
		}
	}
	return m
}

// conflicts returns one Conflict per slot that received differing values.
func (m *merge) conflicts() []synthesis.Conflict {
	var out []synthesis.Conflict
	for _, slot := range m.order {
		cands := m.slots[slot]
		for _, c := range cands[1:] {
			if !reflect.DeepEqual(c.Value, cands[0].Value) {
				out = append(out, synthesis.Conflict{Slot: slot, Candidates: cands})
				break
			}
		}
	}
	return out
}

func (m *merge) settle(c *synthesis.Conflict) {
	m.payload[c.Slot] = c.Value
	m.owner[c.Slot] = c.Winner
}

func (m *merge) provenance(conflicts []synthesis.Conflict) []synthesis.Provenance {
	won := make(map[string][]string)
	for _, c := range conflicts {
		won[c.Winner] = append(won[c.Winner], fmt.Sprintf("%s by %s", c.Slot, c.ResolvedBy))
	}
	out := make([]synthesis.Provenance, 0, len(m.results))
	for _, r := range m.results {
		p := synthesis.Provenance{
			SubTaskID:  r.SubTaskID,
			ServiceID:  r.ServiceID,
			Confidence: r.Confidence,
			Attempts:   r.Attempts,
			Resolution: strings.Join(won[r.SubTaskID], "; "),
		}
		if st := m.byID[r.SubTaskID]; st != nil {
			p.Domain = st.Domain
		}
		for _, k := range slices.Sorted(maps.Keys(m.owner)) {
			if m.owner[k] == r.SubTaskID {
				p.Fields = append(p.Fields, k)
			}
		}
		out = append(out, p)
	}
	return out
}
