package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/port/constraints"
	"github.com/Strob0t/Conductor/internal/port/reasoner"
)

// CompletenessFunc estimates, in [0,1], how much of the task text the
// subtasks cover.
type CompletenessFunc func(taskText string, subtasks []plan.SubTask) float64

// decompositionGuidelines are appended to every decomposition request.
var decompositionGuidelines = []string{
	"Prefer independent subtasks; add a dependency only when a subtask needs another's result.",
	"Each subtask must be answerable by a single domain service.",
	"Declare a shared slot whenever two domains may answer the same question differently.",
}

// Decomposer turns one task into a validated graph of domain subtasks.
type Decomposer struct {
	reasoner     reasoner.Reasoner
	pol          policy
	completeness CompletenessFunc
	now          func() time.Time
}

// NewDecomposer creates a Decomposer.
func NewDecomposer(r reasoner.Reasoner, source constraints.Source, cfg *config.Orchestrator) *Decomposer {
	return &Decomposer{
		reasoner:     r,
		pol:          policy{source: source, cfg: cfg},
		completeness: KeywordCoverage,
		now:          time.Now,
	}
}

// SetCompleteness replaces the coverage heuristic.
func (d *Decomposer) SetCompleteness(fn CompletenessFunc) {
	if fn != nil {
		d.completeness = fn
	}
}

// Decompose asks the reasoner for subtasks and validates the result. Every
// failure wraps domain.ErrDecompositionFailure.
func (d *Decomposer) Decompose(ctx context.Context, taskID, text string, userContext map[string]string) (*plan.TaskDecomposition, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty task text: %w", errors.Join(domain.ErrValidation, domain.ErrDecompositionFailure))
	}

	var catalogue []constraints.DomainInfo
	if d.pol.source != nil {
		catalogue = d.pol.source.DomainCatalogue()
	}

	rctx, cancel := context.WithTimeout(ctx, d.pol.reasonerTimeout())
	defer cancel()

	reply, err := d.reasoner.Decompose(rctx, &reasoner.DecomposeRequest{
		Task:       text,
		Context:    userContext,
		Domains:    catalogue,
		Guidelines: decompositionGuidelines,
	})
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("reasoner timed out after %s: %w", d.pol.reasonerTimeout(), domain.ErrDecompositionFailure)
		}
		return nil, fmt.Errorf("reasoner: %v: %w", err, domain.ErrDecompositionFailure)
	}
	if reply == nil || len(reply.SubTasks) == 0 {
		return nil, fmt.Errorf("reasoner returned no subtasks: %w", domain.ErrDecompositionFailure)
	}

	subtasks := toSubTasks(reply.SubTasks)
	if err := plan.ValidateSubTasks(subtasks); err != nil {
		return nil, fmt.Errorf("invalid subtask graph: %v: %w", err, domain.ErrDecompositionFailure)
	}
	order, ok := plan.TopologicalOrder(subtasks)
	if !ok {
		return nil, fmt.Errorf("subtask graph has a cycle: %w", domain.ErrDecompositionFailure)
	}

	dec := &plan.TaskDecomposition{
		TaskID:         taskID,
		SubTasks:       subtasks,
		ExecutionOrder: order,
		Rationale:      reply.Rationale,
		CreatedAt:      d.now().UTC(),
	}
	clarity := domainClarity(subtasks, catalogue)
	if reply.Clarity != nil {
		clarity *= confidence.Clamp(*reply.Clarity)
	}
	coverage := confidence.Clamp(d.completeness(text, subtasks))
	dec.Confidence = confidence.Weighted(
		[]float64{clarity, coverage, 1},
		[]float64{
			d.pol.float(constraints.KeyDecompClarityWeight, 0.4),
			d.pol.float(constraints.KeyDecompCoverageWeight, 0.3),
			d.pol.float(constraints.KeyDecompFeasibilityWeight, 0.3),
		},
	)

	slog.Debug("task decomposed",
		"task_id", taskID,
		"subtasks", len(subtasks),
		"clarity", clarity,
		"coverage", coverage,
		"confidence", dec.Confidence,
	)
	return dec, nil
}

// toSubTasks normalises proposed subtasks. Missing ids become st-<n>, and
// dependencies are rewritten when they refer to a proposed index instead of
// an id.
func toSubTasks(proposed []reasoner.ProposedSubTask) []plan.SubTask {
	out := make([]plan.SubTask, len(proposed))
	for i := range proposed {
		p := &proposed[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			id = "st-" + strconv.Itoa(i+1)
		}
		out[i] = plan.SubTask{
			ID:           id,
			Description:  strings.TrimSpace(p.Description),
			Domain:       strings.ToLower(strings.TrimSpace(p.Domain)),
			Capabilities: p.Capabilities,
			Slots:        p.Slots,
			BestEffort:   p.BestEffort,
			Status:       plan.SubTaskPending,
		}
	}

	ids := make(map[string]bool, len(out))
	for i := range out {
		ids[out[i].ID] = true
	}
	for i := range proposed {
		for _, dep := range proposed[i].DependsOn {
			dep = strings.TrimSpace(dep)
			if !ids[dep] {
				if n, err := strconv.Atoi(dep); err == nil && n >= 0 && n < len(out) {
					dep = out[n].ID
				}
			}
			out[i].DependsOn = append(out[i].DependsOn, dep)
		}
	}
	return out
}

// domainClarity is the fraction of subtasks assigned to exactly one known
// domain. With an empty catalogue any single domain counts as known.
func domainClarity(subtasks []plan.SubTask, catalogue []constraints.DomainInfo) float64 {
	if len(subtasks) == 0 {
		return 0
	}
	known := make(map[string]bool, len(catalogue))
	for _, d := range catalogue {
		known[strings.ToLower(d.ID)] = true
	}
	assigned := 0
	for i := range subtasks {
		dom := subtasks[i].Domain
		if dom == "" || strings.ContainsAny(dom, ",/|") {
			continue
		}
		if len(known) == 0 || known[dom] {
			assigned++
		}
	}
	return float64(assigned) / float64(len(subtasks))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "what": true, "how": true, "are": true, "was": true,
	"can": true, "you": true, "your": true, "our": true, "any": true, "all": true,
	"its": true, "their": true, "them": true, "then": true, "than": true, "also": true,
	"please": true, "should": true, "would": true, "could": true, "about": true,
}

// KeywordCoverage is the default CompletenessFunc: the fraction of significant
// task terms (three or more letters, not a stopword) that appear in at least
// one subtask description. A task with no significant terms is fully covered.
func KeywordCoverage(taskText string, subtasks []plan.SubTask) float64 {
	terms := significantTerms(taskText)
	if len(terms) == 0 {
		return 1
	}
	var corpus strings.Builder
	for i := range subtasks {
		corpus.WriteString(strings.ToLower(subtasks[i].Description))
		corpus.WriteByte(' ')
	}
	text := corpus.String()
	covered := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			covered++
		}
	}
	return float64(covered) / float64(len(terms))
}

func significantTerms(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 3 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
