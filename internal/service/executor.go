package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/port/constraints"
	"github.com/Strob0t/Conductor/internal/port/reasoningsvc"
	"github.com/Strob0t/Conductor/internal/port/registry"
	"github.com/Strob0t/Conductor/internal/resilience"
)

// ClientFactory creates the client for one service.
type ClientFactory func(svc routing.ServiceDescriptor) (reasoningsvc.Client, error)

// SubTaskObserver is told about every subtask status change.
type SubTaskObserver func(st plan.SubTask)

// ExecutionInput is everything the coordinator needs for one task.
type ExecutionInput struct {
	TaskID        string
	Decomposition *plan.TaskDecomposition
	Decisions     []routing.Decision
	Context       map[string]any
}

// ExecutionReport is the outcome of executing every subtask of a task.
type ExecutionReport struct {
	SubTasks  []plan.SubTask         `json:"subtasks"`
	Results   []synthesis.TaskResult `json:"results"`
	Decisions []routing.Decision     `json:"decisions"`
	Retries   map[string]int         `json:"retries"`
	Cancelled bool                   `json:"cancelled"`
}

// Succeeded returns the successful results in execution order.
func (r *ExecutionReport) Succeeded() []synthesis.TaskResult {
	var out []synthesis.TaskResult
	for i := range r.Results {
		if r.Results[i].Success {
			out = append(out, r.Results[i])
		}
	}
	return out
}

// Executor runs subtasks against their routed services with retry, backoff,
// per-service circuit breakers and a single alternate-service fallback.
type Executor struct {
	registry registry.ServiceRegistry
	router   *Router
	breakers *resilience.BreakerSet
	metrics  *MetricsTracker
	pol      policy
	factory  ClientFactory
	sleep    resilience.SleepFunc
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]reasoningsvc.Client
}

// NewExecutor creates an Executor. Clients are built through the
// reasoningsvc transport registry unless SetClientFactory overrides it.
func NewExecutor(
	reg registry.ServiceRegistry,
	router *Router,
	breakers *resilience.BreakerSet,
	metrics *MetricsTracker,
	source constraints.Source,
	cfg *config.Orchestrator,
) *Executor {
	if metrics == nil {
		metrics = NewMetricsTracker(nil)
	}
	if breakers == nil {
		breakers = resilience.NewBreakerSet(5, 30*time.Second)
	}
	return &Executor{
		registry: reg,
		router:   router,
		breakers: breakers,
		metrics:  metrics,
		pol:      policy{source: source, cfg: cfg},
		factory:  reasoningsvc.New,
		sleep:    resilience.Sleep,
		now:      time.Now,
		clients:  make(map[string]reasoningsvc.Client),
	}
}

// SetClientFactory replaces how service clients are built.
func (e *Executor) SetClientFactory(f ClientFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.factory = f
	e.clients = make(map[string]reasoningsvc.Client)
}

// SetSleep replaces the backoff wait, for tests.
func (e *Executor) SetSleep(fn resilience.SleepFunc) { e.sleep = fn }

// Execute runs every subtask in dependency order. Each round runs the ready
// batch concurrently, bounded by MaxParallel; later rounds wait for earlier
// ones. Subtasks whose required dependency failed are skipped. Failures of
// individual subtasks never fail the whole execution, and cancellation of
// ctx stops new rounds while in-flight calls run to completion.
func (e *Executor) Execute(ctx context.Context, in *ExecutionInput, observe SubTaskObserver) (*ExecutionReport, error) {
	if in == nil || in.Decomposition == nil {
		return nil, fmt.Errorf("execute: nil decomposition: %w", domain.ErrValidation)
	}
	if observe == nil {
		observe = func(plan.SubTask) {}
	}

	subtasks := in.Decomposition.Clone().SubTasks
	decisions := make(map[string]*routing.Decision, len(in.Decisions))
	for i := range in.Decisions {
		d := in.Decisions[i]
		decisions[d.SubTaskID] = &d
	}

	var (
		mu      sync.Mutex
		results = make(map[string]synthesis.TaskResult, len(subtasks))
		retries = make(map[string]int)
	)
	index := make(map[string]int, len(subtasks))
	for i := range subtasks {
		index[subtasks[i].ID] = i
	}

	report := &ExecutionReport{}
	sem := semaphore.NewWeighted(int64(e.pol.maxParallel()))

	for round := 1; ; round++ {
		for blocked := plan.BlockedSubTasks(subtasks); len(blocked) > 0; blocked = plan.BlockedSubTasks(subtasks) {
			for _, id := range blocked {
				st := &subtasks[index[id]]
				st.Status = plan.SubTaskSkipped
				st.Error = "required dependency did not succeed"
				observe(*st)
			}
		}

		ready := plan.ReadySubTasks(subtasks)
		if len(ready) == 0 {
			break
		}
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}

		slog.Debug("executing batch", "task_id", in.TaskID, "round", round, "subtasks", ready)

		var g errgroup.Group
		for _, id := range ready {
			i := index[id]
			mu.Lock()
			subtasks[i].Status = plan.SubTaskRunning
			observe(subtasks[i])
			st := subtasks[i]
			upstream := make(map[string]map[string]any)
			for _, dep := range st.DependsOn {
				if res, ok := results[dep]; ok && res.Success {
					upstream[dep] = res.Payload
				}
			}
			dec := decisions[id]
			mu.Unlock()

			g.Go(func() error {
				if err := sem.Acquire(ctx, 1); err != nil {
					mu.Lock()
					subtasks[i].Status = plan.SubTaskCancelled
					subtasks[i].Error = "cancelled before start"
					observe(subtasks[i])
					mu.Unlock()
					return nil
				}
				defer sem.Release(1)

				out := e.runSubTask(ctx, in, &st, dec, upstream)

				mu.Lock()
				defer mu.Unlock()
				subtasks[i].Status = out.status
				subtasks[i].Attempts = out.result.Attempts
				subtasks[i].Error = out.result.Error
				if out.result.ServiceID != "" {
					subtasks[i].AssignedService = out.result.ServiceID
				}
				if out.decision != nil {
					decisions[id] = out.decision
				}
				if out.status != plan.SubTaskCancelled || out.result.Attempts > 0 {
					results[id] = out.result
				}
				if out.retries > 0 {
					retries[id] = out.retries
				}
				observe(subtasks[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	for i := range subtasks {
		if subtasks[i].Status == plan.SubTaskPending {
			subtasks[i].Status = plan.SubTaskCancelled
			subtasks[i].Error = "task cancelled"
			observe(subtasks[i])
		}
	}

	report.SubTasks = subtasks
	report.Retries = retries
	for _, id := range in.Decomposition.ExecutionOrder {
		if res, ok := results[id]; ok {
			report.Results = append(report.Results, res)
		}
		if d, ok := decisions[id]; ok {
			report.Decisions = append(report.Decisions, *d)
		}
	}
	return report, nil
}

type subtaskOutcome struct {
	status   plan.SubTaskStatus
	result   synthesis.TaskResult
	decision *routing.Decision
	retries  int
}

// runSubTask routes if needed, then runs the attempt sequence on the primary
// service and, if that is exhausted, one sequence on the first usable
// alternative.
func (e *Executor) runSubTask(ctx context.Context, in *ExecutionInput, st *plan.SubTask, dec *routing.Decision, upstream map[string]map[string]any) subtaskOutcome {
	out := subtaskOutcome{decision: dec}
	out.result = synthesis.TaskResult{SubTaskID: st.ID}

	if dec == nil || dec.Unavailable || dec.ServiceID == "" {
		fresh, err := e.router.Route(ctx, st)
		if err != nil {
			// An Unavailable decision was already counted at the routing stage.
			if dec == nil || !dec.Unavailable {
				e.metrics.RecordError(ctx, in.TaskID, ErrorCategory(err))
			}
			slog.Warn("subtask unroutable", "task_id", in.TaskID, "subtask_id", st.ID, "domain", st.Domain, "error", err)
			out.status = plan.SubTaskFailed
			out.result.Error = err.Error()
			out.result.CompletedAt = e.now().UTC()
			return out
		}
		dec = fresh
		out.decision = fresh
		e.metrics.RecordSelection(ctx, in.TaskID, fresh.ServiceID, st.Domain)
	}

	req := &reasoningsvc.Request{
		TaskID:       in.TaskID,
		SubTaskID:    st.ID,
		Description:  st.Description,
		Domain:       st.Domain,
		Capabilities: st.Capabilities,
		Context:      maps.Clone(in.Context),
		Upstream:     upstream,
	}

	seq := attemptSequence{exec: e, taskID: in.TaskID, req: req}
	svc, err := e.registry.Get(ctx, dec.ServiceID)
	if err == nil {
		err = seq.run(ctx, svc)
	}
	if err == nil {
		return seq.outcome(out, plan.SubTaskSucceeded)
	}
	if errors.Is(err, domain.ErrCancelled) {
		return seq.outcome(out, plan.SubTaskCancelled)
	}

	primary := dec.ServiceID
	for _, altID := range dec.Alternatives {
		alt, gerr := e.registry.Get(ctx, altID)
		if gerr != nil || alt.Health.Status == routing.HealthUnhealthy {
			continue
		}
		if _, cerr := e.client(alt); cerr != nil {
			continue
		}

		slog.Info("falling back to alternate service",
			"task_id", in.TaskID, "subtask_id", st.ID, "from", primary, "to", alt.ID, "error", err)
		if serr := e.sleep(ctx, e.pol.backoff().Delay(e.pol.maxAttempts())); serr != nil {
			seq.lastErr = fmt.Errorf("cancelled before fallback: %w", domain.ErrCancelled)
			return seq.outcome(out, plan.SubTaskCancelled)
		}
		e.metrics.RecordFallback(ctx, in.TaskID, primary, alt.ID)
		seq.fallback = true
		err = seq.run(ctx, alt)
		break
	}

	switch {
	case err == nil:
		return seq.outcome(out, plan.SubTaskSucceeded)
	case errors.Is(err, domain.ErrCancelled):
		return seq.outcome(out, plan.SubTaskCancelled)
	}
	if seq.lastErr == nil {
		seq.lastErr = err
	}
	slog.Warn("subtask failed", "task_id", in.TaskID, "subtask_id", st.ID, "attempts", seq.attempts, "error", err)
	return seq.outcome(out, plan.SubTaskFailed)
}

// attemptSequence tracks attempts for one subtask across the primary and the
// fallback service.
type attemptSequence struct {
	exec     *Executor
	taskID   string
	req      *reasoningsvc.Request
	attempts int
	fallback bool
	lastErr  error
	last     *synthesis.TaskResult
}

// run makes up to maxAttempts calls against svc, waiting Delay(n) before
// retry n. Cancellation is checked before every retry and during each wait.
func (s *attemptSequence) run(ctx context.Context, svc *routing.ServiceDescriptor) error {
	e := s.exec
	client, err := e.client(svc)
	if err != nil {
		s.lastErr = fmt.Errorf("client for %s: %v: %w", svc.ID, err, domain.ErrServiceFailure)
		return s.lastErr
	}

	timeout := e.pol.callTimeout()
	if svc.Timeout > 0 {
		timeout = svc.Timeout
	}
	backoff := e.pol.backoff()
	breaker := e.breakers.Get(svc.ID)
	maxAttempts := e.pol.maxAttempts()

	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			if err := e.sleep(ctx, backoff.Delay(n-1)); err != nil {
				s.lastErr = fmt.Errorf("cancelled during backoff: %w", domain.ErrCancelled)
				return s.lastErr
			}
		}
		if ctx.Err() != nil {
			s.lastErr = fmt.Errorf("cancelled before attempt %d: %w", n, domain.ErrCancelled)
			return s.lastErr
		}

		if n > 1 || s.fallback {
			e.metrics.RecordRetry(ctx, s.taskID, s.req.SubTaskID, svc.ID)
		}
		s.attempts++
		req := *s.req
		req.Attempt = n

		// In-flight calls are not interrupted by task cancellation; the
		// per-call timeout still bounds them, whatever the transport does
		// with it.
		spanCtx, span := otel.StartInvokeSpan(context.WithoutCancel(ctx), req.SubTaskID, svc.ID, n)
		callCtx, cancel := context.WithTimeout(spanCtx, timeout)
		start := e.now()
		var resp *reasoningsvc.Response
		err := breaker.Execute(func() error {
			var ierr error
			resp, ierr = client.Invoke(callCtx, &req, timeout)
			if ierr != nil && !errors.Is(ierr, domain.ErrServiceTimeout) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				ierr = fmt.Errorf("%s: no answer within %s: %v: %w", svc.ID, timeout, ierr, domain.ErrServiceTimeout)
			}
			return ierr
		})
		cancel()
		elapsed := e.now().Sub(start)
		otel.EndSpan(span, err)

		if err == nil {
			s.lastErr = nil
			s.last = &synthesis.TaskResult{
				SubTaskID:       req.SubTaskID,
				ServiceID:       svc.ID,
				Payload:         resp.Payload,
				Confidence:      resp.Confidence,
				ExecutionTimeMS: elapsed.Milliseconds(),
				Success:         true,
			}
			return nil
		}

		e.metrics.RecordError(ctx, s.taskID, ErrorCategory(err))
		slog.Warn("service attempt failed",
			"task_id", s.taskID,
			"subtask_id", req.SubTaskID,
			"service_id", svc.ID,
			"attempt", n,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		s.lastErr = err
		s.last = &synthesis.TaskResult{
			SubTaskID:       req.SubTaskID,
			ServiceID:       svc.ID,
			ExecutionTimeMS: elapsed.Milliseconds(),
			Error:           err.Error(),
		}
	}
	return s.lastErr
}

func (s *attemptSequence) outcome(out subtaskOutcome, status plan.SubTaskStatus) subtaskOutcome {
	out.status = status
	if s.last != nil {
		out.result = *s.last
	}
	out.result.SubTaskID = s.req.SubTaskID
	out.result.Attempts = s.attempts
	out.result.Success = status == plan.SubTaskSucceeded
	if !out.result.Success && s.lastErr != nil {
		out.result.Error = s.lastErr.Error()
	}
	out.result.CompletedAt = s.exec.now().UTC()
	out.retries = max(s.attempts-1, 0)
	return out
}

// client returns the cached client for svc, creating it on first use.
func (e *Executor) client(svc *routing.ServiceDescriptor) (reasoningsvc.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[svc.ID]; ok {
		return c, nil
	}
	c, err := e.factory(*svc)
	if err != nil {
		return nil, err
	}
	e.clients[svc.ID] = c
	return c, nil
}

// BreakerStates exposes per-service circuit state for health endpoints.
func (e *Executor) BreakerStates() map[string]string {
	states := e.breakers.States()
	keys := slices.Sorted(maps.Keys(states))
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = states[k]
	}
	return out
}
