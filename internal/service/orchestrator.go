package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/confidence"
	"github.com/Strob0t/Conductor/internal/domain/event"
	"github.com/Strob0t/Conductor/internal/domain/plan"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/domain/task"
	"github.com/Strob0t/Conductor/internal/logger"
	"github.com/Strob0t/Conductor/internal/port/broadcast"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
)

// casRetries bounds compare-and-swap attempts for one state change.
const casRetries = 5

// Deps are the collaborators of the Orchestrator. Queue and Hub are optional.
type Deps struct {
	Store       taskstore.Store
	Decomposer  *Decomposer
	Router      *Router
	Executor    *Executor
	Synthesizer *Synthesizer
	Evaluator   *ConfidenceEvaluator
	Metrics     *MetricsTracker
	Queue       messagequeue.Queue
	Hub         broadcast.Broadcaster
}

// Result is what GetResult returns: the final response when there is one,
// and whatever partial results exist otherwise.
type Result struct {
	TaskID     string                         `json:"task_id"`
	Status     task.Status                    `json:"status"`
	Done       bool                           `json:"done"`
	Response   *synthesis.SynthesizedResponse `json:"response,omitempty"`
	Results    []synthesis.TaskResult         `json:"results,omitempty"`
	SubTasks   []plan.SubTask                 `json:"subtasks,omitempty"`
	Escalation *confidence.EscalationRecord   `json:"escalation,omitempty"`
	Error      *task.TaskError                `json:"error,omitempty"`
}

// Orchestrator drives tasks through decomposition, routing, execution and
// synthesis, gating each checkpoint on confidence. Every state change is a
// compare-and-swap on the task store, so several instances may share one
// store.
type Orchestrator struct {
	store       taskstore.Store
	decomposer  *Decomposer
	router      *Router
	executor    *Executor
	synthesizer *Synthesizer
	evaluator   *ConfidenceEvaluator
	metrics     *MetricsTracker
	queue       messagequeue.Queue
	hub         broadcast.Broadcaster
	cfg         *config.Orchestrator
	now         func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, cfg *config.Orchestrator) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = NewMetricsTracker(nil)
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       deps.Store,
		decomposer:  deps.Decomposer,
		router:      deps.Router,
		executor:    deps.Executor,
		synthesizer: deps.Synthesizer,
		evaluator:   deps.Evaluator,
		metrics:     deps.Metrics,
		queue:       deps.Queue,
		hub:         deps.Hub,
		cfg:         cfg,
		now:         time.Now,
		baseCtx:     base,
		stop:        stop,
		running:     make(map[string]context.CancelFunc),
	}
}

// Metrics returns the tracker observing this orchestrator.
func (o *Orchestrator) Metrics() *MetricsTracker { return o.metrics }

// Run executes the whole pipeline synchronously and returns the final task.
func (o *Orchestrator) Run(ctx context.Context, req *task.Request) (*task.OrchestratorTask, error) {
	t, err := o.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.track(t.ID, cancel)
	defer o.untrack(t.ID)
	defer cancel()

	o.pipeline(runCtx, t.ID)
	return o.store.Get(context.WithoutCancel(ctx), t.ID)
}

// Submit persists a pending task and runs the pipeline in the background.
// It returns as soon as the task is stored.
func (o *Orchestrator) Submit(ctx context.Context, req *task.Request) (string, error) {
	t, err := o.create(ctx, req)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(logger.WithRequestID(o.baseCtx, logger.RequestID(ctx)))
	o.track(t.ID, cancel)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.untrack(t.ID)
		defer cancel()
		o.pipeline(runCtx, t.ID)
	}()
	return t.ID, nil
}

// GetStatus returns the current task snapshot.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*task.OrchestratorTask, error) {
	return o.store.Get(ctx, id)
}

// GetResult returns the response of a finished task, or the partial results
// collected so far.
func (o *Orchestrator) GetResult(ctx context.Context, id string) (*Result, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{
		TaskID:     t.ID,
		Status:     t.Status,
		Done:       t.Status.IsTerminal(),
		Response:   t.Response,
		Results:    t.Results,
		SubTasks:   t.SubTasks,
		Escalation: t.Escalation,
		Error:      t.Error,
	}, nil
}

// Wait polls until the task is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string, every time.Duration) (*task.OrchestratorTask, error) {
	if every <= 0 {
		every = 100 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		t, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// List returns the most recent tasks.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]task.OrchestratorTask, error) {
	if limit <= 0 && o.cfg != nil {
		limit = o.cfg.ListLimit
	}
	if limit <= 0 {
		limit = 50
	}
	return o.store.List(ctx, limit)
}

// Cancel requests cooperative cancellation. A running pipeline stops
// launching new work and ends failed with code cancelled, keeping partial
// results. Tasks owned by another instance are reached through the queue.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	t, err := o.update(ctx, id, func(t *task.OrchestratorTask) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrInvalidTransition)
		}
		t.CancelRequest = true
		t.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		return err
	}

	if o.cancelLocal(id) {
		slog.Info("task cancellation requested", "task_id", id, "status", t.Status)
		return nil
	}
	if o.queue != nil && o.queue.IsConnected() {
		o.publish(ctx, messagequeue.SubjectCancel, messagequeue.CancelPayload{TaskID: id})
		slog.Info("task cancellation forwarded", "task_id", id, "status", t.Status)
		return nil
	}

	// Nobody is running it.
	cause := fmt.Errorf("cancelled while %s: %w", t.Status, domain.ErrCancelled)
	t, err = o.update(ctx, id, func(t *task.OrchestratorTask) error {
		if t.Status.IsTerminal() {
			return nil
		}
		return t.Fail(cause, o.now().UTC())
	})
	if err != nil {
		return err
	}
	o.emitTransition(ctx, t, 0, cause)
	o.metrics.FinishTask(ctx, id, string(t.Status))
	return nil
}

// ListenForCancel subscribes to cross-instance cancellation requests.
func (o *Orchestrator) ListenForCancel(ctx context.Context) (func(), error) {
	if o.queue == nil {
		return func() {}, nil
	}
	return o.queue.Subscribe(ctx, messagequeue.SubjectCancel, func(_ context.Context, _ string, data []byte) error {
		var p messagequeue.CancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode cancel request: %w", err)
		}
		if o.cancelLocal(p.TaskID) {
			slog.Info("task cancelled by remote request", "task_id", p.TaskID)
		}
		return nil
	})
}

// Shutdown cancels every running pipeline and waits for them to record
// their final state, or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) create(ctx context.Context, req *task.Request) (*task.OrchestratorTask, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request: %w", domain.ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := o.now().UTC()
	t := &task.OrchestratorTask{
		ID:            uuid.New().String(),
		Request:       req.Request,
		UserContext:   req.UserContext,
		ContextBundle: req.ContextBundle,
		Status:        task.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("store task: %w", err)
	}
	o.metrics.StartTask(ctx, t.ID)
	slog.Info("task submitted", append(logger.Attrs(ctx), "task_id", t.ID)...)
	return t, nil
}

// pipeline runs every stage for one task. It never returns an error: every
// outcome is recorded on the task as completed, failed or escalated.
func (o *Orchestrator) pipeline(ctx context.Context, id string) {
	ctx = logger.WithTaskID(ctx, id)
	ctx, span := otel.StartTaskSpan(ctx, id)
	defer span.End()

	t, err := o.store.Get(ctx, id)
	if err != nil {
		slog.Error("load task", "task_id", id, "error", err)
		return
	}

	final := o.runStages(ctx, t)
	o.metrics.FinishTask(ctx, id, string(final))
}

func (o *Orchestrator) runStages(ctx context.Context, t *task.OrchestratorTask) task.Status {
	id := t.ID

	// Decomposition.
	start := o.now()
	if _, err := o.advance(ctx, id, task.StatusDecomposing, 0, nil); err != nil {
		return o.abort(ctx, id, err, 0)
	}
	sctx, span := otel.StartStageSpan(ctx, string(task.StatusDecomposing), id)
	dec, err := o.decomposer.Decompose(sctx, id, t.Request, t.UserContext)
	otel.EndSpan(span, err)
	elapsed := o.since(start)
	o.metrics.RecordStage(ctx, id, string(task.StatusDecomposing), elapsed)
	if err != nil {
		o.metrics.RecordError(ctx, id, ErrorCategory(err))
		return o.abort(ctx, id, err, elapsed)
	}
	if status, stop := o.checkpoint(ctx, id, confidence.StageDecomposition, dec, elapsed, func(t *task.OrchestratorTask) {
		t.Decomposition = dec
		t.SubTasks = dec.Clone().SubTasks
	}); stop {
		return status
	}

	// Routing.
	start = o.now()
	if _, err := o.advance(ctx, id, task.StatusRouting, elapsed, nil); err != nil {
		return o.abort(ctx, id, err, 0)
	}
	subtasks := dec.Clone().SubTasks
	sctx, span = otel.StartStageSpan(ctx, string(task.StatusRouting), id)
	decisions, err := o.router.RouteAll(sctx, subtasks)
	otel.EndSpan(span, err)
	elapsed = o.since(start)
	o.metrics.RecordStage(ctx, id, string(task.StatusRouting), elapsed)
	if err != nil {
		return o.abort(ctx, id, err, elapsed)
	}
	for _, d := range decisions {
		if d.Unavailable {
			o.metrics.RecordError(ctx, id, CategoryRouting)
			continue
		}
		o.metrics.RecordSelection(ctx, id, d.ServiceID, domainOf(subtasks, d.SubTaskID))
	}
	if status, stop := o.checkpoint(ctx, id, confidence.StageRouting, decisions, elapsed, func(t *task.OrchestratorTask) {
		t.Routing = decisions
		t.SubTasks = subtasks
	}); stop {
		return status
	}

	// Execution.
	start = o.now()
	if _, err := o.advance(ctx, id, task.StatusExecuting, elapsed, nil); err != nil {
		return o.abort(ctx, id, err, 0)
	}
	in := &ExecutionInput{
		TaskID:        id,
		Decomposition: &plan.TaskDecomposition{TaskID: id, SubTasks: subtasks, ExecutionOrder: dec.ExecutionOrder},
		Decisions:     decisions,
		Context:       t.ContextBundle,
	}
	sctx, span = otel.StartStageSpan(ctx, string(task.StatusExecuting), id)
	report, err := o.executor.Execute(sctx, in, o.observeSubTask(ctx, id))
	otel.EndSpan(span, err)
	elapsed = o.since(start)
	o.metrics.RecordStage(ctx, id, string(task.StatusExecuting), elapsed)
	if err != nil {
		return o.abort(ctx, id, err, elapsed)
	}
	if _, err := o.update(ctx, id, func(t *task.OrchestratorTask) error {
		t.SubTasks = report.SubTasks
		t.Results = report.Results
		t.Routing = report.Decisions
		t.UpdatedAt = o.now().UTC()
		return nil
	}); err != nil {
		return o.abort(ctx, id, err, elapsed)
	}
	if report.Cancelled || ctx.Err() != nil {
		return o.abort(ctx, id, fmt.Errorf("cancelled during execution: %w", domain.ErrCancelled), elapsed)
	}

	// Synthesis.
	start = o.now()
	cur, err := o.advance(ctx, id, task.StatusSynthesizing, elapsed, nil)
	if err != nil {
		return o.abort(ctx, id, err, 0)
	}
	sctx, span = otel.StartStageSpan(ctx, string(task.StatusSynthesizing), id)
	resp, err := o.synthesizer.Synthesize(sctx, cur, report)
	otel.EndSpan(span, err)
	elapsed = o.since(start)
	o.metrics.RecordStage(ctx, id, string(task.StatusSynthesizing), elapsed)
	if err != nil {
		o.metrics.RecordError(ctx, id, ErrorCategory(err))
		return o.abort(ctx, id, err, elapsed)
	}
	if status, stop := o.checkpoint(ctx, id, confidence.StageSynthesis, resp, elapsed, func(t *task.OrchestratorTask) {
		t.Response = resp
	}); stop {
		return status
	}

	if _, err := o.advance(ctx, id, task.StatusCompleted, elapsed, nil); err != nil {
		return o.abort(ctx, id, err, 0)
	}
	return task.StatusCompleted
}

// checkpoint stores the stage artifact, scores it and escalates when the
// score is below the threshold. It reports whether the pipeline must stop.
func (o *Orchestrator) checkpoint(ctx context.Context, id string, stage confidence.Stage, artifact any, elapsed time.Duration, store func(*task.OrchestratorTask)) (task.Status, bool) {
	score := o.evaluator.Evaluate(stage, artifact)
	o.metrics.RecordConfidence(ctx, id, string(stage), score)

	cur, err := o.update(ctx, id, func(t *task.OrchestratorTask) error {
		store(t)
		t.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		return o.abort(ctx, id, err, elapsed), true
	}
	if ctx.Err() != nil {
		return o.abort(ctx, id, fmt.Errorf("cancelled after %s: %w", stage, domain.ErrCancelled), elapsed), true
	}
	if !o.evaluator.ShouldEscalate(score) {
		slog.Debug("checkpoint passed", "task_id", id, "stage", stage, "score", score)
		return cur.Status, false
	}

	rec := o.evaluator.Escalate(ctx, cur, stage, score, artifact)
	if _, err := o.advance(ctx, id, task.StatusEscalated, elapsed, func(t *task.OrchestratorTask) error {
		t.Escalation = rec
		return nil
	}); err != nil {
		return o.abort(ctx, id, err, 0), true
	}
	o.publish(ctx, messagequeue.SubjectEscalated, messagequeue.EscalatedPayload{
		TaskID:       id,
		EscalationID: rec.ID,
		Stage:        string(stage),
		Score:        score,
		Threshold:    rec.Threshold,
	})
	o.broadcast(ctx, event.StageEvent{
		Type:      event.TypeEscalation,
		TaskID:    id,
		Stage:     string(stage),
		Status:    string(task.StatusEscalated),
		RequestID: logger.RequestID(ctx),
		CreatedAt: o.now().UTC(),
	})
	slog.Warn("task escalated", "task_id", id, "stage", stage, "score", score, "threshold", rec.Threshold, "escalation_id", rec.ID)
	return task.StatusEscalated, true
}

// abort fails the task with err unless it is already terminal.
func (o *Orchestrator) abort(ctx context.Context, id string, err error, elapsed time.Duration) task.Status {
	if ctx.Err() != nil && !errors.Is(err, domain.ErrCancelled) {
		err = fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	changed := false
	t, ferr := o.update(ctx, id, func(t *task.OrchestratorTask) error {
		changed = false
		if t.Status.IsTerminal() {
			return nil
		}
		changed = true
		return t.Fail(err, o.now().UTC())
	})
	if ferr != nil {
		slog.Error("record task failure", "task_id", id, "error", ferr, "cause", err)
		return task.StatusFailed
	}
	if changed {
		o.emitTransition(ctx, t, elapsed, err)
	}
	return t.Status
}

// advance transitions the task to next after applying mutate. A pending
// cancellation request turns the step into a cancelled failure.
func (o *Orchestrator) advance(ctx context.Context, id string, next task.Status, elapsed time.Duration, mutate func(*task.OrchestratorTask) error) (*task.OrchestratorTask, error) {
	var cancelled bool
	t, err := o.update(ctx, id, func(t *task.OrchestratorTask) error {
		cancelled = false
		now := o.now().UTC()
		if t.CancelRequest && next != task.StatusFailed && !next.IsTerminal() {
			cancelled = true
			return t.Fail(fmt.Errorf("cancelled before %s: %w", next, domain.ErrCancelled), now)
		}
		if mutate != nil {
			if err := mutate(t); err != nil {
				return err
			}
		}
		if t.Status == next {
			return nil
		}
		return t.Transition(next, now)
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		o.emitTransition(ctx, t, elapsed, t.Error)
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrCancelled)
	}
	o.emitTransition(ctx, t, elapsed, nil)
	return t, nil
}

// update applies fn to a fresh copy of the task and writes it back with
// compare-and-swap, retrying when another writer got there first. Writes
// survive cancellation of ctx so the final state is always recorded.
func (o *Orchestrator) update(ctx context.Context, id string, fn func(*task.OrchestratorTask) error) (*task.OrchestratorTask, error) {
	ctx = context.WithoutCancel(ctx)
	for range casRetries {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		err = o.store.CompareAndSwap(ctx, id, cur.Version, next)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("update task %s: %d attempts: %w", id, casRetries, domain.ErrConflict)
}

// emitTransition logs, publishes and broadcasts the latest transition of t.
func (o *Orchestrator) emitTransition(ctx context.Context, t *task.OrchestratorTask, elapsed time.Duration, cause error) {
	if len(t.History) == 0 {
		return
	}
	last := t.History[len(t.History)-1]
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	attrs := append(logger.Attrs(ctx),
		"task_id", t.ID,
		"stage", last.From,
		"status", last.To,
		"duration_ms", elapsed.Milliseconds(),
	)
	if errText != "" {
		attrs = append(attrs, "error", errText)
		slog.Warn("task transition", attrs...)
	} else {
		slog.Info("task transition", attrs...)
	}

	o.publish(ctx, messagequeue.SubjectStage, messagequeue.StagePayload{
		TaskID:     t.ID,
		Stage:      string(last.From),
		Status:     string(last.To),
		DurationMS: elapsed.Milliseconds(),
		Error:      errText,
	})
	o.broadcast(ctx, event.StageEvent{
		Type:       event.TypeStageTransition,
		TaskID:     t.ID,
		Stage:      string(last.From),
		Status:     string(last.To),
		DurationMS: elapsed.Milliseconds(),
		Error:      errText,
		RequestID:  logger.RequestID(ctx),
		CreatedAt:  last.At,
	})
}

// observeSubTask mirrors subtask status changes into the store and onto the
// event channels.
func (o *Orchestrator) observeSubTask(ctx context.Context, id string) SubTaskObserver {
	return func(st plan.SubTask) {
		if _, err := o.update(ctx, id, func(t *task.OrchestratorTask) error {
			for i := range t.SubTasks {
				if t.SubTasks[i].ID == st.ID {
					t.SubTasks[i] = st
				}
			}
			t.UpdatedAt = o.now().UTC()
			return nil
		}); err != nil {
			slog.Warn("record subtask status", "task_id", id, "subtask_id", st.ID, "error", err)
		}
		o.publish(ctx, messagequeue.SubjectSubTask, messagequeue.SubTaskPayload{
			TaskID:    id,
			SubTaskID: st.ID,
			ServiceID: st.AssignedService,
			Status:    string(st.Status),
			Attempts:  st.Attempts,
			Error:     st.Error,
		})
		o.broadcast(ctx, event.StageEvent{
			Type:      event.TypeSubTaskStatus,
			TaskID:    id,
			Stage:     string(task.StatusExecuting),
			Status:    string(st.Status),
			SubTaskID: st.ID,
			Error:     st.Error,
			RequestID: logger.RequestID(ctx),
			CreatedAt: o.now().UTC(),
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context, subject string, payload any) {
	if o.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := o.queue.Publish(context.WithoutCancel(ctx), subject, data); err != nil {
		slog.Warn("publish event", "subject", subject, "error", err)
	}
}

func (o *Orchestrator) broadcast(ctx context.Context, ev event.StageEvent) {
	if o.hub == nil {
		return
	}
	o.hub.BroadcastEvent(context.WithoutCancel(ctx), string(ev.Type), &ev)
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) cancelLocal(id string) bool {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) since(start time.Time) time.Duration {
	return o.now().Sub(start)
}

func domainOf(subtasks []plan.SubTask, id string) string {
	for i := range subtasks {
		if subtasks[i].ID == id {
			return subtasks[i].Domain
		}
	}
	return ""
}
