package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/constraintfile"
	"github.com/Strob0t/Conductor/internal/adapter/memory"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/domain/synthesis"
	"github.com/Strob0t/Conductor/internal/port/constraints"
	"github.com/Strob0t/Conductor/internal/port/reasoner"
	"github.com/Strob0t/Conductor/internal/port/reasoningsvc"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

// --- scripted reasoner ---

type scriptedReasoner struct {
	mu            sync.Mutex
	decompose     *reasoner.DecomposeReply
	decomposeErr  error
	synthesize    *reasoner.SynthesizeReply
	synthesizeErr error

	decomposeCalls  int
	synthesizeCalls int
	lastSynthesize  *reasoner.SynthesizeRequest
}

func (r *scriptedReasoner) Decompose(_ context.Context, _ *reasoner.DecomposeRequest) (*reasoner.DecomposeReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decomposeCalls++
	return r.decompose, r.decomposeErr
}

func (r *scriptedReasoner) Synthesize(_ context.Context, req *reasoner.SynthesizeRequest) (*reasoner.SynthesizeReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizeCalls++
	r.lastSynthesize = req
	if r.synthesize == nil && r.synthesizeErr == nil {
		return &reasoner.SynthesizeReply{}, nil
	}
	return r.synthesize, r.synthesizeErr
}

func (r *scriptedReasoner) calls() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decomposeCalls, r.synthesizeCalls
}

// twoIndependent splits "check X and Y" into two subtasks with no edge.
func twoIndependent() *reasoner.DecomposeReply {
	return &reasoner.DecomposeReply{
		SubTasks: []reasoner.ProposedSubTask{
			{ID: "a", Description: "check X", Domain: "x"},
			{ID: "b", Description: "check Y", Domain: "y"},
		},
	}
}

// --- fake registry ---

type fakeRegistry struct {
	mu       sync.Mutex
	services []routing.ServiceDescriptor
}

func newFakeRegistry(svcs ...routing.ServiceDescriptor) *fakeRegistry {
	return &fakeRegistry{services: svcs}
}

func (f *fakeRegistry) ListCandidates(_ context.Context, domainName string, caps []string) ([]routing.ServiceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []routing.ServiceDescriptor
	for i := range f.services {
		s := f.services[i]
		if s.IsEnabled() && s.ServesDomain(domainName) && s.HasCapabilities(caps) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Get(_ context.Context, id string) (*routing.ServiceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.services {
		if f.services[i].ID == id {
			s := f.services[i]
			return &s, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", id, domain.ErrNotFound)
}

func (f *fakeRegistry) List(_ context.Context) ([]routing.ServiceDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]routing.ServiceDescriptor(nil), f.services...), nil
}

func svc(id, domainName string, status routing.HealthStatus) routing.ServiceDescriptor {
	return routing.ServiceDescriptor{
		ID:      id,
		Name:    id,
		Domains: []string{domainName},
		Health:  routing.Health{Status: status},
	}
}

// --- recording sleep ---

type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// --- scripted service clients ---

// behaviour answers one attempt against one service.
type behaviour func(attempt int, req *reasoningsvc.Request) (*reasoningsvc.Response, error)

type fleet struct {
	mu     sync.Mutex
	script map[string]behaviour
	calls  map[string]int
}

func newFleet() *fleet {
	return &fleet{script: make(map[string]behaviour), calls: make(map[string]int)}
}

func (f *fleet) on(serviceID string, b behaviour) *fleet {
	f.script[serviceID] = b
	return f
}

func (f *fleet) callCount(serviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[serviceID]
}

func (f *fleet) factory(s routing.ServiceDescriptor) (reasoningsvc.Client, error) {
	id := s.ID
	return reasoningsvc.ClientFunc(func(_ context.Context, req *reasoningsvc.Request, _ time.Duration) (*reasoningsvc.Response, error) {
		f.mu.Lock()
		f.calls[id]++
		b := f.script[id]
		f.mu.Unlock()
		if b == nil {
			return &reasoningsvc.Response{Payload: map[string]any{"answer": id + ":" + req.SubTaskID}}, nil
		}
		return b(req.Attempt, req)
	}), nil
}

func answer(payload map[string]any) behaviour {
	return func(int, *reasoningsvc.Request) (*reasoningsvc.Response, error) {
		return &reasoningsvc.Response{Payload: payload}, nil
	}
}

func failing(err error) behaviour {
	return func(int, *reasoningsvc.Request) (*reasoningsvc.Response, error) {
		return nil, fmt.Errorf("scripted: %w", err)
	}
}

// --- constraint source ---

func staticSource(t *testing.T, values map[string]any, rules []routing.Rule, resolution []synthesis.ResolutionRule) constraints.Source {
	t.Helper()
	m, err := constraintfile.NewModel(values, rules, resolution, nil)
	if err != nil {
		t.Fatalf("constraint model: %v", err)
	}
	return constraintfile.NewStatic(m, 0.9)
}

// --- harness wiring the full pipeline ---

type harness struct {
	orch     *service.Orchestrator
	store    taskstore.Store
	reasoner *scriptedReasoner
	fleet    *fleet
	sleep    *recordingSleep
	metrics  *service.MetricsTracker
	executor *service.Executor
	hub      *recordingHub
}

func newHarness(t *testing.T, r *scriptedReasoner, source constraints.Source, svcs ...routing.ServiceDescriptor) *harness {
	t.Helper()
	return newHarnessWithStore(t, memory.NewTaskStore(), r, source, svcs...)
}

func newHarnessWithStore(t *testing.T, store taskstore.Store, r *scriptedReasoner, source constraints.Source, svcs ...routing.ServiceDescriptor) *harness {
	t.Helper()
	if source == nil {
		source = staticSource(t, nil, nil, nil)
	}
	cfg := &config.Orchestrator{MaxParallel: 4, CallTimeout: time.Second, ReasonerTimeout: time.Second}
	reg := newFakeRegistry(svcs...)
	metrics := service.NewMetricsTracker(nil)
	router := service.NewRouter(reg, source)
	exec := service.NewExecutor(reg, router, resilience.NewBreakerSet(100, time.Minute), metrics, source, cfg)
	fl := newFleet()
	exec.SetClientFactory(fl.factory)
	sl := &recordingSleep{}
	exec.SetSleep(sl.Sleep)

	hub := &recordingHub{}
	orch := service.NewOrchestrator(service.Deps{
		Store:       store,
		Decomposer:  service.NewDecomposer(r, source, cfg),
		Router:      router,
		Executor:    exec,
		Synthesizer: service.NewSynthesizer(r, source, cfg),
		Evaluator:   service.NewConfidenceEvaluator(source, cfg, metrics),
		Metrics:     metrics,
		Hub:         hub,
	}, cfg)
	return &harness{
		orch:     orch,
		store:    store,
		reasoner: r,
		fleet:    fl,
		sleep:    sl,
		metrics:  metrics,
		executor: exec,
		hub:      hub,
	}
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	h.events = append(h.events, eventType)
	h.mu.Unlock()
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}
