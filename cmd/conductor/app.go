package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/constraintfile"
	"github.com/Strob0t/Conductor/internal/adapter/litellm"
	"github.com/Strob0t/Conductor/internal/adapter/memory"
	cdnats "github.com/Strob0t/Conductor/internal/adapter/nats"
	"github.com/Strob0t/Conductor/internal/adapter/natskv"
	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/adapter/postgres"
	"github.com/Strob0t/Conductor/internal/adapter/registry"
	"github.com/Strob0t/Conductor/internal/adapter/ristretto"
	"github.com/Strob0t/Conductor/internal/adapter/tiered"
	"github.com/Strob0t/Conductor/internal/adapter/ws"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/port/cache"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/port/taskstore"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/secrets"
	"github.com/Strob0t/Conductor/internal/service"
)

const idempotencyBucket = "conductor-idempotency"

// app is the wired orchestrator with everything it runs on.
type app struct {
	orch        *service.Orchestrator
	executor    *service.Executor
	registry    *registry.Static
	healthCache *tiered.Cache
	idemCache   *tiered.Cache
	constraints *constraintfile.File
	llm         *litellm.Client
	vault       *secrets.Vault
	queue       *cdnats.Queue // nil when NATS is unavailable
	hub         *ws.Hub

	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// messageQueue returns the queue as the port type, keeping a nil queue a
// nil interface.
func (a *app) messageQueue() messagequeue.Queue {
	if a.queue == nil {
		return nil
	}
	return a.queue
}

// buildApp wires every adapter into an Orchestrator. Background loops
// (health probing, constraint watching, cancel listening) stop with ctx.
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// --- Observability ---
	shutdownOTel, err := otel.Setup(ctx, otel.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		Insecure:    cfg.OTel.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	a.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	})
	telemetry, err := otel.NewMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	// --- Messaging ---
	if err := a.connectQueue(ctx, cfg); err != nil {
		return nil, err
	}

	// --- Constraint model ---
	a.constraints, err = constraintfile.Open(cfg.Constraints.Path, cfg.Orchestrator.ConfidenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("constraints: %w", err)
	}
	a.constraints.OnReload(func(m *constraintfile.Model) {
		s := m.Summarize(cfg.Orchestrator.ConfidenceThreshold)
		slog.Info("constraints loaded", "path", cfg.Constraints.Path,
			"routing_rules", s.RoutingRules, "resolution_rules", s.ResolutionRules,
			"domains", len(s.Domains), "threshold", s.Threshold)
	})
	if cfg.Constraints.Watch {
		if err := a.constraints.Watch(ctx); err != nil {
			slog.Warn("constraint hot reload disabled", "error", err)
		}
	}

	// --- Service registry with tiered health cache ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	a.onClose(l1.Close)
	var l2 cache.Cache
	if a.queue != nil {
		kv, kvErr := a.queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.TTL)
		if kvErr != nil {
			slog.Warn("health cache L2 disabled", "error", kvErr)
		} else {
			l2 = natskv.New(kv)
		}
	}
	a.healthCache = tiered.New(l1, l2, cfg.Cache.TTL)
	a.idemCache = a.idempotencyCache(ctx, cfg, l1)
	a.registry = registry.NewStatic(cfg.Registry.Services, a.healthCache, cfg.Cache.TTL,
		registry.NewHTTPProber(cfg.Registry.HealthPath, cfg.Registry.HealthTimeout))
	go a.registry.Run(ctx, cfg.Registry.HealthInterval)

	// --- Task store ---
	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// --- Reasoner ---
	a.vault, err = secrets.NewVault(secrets.WithDefaults(
		secrets.EnvLoader(secrets.KeyLiteLLM),
		map[string]string{secrets.KeyLiteLLM: cfg.LiteLLM.MasterKey},
	))
	if err != nil {
		return nil, err
	}
	a.llm = litellm.NewClient(cfg.LiteLLM.URL, "")
	a.llm.SetKeyFunc(a.vault.Getter(secrets.KeyLiteLLM))
	slog.Info("litellm configured", "url", cfg.LiteLLM.URL, "master_key", a.vault.Redacted(secrets.KeyLiteLLM))
	a.llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
	reasoner := litellm.NewReasoner(a.llm, litellm.ReasonerConfig{
		DecomposeModel:  cfg.Orchestrator.DecomposeModel,
		SynthesizeModel: cfg.Orchestrator.SynthesizeModel,
		MaxTokens:       cfg.Orchestrator.MaxTokens,
		Timeout:         cfg.Orchestrator.ReasonerTimeout,
	})

	// --- Pipeline ---
	oc := &cfg.Orchestrator
	metrics := service.NewMetricsTracker(telemetry)
	router := service.NewRouter(a.registry, a.constraints)
	a.executor = service.NewExecutor(a.registry, router,
		resilience.NewBreakerSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout),
		metrics, a.constraints, oc)
	a.hub = ws.NewHub()
	a.onClose(a.hub.Close)

	a.orch = service.NewOrchestrator(service.Deps{
		Store:       store,
		Decomposer:  service.NewDecomposer(reasoner, a.constraints, oc),
		Router:      router,
		Executor:    a.executor,
		Synthesizer: service.NewSynthesizer(reasoner, a.constraints, oc),
		Evaluator:   service.NewConfidenceEvaluator(a.constraints, oc, metrics),
		Metrics:     metrics,
		Queue:       a.messageQueue(),
		Hub:         a.hub,
	}, oc)
	a.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.orch.Shutdown(sctx); err != nil {
			slog.Warn("orchestrator shutdown", "error", err)
		}
	})

	if a.queue != nil {
		stop, err := a.orch.ListenForCancel(ctx)
		if err != nil {
			return nil, fmt.Errorf("cancel listener: %w", err)
		}
		a.onClose(stop)
	}
	return a, nil
}

// idempotencyCache shares the in-process L1 with the health cache and uses its
// own KV bucket, whose max age is the idempotency window.
func (a *app) idempotencyCache(ctx context.Context, cfg *config.Config, l1 cache.Cache) *tiered.Cache {
	var l2 cache.Cache
	if a.queue != nil && cfg.Server.IdempotencyTTL > 0 {
		kv, err := a.queue.KeyValue(ctx, idempotencyBucket, cfg.Server.IdempotencyTTL)
		if err != nil {
			slog.Warn("idempotency replay limited to this instance", "error", err)
		} else {
			l2 = natskv.New(kv)
		}
	}
	return tiered.New(l1, l2, cfg.Server.IdempotencyTTL)
}

// connectQueue dials NATS. It is required for the natskv store and best
// effort otherwise: without it events stay local and cancellation only
// reaches tasks running on this instance.
func (a *app) connectQueue(ctx context.Context, cfg *config.Config) error {
	if cfg.NATS.URL == "" {
		return nil
	}
	q, err := cdnats.Connect(ctx, cfg.NATS.URL, cdnats.WithStream(cfg.NATS.Stream))
	if err != nil {
		if cfg.Store.Backend == "natskv" {
			return fmt.Errorf("nats: %w", err)
		}
		slog.Warn("nats unavailable, running without message queue", "url", cfg.NATS.URL, "error", err)
		return nil
	}
	a.queue = q
	a.onClose(func() {
		if err := q.Drain(); err != nil {
			_ = q.Close()
		}
	})
	return nil
}

// reload re-reads secrets and the constraint file, keeping the previous
// values of whichever fails.
func (a *app) reload() {
	if err := a.vault.Reload(); err != nil {
		slog.Error("secret reload failed", "error", err)
	}
	if err := a.constraints.Reload(); err != nil {
		slog.Error("constraint reload failed", "error", err)
	}
	slog.Info("reloaded", "secrets", len(a.vault.Keys()), "constraint_reloads", a.constraints.Reloads())
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (taskstore.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.NewTaskStore(), nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.onClose(pool.Close)
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected, migrations applied")
		return postgres.NewTaskStore(pool), nil
	case "natskv":
		if a.queue == nil {
			return nil, errors.New("natskv store requires nats")
		}
		kv, err := a.queue.KeyValue(ctx, cfg.Store.Bucket, 0)
		if err != nil {
			return nil, fmt.Errorf("task bucket: %w", err)
		}
		return natskv.NewTaskStore(kv), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
