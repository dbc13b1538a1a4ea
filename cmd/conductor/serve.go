package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	cdhttp "github.com/Strob0t/Conductor/internal/adapter/http"
	"github.com/Strob0t/Conductor/internal/adapter/otel"
	"github.com/Strob0t/Conductor/internal/config"
	"github.com/Strob0t/Conductor/internal/middleware"
	"github.com/Strob0t/Conductor/internal/port/a2a"
)

// Rate limiter buckets idle for longer than this are dropped.
const (
	limiterSweepInterval = time.Minute
	limiterMaxIdle       = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("conductor starting", "version", version, "config", configPath, "store", cfg.Store.Backend)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.OTel.ServiceName))
	r.Use(cdhttp.SecurityHeaders)
	r.Use(cdhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(cdhttp.Logger)

	var submit []func(http.Handler) http.Handler
	if cfg.Server.SubmitRate > 0 {
		rl := middleware.NewRateLimiter(cfg.Server.SubmitRate, cfg.Server.SubmitBurst)
		go rl.Sweep(ctx, limiterSweepInterval, limiterMaxIdle)
		submit = append(submit, rl.Handler)
	}
	if cfg.Server.IdempotencyTTL > 0 {
		submit = append(submit, middleware.Idempotency(a.idemCache, cfg.Server.IdempotencyTTL))
	}

	handlers := &cdhttp.Handlers{
		Orchestrator: a.orch,
		Executor:     a.executor,
		Registry:     a.registry,
		Constraints:  a.constraints,
		LiteLLM:      a.llm,
		Queue:        a.messageQueue(),
		HealthCache:  a.healthCache,
		Version:      version,
		WaitTimeout:  cfg.Server.WaitTimeout,
	}
	cdhttp.MountRoutes(r, handlers, cdhttp.Extras{
		Submit: submit,
		WS:     a.hub.HandleWS,
		A2A:    a2a.NewHandler(cfg.Server.BaseURL, version, a.orch, a.constraints),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for a ?wait=true submission to finish writing.
		WriteTimeout: cfg.Server.WaitTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.reload()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}
