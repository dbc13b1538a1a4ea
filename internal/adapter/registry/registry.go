// Package registry implements the ServiceRegistry port over a configured list
// of reasoning services, with live health from periodic HTTP probes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/Conductor/internal/domain"
	"github.com/Strob0t/Conductor/internal/domain/routing"
	"github.com/Strob0t/Conductor/internal/port/cache"
)

const healthKeyPrefix = "conductor:health:"

// Prober checks one service.
type Prober interface {
	Probe(ctx context.Context, svc *routing.ServiceDescriptor) routing.Health
}

// Static is a ServiceRegistry over a fixed service list. Health observations
// are written to the cache so every instance sharing the L2 tier sees them.
type Static struct {
	services []routing.ServiceDescriptor
	health   cache.Cache
	ttl      time.Duration
	prober   Prober
	now      func() time.Time
}

// NewStatic creates a registry. Disabled services are dropped here and never
// listed. prober may be nil, in which case health must be set with SetHealth.
func NewStatic(services []routing.ServiceDescriptor, health cache.Cache, ttl time.Duration, prober Prober) *Static {
	enabled := make([]routing.ServiceDescriptor, 0, len(services))
	for i := range services {
		if services[i].IsEnabled() {
			enabled = append(enabled, services[i])
		}
	}
	return &Static{services: enabled, health: health, ttl: ttl, prober: prober, now: time.Now}
}

// ListCandidates returns enabled services for domain (or generic ones) whose
// capabilities cover the requirement, with their latest health attached.
func (r *Static) ListCandidates(ctx context.Context, domainName string, capabilities []string) ([]routing.ServiceDescriptor, error) {
	var out []routing.ServiceDescriptor
	for i := range r.services {
		svc := r.services[i]
		if !svc.ServesDomain(domainName) || !svc.HasCapabilities(capabilities) {
			continue
		}
		svc.Health = r.lookupHealth(ctx, &svc)
		out = append(out, svc)
	}
	return out, nil
}

// Get returns one service by id.
func (r *Static) Get(ctx context.Context, id string) (*routing.ServiceDescriptor, error) {
	for i := range r.services {
		if r.services[i].ID == id {
			svc := r.services[i]
			svc.Health = r.lookupHealth(ctx, &svc)
			return &svc, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", id, domain.ErrNotFound)
}

// List returns every enabled service.
func (r *Static) List(ctx context.Context) ([]routing.ServiceDescriptor, error) {
	out := make([]routing.ServiceDescriptor, len(r.services))
	for i := range r.services {
		out[i] = r.services[i]
		out[i].Health = r.lookupHealth(ctx, &out[i])
	}
	return out, nil
}

// SetHealth records an observation for one service.
func (r *Static) SetHealth(ctx context.Context, id string, h routing.Health) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode health: %w", err)
	}
	return r.health.Set(ctx, healthKeyPrefix+id, data, r.ttl)
}

// ProbeAll probes every service concurrently and records the results.
func (r *Static) ProbeAll(ctx context.Context) {
	if r.prober == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range r.services {
		svc := r.services[i]
		g.Go(func() error {
			h := r.prober.Probe(gctx, &svc)
			if err := r.SetHealth(gctx, svc.ID, h); err != nil {
				slog.Warn("health cache write failed", "service_id", svc.ID, "error", err)
			}
			if h.Status != routing.HealthHealthy {
				slog.Warn("service not healthy", "service_id", svc.ID, "status", h.Status, "error", h.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run probes immediately and then every interval until ctx is done.
func (r *Static) Run(ctx context.Context, interval time.Duration) {
	r.ProbeAll(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// lookupHealth returns the cached observation. Services without an endpoint
// have nothing to probe and count as healthy; an expired or missing entry is
// unknown.
func (r *Static) lookupHealth(ctx context.Context, svc *routing.ServiceDescriptor) routing.Health {
	data, found, err := r.health.Get(ctx, healthKeyPrefix+svc.ID)
	if err == nil && found {
		var h routing.Health
		if json.Unmarshal(data, &h) == nil {
			return h
		}
	}
	if svc.Endpoint == "" {
		return routing.Health{Status: routing.HealthHealthy, CheckedAt: r.now()}
	}
	return routing.Health{Status: routing.HealthUnknown}
}
