// Package registry defines the port for discovering reasoning services and their
// live health.
package registry

import (
	"context"

	"github.com/Strob0t/Conductor/internal/domain/routing"
)

// ServiceRegistry exposes candidate remote services.
type ServiceRegistry interface {
	// ListCandidates returns enabled services whose domain tag matches domain (or
	// that are generic fallbacks) and whose capability tags are a superset of
	// capabilities. Health is populated from the latest observation.
	ListCandidates(ctx context.Context, domain string, capabilities []string) ([]routing.ServiceDescriptor, error)

	// Get returns one service by id.
	Get(ctx context.Context, id string) (*routing.ServiceDescriptor, error)

	// List returns every enabled service.
	List(ctx context.Context) ([]routing.ServiceDescriptor, error)
}
