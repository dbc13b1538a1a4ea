package reasoningsvc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Strob0t/Conductor/internal/domain/routing"
)

// Factory creates a Client bound to one service descriptor.
type Factory func(svc routing.ServiceDescriptor) (Client, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a transport available by name.
// It is typically called from an init() function in the adapter package.
func Register(transport string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[transport]; exists {
		panic(fmt.Sprintf("reasoningsvc: duplicate registration for %q", transport))
	}
	factories[transport] = factory
}

// New creates a Client for svc using the factory registered for its transport.
func New(svc routing.ServiceDescriptor) (Client, error) {
	mu.RLock()
	factory, ok := factories[svc.Transport]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("reasoningsvc: unknown transport %q for service %s", svc.Transport, svc.ID)
	}
	return factory(svc)
}

// Available returns the names of all registered transports, sorted.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
