package backend

import (
	"fmt"
	"sort"
	"sync"

	tableerrors "github.com/devrev/chaintable/internal/errors"
)

// Registry resolves replica endpoint names to table clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]TableClient
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]TableClient)}
}

// Register adds a client under its endpoint name, replacing any previous one.
func (r *Registry) Register(client TableClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Endpoint()] = client
}

// Resolve returns the client for an endpoint.
func (r *Registry) Resolve(endpoint string) (TableClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[endpoint]
	if !ok {
		return nil, tableerrors.Configuration(fmt.Sprintf("unknown replica endpoint %q", endpoint))
	}
	return client, nil
}

// Endpoints lists registered endpoint names in sorted order.
func (r *Registry) Endpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
