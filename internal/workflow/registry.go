package workflow

import (
	"context"
	"sync"
)

// Probe reports whether a service can be used right now.
type Probe func(ctx context.Context) bool

// Always is a Probe for services that are always available.
func Always(context.Context) bool { return true }

// Registry maps services to availability probes. A service without a probe
// is unavailable.
type Registry struct {
	mu     sync.RWMutex
	probes map[Service]Probe
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[Service]Probe)}
}

// Register sets the probe for svc, replacing any previous one.
func (r *Registry) Register(svc Service, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[svc] = probe
}

// Available runs the probe for svc.
func (r *Registry) Available(ctx context.Context, svc Service) bool {
	r.mu.RLock()
	probe, ok := r.probes[svc]
	r.mu.RUnlock()
	return ok && probe != nil && probe(ctx)
}
