// Package inmem is an in-process fake of discovery.Registry, for tests
// and local development without a running Consul agent.
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/flashsale/reservation/internal/discovery"
)

const ttlWindow = 5 * time.Second

// Registry is a mutex-guarded fake service registry.
type Registry struct {
	mu    sync.RWMutex
	addrs map[string]map[string]*instance
}

type instance struct {
	hostPort   string
	lastActive time.Time
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{addrs: map[string]map[string]*instance{}}
}

func (r *Registry) Register(ctx context.Context, instanceID, serviceName, hostPort string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addrs[serviceName] == nil {
		r.addrs[serviceName] = map[string]*instance{}
	}
	r.addrs[serviceName][instanceID] = &instance{hostPort: hostPort, lastActive: time.Now()}
	return nil
}

func (r *Registry) Deregister(ctx context.Context, instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addrs[serviceName], instanceID)
	return nil
}

func (r *Registry) HealthCheck(instanceID, serviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.addrs[serviceName]
	if !ok {
		return errors.New("service not registered")
	}
	inst, ok := svc[instanceID]
	if !ok {
		return errors.New("instance not registered")
	}
	inst.lastActive = time.Now()
	return nil
}

// Discover returns every registered instance, without a TTL filter.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.addrs[serviceName]) == 0 {
		return nil, errors.New("no service address found")
	}
	var out []string
	for _, inst := range r.addrs[serviceName] {
		out = append(out, inst.hostPort)
	}
	return out, nil
}

// HealthyAddresses is like Discover but filters out instances whose last
// health check is older than ttlWindow, simulating Consul's
// DeregisterCriticalServiceAfter for tests that exercise staleness.
func (r *Registry) HealthyAddresses(ctx context.Context, serviceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.addrs[serviceName]) == 0 {
		return nil, errors.New("no service address found")
	}
	cutoff := time.Now().Add(-ttlWindow)
	var out []string
	for _, inst := range r.addrs[serviceName] {
		if inst.lastActive.Before(cutoff) {
			continue
		}
		out = append(out, inst.hostPort)
	}
	return out, nil
}

var _ discovery.Registry = (*Registry)(nil)
