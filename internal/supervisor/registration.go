package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/flashsale/reservation/internal/discovery"
)

// registration tracks one self-registration with an external registry and
// its background TTL health-check loop.
type registration struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
	stopChan    chan struct{}
	log         *slog.Logger
}

// registerService registers instanceID/serviceName/addr with registry and
// starts a 1s TTL health-check ticker. registry may be nil, in which case
// registration is a no-op (Consul not configured).
func registerService(ctx context.Context, reg discovery.Registry, instanceID, serviceName, addr string, log *slog.Logger) (*registration, error) {
	if reg == nil {
		return nil, nil
	}
	if err := reg.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}
	r := &registration{registry: reg, instanceID: instanceID, serviceName: serviceName, stopChan: make(chan struct{}), log: log}
	go r.healthCheckLoop()
	return r, nil
}

func (r *registration) healthCheckLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.registry.HealthCheck(r.instanceID, r.serviceName); err != nil {
				r.log.Warn("registry health check failed", slog.Any("error", err))
			}
		}
	}
}

func (r *registration) deregister(ctx context.Context) error {
	close(r.stopChan)
	return r.registry.Deregister(ctx, r.instanceID, r.serviceName)
}
