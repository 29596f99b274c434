// Package discovery is the self-registration facet of the Lifecycle
// Supervisor: it registers this process's health with an external
// registry (Consul) so other infrastructure can discover and
// health-check it.
package discovery

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// Registry is implemented by both consul.Registry (production) and
// inmem.Registry (tests/local dev without a running Consul agent).
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID builds a unique registry ID for this process, e.g.
// "flashsale-843217".
func GenerateInstanceID(serviceName string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return fmt.Sprintf("%s-0", serviceName)
	}
	return fmt.Sprintf("%s-%d", serviceName, n.Int64())
}
