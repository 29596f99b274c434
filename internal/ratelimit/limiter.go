// Package ratelimit implements the Admission Limiter: a Redis-backed
// fixed-window counter keyed by caller identity and named policy,
// failing open on backend outage.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flashsale/reservation/internal/metrics"
)

// windowIncr atomically increments a fixed-window counter, sets its
// expiry only on the first increment of the window, and returns the count
// together with the window's remaining lifetime so a rejected caller can
// be told when to come back.
const windowIncr = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}`

// Identity names one caller: the authenticated user id when present,
// otherwise the first-hop network address. Admin marks callers holding
// the admin capability, which some policies skip.
type Identity struct {
	UserID     string
	RemoteAddr string
	Admin      bool
}

// Key returns the identity's counter key component.
func (id Identity) Key() string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "addr:" + id.RemoteAddr
}

// Policy names one named rate-limit rule: at most Limit requests per
// Window, per caller identity. SkipAdmin exempts admin callers.
type Policy struct {
	Name      string
	Limit     int64
	Window    time.Duration
	SkipAdmin bool
}

// Decision is the limiter's verdict on one request. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter is the Admission Limiter.
type Limiter struct {
	client   *redis.Client
	policies map[string]Policy
	metrics  *metrics.Limiter
	script   *redis.Script
}

// New builds a Limiter over an already-connected Redis client with the
// given named policies.
func New(client *redis.Client, m *metrics.Limiter, policies ...Policy) *Limiter {
	byName := make(map[string]Policy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}
	return &Limiter{client: client, policies: byName, metrics: m, script: redis.NewScript(windowIncr)}
}

// Allow decides whether id may proceed under the named policy. On Redis
// error it fails open (allows the request) — an unavailable limiter must
// never itself cause an outage on the write path.
func (l *Limiter) Allow(ctx context.Context, policyName string, id Identity) (Decision, error) {
	p, ok := l.policies[policyName]
	if !ok {
		return Decision{}, fmt.Errorf("ratelimit: unknown policy %q", policyName)
	}
	if p.SkipAdmin && id.Admin {
		return Decision{Allowed: true}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", p.Name, id.Key())
	res, err := l.script.Run(ctx, l.client, []string{key}, p.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if l.metrics != nil {
			l.metrics.FailOpen.Inc()
		}
		return Decision{Allowed: true}, nil
	}
	count, ttlMillis := res[0], res[1]

	if count <= p.Limit {
		if l.metrics != nil {
			l.metrics.Allowed.WithLabelValues(p.Name).Inc()
		}
		return Decision{Allowed: true}, nil
	}

	if l.metrics != nil {
		l.metrics.Rejected.WithLabelValues(p.Name).Inc()
	}
	retryAfter := time.Duration(ttlMillis) * time.Millisecond
	if retryAfter <= 0 {
		retryAfter = p.Window
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}, nil
}
