// Package sweeper implements the Expiration Sweeper: a periodic ticker
// that finds Pending reservations past their expires_at and releases
// them, with a reentrancy guard, a batch limit, health reporting,
// per-tick counters, and a manual trigger.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/metrics"
	"github.com/flashsale/reservation/internal/storage"
)

// Health is the sweeper's self-reported operational status.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const (
	// degradedFailureRatio marks the sweeper degraded once this fraction
	// of the reservations scanned since start or the last stats reset
	// failed to release.
	degradedFailureRatio = 0.25
	// unhealthyConsecutiveFailures marks the sweeper unhealthy once this
	// many ticks in a row have failed outright.
	unhealthyConsecutiveFailures = 3
	// staleTickIntervals marks the sweeper degraded once no successful
	// tick has completed within this many intervals.
	staleTickIntervals = 3
)

// Engine is the subset of reservation.Engine the sweeper depends on.
type Engine interface {
	Expire(ctx context.Context, reservationID string) (storage.Reservation, error)
}

// Lister is the subset of storage.Gateway the sweeper uses to find
// candidates. It goes straight to the gateway rather than through the
// engine because ListExpiredPending needs its own locked read.
type Lister interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error
}

// Result is one sweep's outcome.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Stats accumulates sweep totals since start or the last reset.
type Stats struct {
	Ticks     int64     `json:"ticks"`
	Scanned   int64     `json:"scanned"`
	Expired   int64     `json:"expired"`
	Failed    int64     `json:"failed"`
	LastTick  time.Time `json:"last_tick,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Sweeper periodically releases expired Pending reservations.
type Sweeper struct {
	gw       Lister
	engine   Engine
	log      *zap.Logger
	metrics  *metrics.Sweeper
	interval time.Duration
	batch    int
	deadline time.Duration

	running             atomic.Bool
	consecutiveFailures atomic.Int64

	mu    sync.Mutex
	stats Stats
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval overrides the default 60s tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithBatchSize overrides the default per-tick batch limit.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batch = n }
}

// New builds a Sweeper over gw and engine.
func New(gw Lister, engine Engine, m *metrics.Sweeper, log *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		gw:       gw,
		engine:   engine,
		log:      log,
		metrics:  m,
		interval: 60 * time.Second,
		batch:    100,
	}
	for _, opt := range opts {
		opt(s)
	}
	// A tick gets its own deadline, independent of any single
	// transaction's, sized so one slow tick cannot pile up behind the
	// next.
	s.deadline = s.interval * staleTickIntervals
	return s
}

// Run blocks, ticking every interval until ctx is cancelled. Overlapping
// ticks are coalesced: if a tick is still running when the ticker fires
// again, the new tick is skipped rather than queued.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// TickNow runs one sweep immediately, outside the ticker schedule. It is
// still subject to the reentrancy guard: if a tick is already running,
// TickNow returns immediately with a zero Result and no error.
func (s *Sweeper) TickNow(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, nil
	}
	defer s.running.Store(false)
	return s.sweep(ctx)
}

func (s *Sweeper) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.TicksSkipped.Inc()
		}
		return
	}
	defer s.running.Store(false)
	if _, err := s.sweep(ctx); err != nil {
		s.log.Error("sweep tick failed", zap.Error(err))
	}
}

func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.TicksTotal.Inc()
	}
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	var candidates []storage.Reservation
	err := s.gw.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		candidates, err = tx.ListExpiredPending(ctx, s.batch)
		return err
	})
	if err != nil {
		s.consecutiveFailures.Add(1)
		s.recordTick(start, 0, 0, 0, err)
		return Result{}, err
	}
	if s.metrics != nil {
		s.metrics.ScannedTotal.Add(float64(len(candidates)))
	}

	expired := 0
	failed := 0
	for _, r := range candidates {
		if _, err := s.engine.Expire(ctx, r.ID); err != nil {
			failed++
			s.log.Warn("failed to expire reservation", zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}
		expired++
	}
	if s.metrics != nil {
		s.metrics.ExpiredTotal.Add(float64(expired))
		s.metrics.FailedTotal.Add(float64(failed))
	}

	s.consecutiveFailures.Store(0)
	s.recordTick(start, len(candidates), expired, failed, nil)
	return Result{Processed: expired, Failed: failed}, nil
}

func (s *Sweeper) recordTick(start time.Time, scanned, expired, failed int, err error) {
	d := time.Since(start)
	if s.metrics != nil {
		s.metrics.TickDuration.Observe(d.Seconds())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Ticks++
	s.stats.Scanned += int64(scanned)
	s.stats.Expired += int64(expired)
	s.stats.Failed += int64(failed)
	if err != nil {
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastTick = time.Now()
		s.stats.LastError = ""
	}
}

// Stats returns a snapshot of the accumulated sweep totals.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the accumulated totals, keeping the last-tick
// timestamp so health reporting stays truthful across a reset.
func (s *Sweeper) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	lastTick := s.stats.LastTick
	s.stats = Stats{LastTick: lastTick}
}

// Status is the sweeper's health report.
type Status struct {
	Health              Health    `json:"health"`
	LastTick            time.Time `json:"last_tick,omitzero"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Health reports the sweeper's current self-reported status: unhealthy
// after repeated whole-tick failures, degraded after any whole-tick
// failure, when ticks have gone stale, or when the failure ratio over the
// reservations scanned since start or the last reset is high, healthy
// otherwise.
func (s *Sweeper) Health() Status {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	st := Status{
		Health:              HealthHealthy,
		LastTick:            stats.LastTick,
		ConsecutiveFailures: s.consecutiveFailures.Load(),
		LastError:           stats.LastError,
	}
	switch {
	case st.ConsecutiveFailures >= unhealthyConsecutiveFailures:
		st.Health = HealthUnhealthy
	case st.ConsecutiveFailures > 0:
		st.Health = HealthDegraded
	case !stats.LastTick.IsZero() && time.Since(stats.LastTick) > time.Duration(staleTickIntervals)*s.interval:
		st.Health = HealthDegraded
	case stats.Scanned > 0 && float64(stats.Failed)/float64(stats.Scanned) >= degradedFailureRatio:
		st.Health = HealthDegraded
	}
	return st
}
