// Package metrics defines the Prometheus instruments exposed by the service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP holds HTTP-layer request metrics.
type HTTP struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewHTTP builds the HTTP instruments for a service.
func NewHTTP(serviceName string) *HTTP {
	return &HTTP{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Record records one completed HTTP request.
func (m *HTTP) Record(method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Reservation holds business metrics for the reservation engine and stock accountant.
type Reservation struct {
	Reserved         prometheus.Counter
	Confirmed        prometheus.Counter
	Cancelled        prometheus.Counter
	Expired          prometheus.Counter
	InsufficientSold prometheus.Counter
	RetryAttempts    prometheus.Counter
	OperationLatency *prometheus.HistogramVec
}

// NewReservation builds the reservation engine's business instruments.
func NewReservation(serviceName string) *Reservation {
	return &Reservation{
		Reserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_reserved_total",
			Help: "Total reservations created in the Pending state",
		}),
		Confirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_confirmed_total",
			Help: "Total reservations transitioned to Confirmed",
		}),
		Cancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_cancelled_total",
			Help: "Total reservations transitioned to Cancelled",
		}),
		Expired: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_expired_total",
			Help: "Total reservations transitioned to Expired",
		}),
		InsufficientSold: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_insufficient_stock_total",
			Help: "Total reservation attempts rejected for insufficient stock",
		}),
		RetryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_lock_retries_total",
			Help: "Total lock-contention retries performed by the reservation engine",
		}),
		OperationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_reservation_operation_duration_seconds",
				Help:    "Reservation engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// Sweeper holds instruments for the expiration sweeper.
type Sweeper struct {
	TicksTotal      prometheus.Counter
	TicksSkipped    prometheus.Counter
	ScannedTotal    prometheus.Counter
	ExpiredTotal    prometheus.Counter
	FailedTotal     prometheus.Counter
	TickDuration    prometheus.Histogram
}

// NewSweeper builds the sweeper's instruments.
func NewSweeper(serviceName string) *Sweeper {
	return &Sweeper{
		TicksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_sweeper_ticks_total",
			Help: "Total sweeper ticks executed",
		}),
		TicksSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_sweeper_ticks_skipped_total",
			Help: "Total sweeper ticks skipped due to an in-flight run",
		}),
		ScannedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_sweeper_reservations_scanned_total",
			Help: "Total pending-expired reservations scanned",
		}),
		ExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_sweeper_reservations_expired_total",
			Help: "Total reservations released by the sweeper",
		}),
		FailedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_sweeper_release_failures_total",
			Help: "Total release failures encountered during a sweep",
		}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    serviceName + "_sweeper_tick_duration_seconds",
			Help:    "Sweeper tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Limiter holds instruments for the admission limiter.
type Limiter struct {
	Allowed  *prometheus.CounterVec
	Rejected *prometheus.CounterVec
	FailOpen prometheus.Counter
}

// NewLimiter builds the admission limiter's instruments.
func NewLimiter(serviceName string) *Limiter {
	return &Limiter{
		Allowed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_ratelimit_allowed_total",
			Help: "Total requests allowed by the admission limiter",
		}, []string{"policy"}),
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: serviceName + "_ratelimit_rejected_total",
			Help: "Total requests rejected by the admission limiter",
		}, []string{"policy"}),
		FailOpen: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_ratelimit_fail_open_total",
			Help: "Total requests allowed because the rate limit backend was unavailable",
		}),
	}
}
