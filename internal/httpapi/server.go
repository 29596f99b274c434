// Package httpapi is the JSON HTTP edge over the reservation engine and
// the operational surface (health, sweeper triggers, stock
// audit/repair). Authentication is an external collaborator: the edge
// trusts the identity headers a fronting proxy injects.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashsale/reservation/internal/metrics"
	"github.com/flashsale/reservation/internal/ratelimit"
	"github.com/flashsale/reservation/internal/storage"
	"github.com/flashsale/reservation/internal/sweeper"
)

// Policy names used by the admission limiter. Each maps to a (window,
// max) pair configured at startup.
const (
	PolicyAPI               = "api"
	PolicyReservationCreate = "reservation_create"
)

// Engine is the reservation engine surface the HTTP edge calls. Both
// *reservation.Engine and its telemetry middleware satisfy it.
type Engine interface {
	Create(ctx context.Context, userID, itemID string, qty int64) (storage.Reservation, error)
	Confirm(ctx context.Context, userID, reservationID string) (storage.Reservation, error)
	Cancel(ctx context.Context, userID, reservationID, reason string) (storage.Reservation, error)
	AdminCancel(ctx context.Context, adminID, reservationID, reason string) (storage.Reservation, error)
	Get(ctx context.Context, code string) (storage.Reservation, error)
	ListUserReservations(ctx context.Context, userID string, status storage.ReservationStatus) ([]storage.Reservation, error)
	List(ctx context.Context, f storage.ReservationFilter) (storage.Page, error)
	ItemStats(ctx context.Context) (storage.ItemStats, error)
	ReservationStats(ctx context.Context, userID string) (storage.ReservationStats, error)
}

// Auditor is the stock-consistency surface exposed to operators.
type Auditor interface {
	AuditItems(ctx context.Context) ([]storage.Item, error)
	RepairItems(ctx context.Context) (int64, error)
}

// Limiter decides request admission; nil disables rate limiting (tests).
type Limiter interface {
	Allow(ctx context.Context, policyName string, id ratelimit.Identity) (ratelimit.Decision, error)
}

// Handler serves the reservation API and the operational surface.
type Handler struct {
	engine  Engine
	sweeper *sweeper.Sweeper
	auditor Auditor
	limiter Limiter
	log     *slog.Logger
	metrics *metrics.HTTP
}

// New builds a Handler. sweeper, auditor, limiter, and metrics may each be
// nil, disabling the corresponding surface.
func New(engine Engine, sw *sweeper.Sweeper, auditor Auditor, limiter Limiter, m *metrics.HTTP, log *slog.Logger) *Handler {
	return &Handler{engine: engine, sweeper: sw, auditor: auditor, limiter: limiter, metrics: m, log: log}
}

// Routes returns the full middleware-wrapped handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/reservations", h.rateLimited(PolicyReservationCreate, h.handleCreate))
	mux.HandleFunc("POST /api/reservations/{id}/confirm", h.rateLimited(PolicyAPI, h.handleConfirm))
	mux.HandleFunc("POST /api/reservations/{id}/cancel", h.rateLimited(PolicyAPI, h.handleCancel))
	mux.HandleFunc("GET /api/reservations", h.rateLimited(PolicyAPI, h.handleListOwn))
	mux.HandleFunc("GET /api/reservations/code/{code}", h.rateLimited(PolicyAPI, h.handleGetByCode))
	mux.HandleFunc("GET /api/reservations/stats", h.rateLimited(PolicyAPI, h.handleReservationStats))

	mux.HandleFunc("POST /api/admin/reservations/{id}/cancel", h.adminOnly(h.handleAdminCancel))
	mux.HandleFunc("GET /api/admin/reservations", h.adminOnly(h.handleList))
	mux.HandleFunc("GET /api/admin/items/stats", h.adminOnly(h.handleItemStats))
	mux.HandleFunc("POST /api/admin/sweeper/tick", h.adminOnly(h.handleSweeperTick))
	mux.HandleFunc("GET /api/admin/sweeper/stats", h.adminOnly(h.handleSweeperStats))
	mux.HandleFunc("POST /api/admin/sweeper/stats/reset", h.adminOnly(h.handleSweeperStatsReset))
	mux.HandleFunc("GET /api/admin/stock/audit", h.adminOnly(h.handleStockAudit))
	mux.HandleFunc("POST /api/admin/stock/repair", h.adminOnly(h.handleStockRepair))

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return h.corsMiddleware(h.metricsMiddleware(mux))
}

// identity extracts the caller's identity: the authenticated user id a
// fronting proxy injected, falling back to the first-hop network address.
func identity(r *http.Request) ratelimit.Identity {
	id := ratelimit.Identity{
		UserID: r.Header.Get("X-User-ID"),
		Admin:  r.Header.Get("X-Admin") == "true",
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		id.RemoteAddr = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		id.RemoteAddr = host
	} else {
		id.RemoteAddr = r.RemoteAddr
	}
	return id
}

// rateLimited wraps next with the named admission policy. A breach is
// always answered with 429 and an explicit Retry-After; the limiter never
// silently drops.
func (h *Handler) rateLimited(policy string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			d, err := h.limiter.Allow(r.Context(), policy, identity(r))
			if err != nil {
				h.log.Error("limiter error", slog.Any("error", err))
			} else if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)))
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error:      "rate limit exceeded",
					RetryAfter: int(d.RetryAfter.Round(time.Second) / time.Second),
				})
				return
			}
		}
		next(w, r)
	}
}

// adminOnly rejects callers without the admin capability.
func (h *Handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identity(r).Admin {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin capability required"})
			return
		}
		next(w, r)
	}
}

// metricsMiddleware records request counts and latency, skipping the
// scrape endpoint itself.
func (h *Handler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)
		h.metrics.Record(r.Method, r.URL.Path, strconv.Itoa(recorder.statusCode), time.Since(start))
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers for browser clients.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
