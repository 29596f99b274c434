package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/storage"
	"github.com/flashsale/reservation/internal/sweeper"
)

type errorBody struct {
	Error      string `json:"error"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// reservationBody is the JSON shape of a reservation on the wire.
type reservationBody struct {
	ID                 string          `json:"id"`
	ReservationCode    string          `json:"reservation_code"`
	UserID             string          `json:"user_id"`
	ItemID             string          `json:"item_id"`
	Quantity           int64           `json:"quantity"`
	Price              decimal.Decimal `json:"price"`
	TotalPrice         decimal.Decimal `json:"total_price"`
	Status             string          `json:"status"`
	ExpiresAt          time.Time       `json:"expires_at"`
	ConfirmedAt        *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

func toBody(r storage.Reservation) reservationBody {
	return reservationBody{
		ID:                 r.ID,
		ReservationCode:    r.ReservationCode,
		UserID:             r.UserID,
		ItemID:             r.ItemID,
		Quantity:           r.Quantity,
		Price:              r.Price,
		TotalPrice:         r.TotalPrice,
		Status:             string(r.Status),
		ExpiresAt:          r.ExpiresAt,
		ConfirmedAt:        r.ConfirmedAt,
		CancelledAt:        r.CancelledAt,
		CancellationReason: r.CancellationReason,
		CreatedAt:          r.CreatedAt,
	}
}

func toBodies(rs []storage.Reservation) []reservationBody {
	out := make([]reservationBody, 0, len(rs))
	for _, r := range rs {
		out = append(out, toBody(r))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the shared error taxonomy onto HTTP statuses. Internal
// failures never leak their cause to the caller.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	var status int
	msg := kind.String()
	switch kind {
	case errs.KindNotFound:
		status = http.StatusNotFound
		msg = "not found"
	case errs.KindUnauthorized:
		status = http.StatusForbidden
		msg = "not allowed"
	case errs.KindPreconditionFailed:
		status = http.StatusConflict
		msg = "precondition failed"
	case errs.KindInsufficientStock:
		status = http.StatusConflict
		msg = "insufficient stock"
	case errs.KindConflict:
		status = http.StatusConflict
		msg = "conflict"
	case errs.KindRateLimited:
		status = http.StatusTooManyRequests
		msg = "rate limit exceeded"
	case errs.KindValidation:
		status = http.StatusUnprocessableEntity
		msg = "invalid request"
	case errs.KindTransient:
		status = http.StatusServiceUnavailable
		msg = "temporarily unavailable, retry"
	default:
		status = http.StatusInternalServerError
		msg = "internal error"
		h.log.Error("internal error", slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind.String()})
}

// requireUser extracts the authenticated user id, rejecting anonymous
// callers.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "authentication required"})
		return "", false
	}
	return userID, true
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		ItemID   string `json:"item_id"`
		Quantity int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "invalid request body"})
		return
	}

	res, err := h.engine.Create(r.Context(), userID, req.ItemID, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBody(res))
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Confirm(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(res))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	res, err := h.engine.Cancel(r.Context(), userID, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(res))
}

func (h *Handler) handleAdminCancel(w http.ResponseWriter, r *http.Request) {
	adminID := r.Header.Get("X-User-ID")
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	res, err := h.engine.AdminCancel(r.Context(), adminID, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBody(res))
}

func (h *Handler) handleListOwn(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	status := storage.ReservationStatus(r.URL.Query().Get("status"))
	rs, err := h.engine.ListUserReservations(r.Context(), userID, status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": toBodies(rs)})
}

func (h *Handler) handleGetByCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.engine.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if res.UserID != userID && !identity(r).Admin {
		h.writeError(w, errs.NotFound("httpapi.handleGetByCode"))
		return
	}
	writeJSON(w, http.StatusOK, toBody(res))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ReservationFilter{
		ItemID: q.Get("item_id"),
		UserID: q.Get("user_id"),
		Status: storage.ReservationStatus(q.Get("status")),
		SortBy: q.Get("sort"),
	}
	if v := q.Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		f.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("created_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.CreatedAfter = t
		}
	}
	if v := q.Get("created_before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.CreatedBefore = t
		}
	}

	page, err := h.engine.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservations": toBodies(page.Reservations),
		"total":        page.Total,
		"limit":        page.Limit,
		"offset":       page.Offset,
	})
}

func (h *Handler) handleItemStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.ItemStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleReservationStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	// Admins may aggregate across all users or inspect another user.
	if identity(r).Admin {
		userID = r.URL.Query().Get("user_id")
	}
	st, err := h.engine.ReservationStats(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleSweeperTick(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "sweeper not running"})
		return
	}
	result, err := h.sweeper.TickNow(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSweeperStats(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "sweeper not running"})
		return
	}
	writeJSON(w, http.StatusOK, h.sweeper.Stats())
}

func (h *Handler) handleSweeperStatsReset(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "sweeper not running"})
		return
	}
	h.sweeper.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleStockAudit(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "audit not available"})
		return
	}
	items, err := h.auditor.AuditItems(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	type row struct {
		ItemID        string `json:"item_id"`
		SKU           string `json:"sku"`
		Stock         int64  `json:"stock"`
		ReservedStock int64  `json:"reserved_stock"`
		Available     int64  `json:"available_stock"`
	}
	rows := make([]row, 0, len(items))
	for _, it := range items {
		rows = append(rows, row{ItemID: it.ID, SKU: it.SKU, Stock: it.Stock, ReservedStock: it.ReservedStock, Available: it.AvailableStock})
	}
	writeJSON(w, http.StatusOK, map[string]any{"inconsistent": rows, "count": len(rows)})
}

func (h *Handler) handleStockRepair(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "repair not available"})
		return
	}
	fixed, err := h.auditor.RepairItems(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"repaired": fixed})
}

// handleHealth reports per-component health. The process answering at all
// covers storage reachability for readiness purposes; the sweeper reports
// its own state.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	components := map[string]any{}
	overall := "healthy"
	if h.sweeper != nil {
		sh := h.sweeper.Health()
		components["sweeper"] = sh
		switch sh.Health {
		case sweeper.HealthUnhealthy:
			overall = "unhealthy"
			status = http.StatusServiceUnavailable
		case sweeper.HealthDegraded:
			overall = "degraded"
		}
	}
	writeJSON(w, status, map[string]any{"status": overall, "components": components})
}
