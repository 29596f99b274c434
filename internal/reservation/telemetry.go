package reservation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flashsale/reservation/internal/storage"
)

var tracer = otel.Tracer("reservation.engine")

// TelemetryMiddleware wraps an Engine, adding a trace span around every
// operation.
type TelemetryMiddleware struct {
	next *Engine
}

// NewTelemetryMiddleware wraps engine with tracing.
func NewTelemetryMiddleware(engine *Engine) *TelemetryMiddleware {
	return &TelemetryMiddleware{next: engine}
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (m *TelemetryMiddleware) Create(ctx context.Context, userID, itemID string, qty int64) (storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Create",
		trace.WithAttributes(attribute.String("item_id", itemID), attribute.Int64("quantity", qty)))
	r, err := m.next.Create(ctx, userID, itemID, qty)
	finish(span, err)
	return r, err
}

func (m *TelemetryMiddleware) Confirm(ctx context.Context, userID, reservationID string) (storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Confirm", trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	r, err := m.next.Confirm(ctx, userID, reservationID)
	finish(span, err)
	return r, err
}

func (m *TelemetryMiddleware) Cancel(ctx context.Context, userID, reservationID, reason string) (storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Cancel", trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	r, err := m.next.Cancel(ctx, userID, reservationID, reason)
	finish(span, err)
	return r, err
}

func (m *TelemetryMiddleware) AdminCancel(ctx context.Context, adminID, reservationID, reason string) (storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.AdminCancel", trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	r, err := m.next.AdminCancel(ctx, adminID, reservationID, reason)
	finish(span, err)
	return r, err
}

func (m *TelemetryMiddleware) Expire(ctx context.Context, reservationID string) (storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Expire", trace.WithAttributes(attribute.String("reservation_id", reservationID)))
	r, err := m.next.Expire(ctx, reservationID)
	finish(span, err)
	return r, err
}

func (m *TelemetryMiddleware) Get(ctx context.Context, code string) (storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.Get", trace.WithAttributes(attribute.String("reservation_code", code)))
	r, err := m.next.Get(ctx, code)
	finish(span, err)
	return r, err
}

func (m *TelemetryMiddleware) ListUserReservations(ctx context.Context, userID string, status storage.ReservationStatus) ([]storage.Reservation, error) {
	ctx, span := tracer.Start(ctx, "reservation.ListUserReservations")
	rs, err := m.next.ListUserReservations(ctx, userID, status)
	finish(span, err)
	return rs, err
}

func (m *TelemetryMiddleware) List(ctx context.Context, f storage.ReservationFilter) (storage.Page, error) {
	ctx, span := tracer.Start(ctx, "reservation.List")
	page, err := m.next.List(ctx, f)
	finish(span, err)
	return page, err
}

func (m *TelemetryMiddleware) ItemStats(ctx context.Context) (storage.ItemStats, error) {
	ctx, span := tracer.Start(ctx, "reservation.ItemStats")
	st, err := m.next.ItemStats(ctx)
	finish(span, err)
	return st, err
}

func (m *TelemetryMiddleware) ReservationStats(ctx context.Context, userID string) (storage.ReservationStats, error) {
	ctx, span := tracer.Start(ctx, "reservation.ReservationStats")
	st, err := m.next.ReservationStats(ctx, userID)
	finish(span, err)
	return st, err
}
