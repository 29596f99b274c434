// Package reservation implements the Reservation Engine: the Pending ->
// Confirmed|Cancelled|Expired state machine, composing the Stock
// Accountant with reservation-row writes inside one transaction, always
// locking the item row before the reservation row.
package reservation

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/broker"
	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/metrics"
	"github.com/flashsale/reservation/internal/stock"
	"github.com/flashsale/reservation/internal/storage"
)

const (
	// DefaultTTL is how long a Pending reservation holds stock before the
	// sweeper (internal/sweeper) releases it.
	DefaultTTL = 15 * time.Minute
	// maxCodeAttempts bounds the reservation_code collision retry.
	maxCodeAttempts = 8
	// maxLockRetries bounds the deadlock/lock-timeout backoff retry.
	maxLockRetries = 3
	// maxReasonLen caps the free-text cancellation reason.
	maxReasonLen = 500
	// adminReasonPrefix marks a cancellation performed by an operator
	// rather than the reservation's owner.
	adminReasonPrefix = "Admin cancelled: "
)

// Publisher fans reservation state transitions out to the event bus.
// Publishing happens after the transaction commits and is best-effort: a
// failure is logged, never propagated.
type Publisher interface {
	Publish(ctx context.Context, routingKey, to string, userID string, data any) error
}

// Event is the data payload published on every state transition.
type Event struct {
	ReservationID   string          `json:"reservation_id"`
	ReservationCode string          `json:"reservation_code"`
	UserID          string          `json:"user_id"`
	ItemID          string          `json:"item_id"`
	Quantity        int64           `json:"quantity"`
	Status          string          `json:"status"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// Engine is the Reservation Engine.
type Engine struct {
	gw         storage.Gateway
	accountant *stock.Accountant
	publisher  Publisher
	metrics    *metrics.Reservation
	log        *zap.Logger
	ttl        time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the default reservation hold duration.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithPublisher attaches a post-commit event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New builds an Engine over gw using accountant for stock mutation.
func New(gw storage.Gateway, accountant *stock.Accountant, m *metrics.Reservation, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{gw: gw, accountant: accountant, metrics: m, log: log, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// isRetryable reports whether err is a failure the caller should retry:
// transient lock contention, or a conflict such as a reservation_code
// collision where a fresh attempt generates a fresh code.
func isRetryable(err error) bool {
	return errs.Is(err, errs.KindTransient) || errs.Is(err, errs.KindConflict)
}

// withRetry runs fn with exponential backoff, retrying only retryable
// failures, bounded at maxLockRetries attempts. Business rejections
// (insufficient stock, precondition failed) propagate on the first
// attempt.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		if e.metrics != nil {
			e.metrics.RetryAttempts.Inc()
		}
		e.log.Warn("retrying after transient failure", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		return struct{}{}, err
	}, backoff.WithMaxTries(maxLockRetries), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	return err
}

// publish fans out one state transition after its transaction has
// committed. Failures must not undo the commit; they are logged and
// dropped.
func (e *Engine) publish(ctx context.Context, routingKey string, r storage.Reservation) {
	if e.publisher == nil {
		return
	}
	ev := Event{
		ReservationID:   r.ID,
		ReservationCode: r.ReservationCode,
		UserID:          r.UserID,
		ItemID:          r.ItemID,
		Quantity:        r.Quantity,
		Status:          string(r.Status),
		TotalPrice:      r.TotalPrice,
		ExpiresAt:       r.ExpiresAt,
	}
	if err := e.publisher.Publish(ctx, routingKey, "", r.UserID, ev); err != nil {
		e.log.Warn("event publish failed after commit",
			zap.String("routing_key", routingKey),
			zap.String("reservation_id", r.ID),
			zap.Error(err),
		)
	}
}

// Create opens a new Pending reservation for qty units of itemID on
// behalf of userID: it locks the item row, enforces the per-user cap,
// reserves the stock, snapshots the item's price, and inserts the
// reservation row, all in one transaction.
func (e *Engine) Create(ctx context.Context, userID, itemID string, qty int64) (storage.Reservation, error) {
	start := time.Now()
	if qty <= 0 {
		return storage.Reservation{}, errs.Validation("reservation.Create", "quantity must be positive")
	}
	if userID == "" || itemID == "" {
		return storage.Reservation{}, errs.Validation("reservation.Create", "user id and item id are required")
	}

	var result storage.Reservation
	err := e.withRetry(ctx, "create", func() error {
		return e.gw.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			// The per-user cap is checked before stock, under the item
			// lock, so a request over the cap reports the cap violation
			// even when stock would also have been short.
			locked, err := tx.LockItem(ctx, itemID)
			if err != nil {
				return err
			}
			held, err := tx.SumUserReserved(ctx, userID, itemID)
			if err != nil {
				return err
			}
			if locked.MaxPerUser > 0 && held+qty > locked.MaxPerUser {
				return errs.PreconditionFailed("reservation.Create")
			}

			it, err := e.accountant.Reserve(ctx, tx, itemID, qty)
			if err != nil {
				return err
			}

			code, err := e.uniqueCode(ctx, tx)
			if err != nil {
				return err
			}

			r := storage.Reservation{
				ID:              uuid.NewString(),
				ReservationCode: code,
				UserID:          userID,
				ItemID:          itemID,
				Quantity:        qty,
				Price:           it.Price,
				TotalPrice:      it.Price.Mul(decimal.NewFromInt(qty)),
				Status:          storage.StatusPending,
				ExpiresAt:       time.Now().Add(e.ttl),
			}
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if e.metrics != nil {
		e.metrics.OperationLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errs.Is(err, errs.KindInsufficientStock) && e.metrics != nil {
			e.metrics.InsufficientSold.Inc()
		}
		return storage.Reservation{}, err
	}
	if e.metrics != nil {
		e.metrics.Reserved.Inc()
	}
	e.publish(ctx, broker.ReservationCreated, result)
	return result, nil
}

// uniqueCode generates a reservation code not yet present in storage,
// regenerating on the astronomically unlikely collision, bounded at
// maxCodeAttempts. A concurrent insert of the same code between the check
// and our insert surfaces as a Conflict, which the caller's retry loop
// absorbs with a fresh code.
func (e *Engine) uniqueCode(ctx context.Context, tx storage.Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		exists, err := tx.ReservationCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errs.Conflict("reservation.uniqueCode")
}

// terminalFn applies one terminal transition's stock side effect.
type terminalFn func(ctx context.Context, tx storage.Tx, r storage.Reservation) error

// settle moves reservationID out of Pending into `to`, taking the item
// lock before the reservation lock. The reservation row is first read
// without a lock to learn its item id, then re-validated under the lock;
// a concurrent transition between the two reads surfaces as
// PreconditionFailed from the status check on the locked row, with the
// conditional status UPDATE as a second guard.
func (e *Engine) settle(ctx context.Context, reservationID string, to storage.ReservationStatus, reason string, guard func(r storage.Reservation) error, side terminalFn) (storage.Reservation, error) {
	var result storage.Reservation
	err := e.gw.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		peek, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if _, err := tx.LockItem(ctx, peek.ItemID); err != nil {
			return err
		}
		r, err := tx.LockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status != storage.StatusPending {
			return errs.PreconditionFailed("reservation.settle")
		}
		if guard != nil {
			if err := guard(r); err != nil {
				return err
			}
		}
		if err := side(ctx, tx, r); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, reservationID, storage.StatusPending, to, reason); err != nil {
			return err
		}
		now := time.Now()
		r.Status = to
		r.CancellationReason = reason
		switch to {
		case storage.StatusConfirmed:
			r.ConfirmedAt = &now
		case storage.StatusCancelled, storage.StatusExpired:
			r.CancelledAt = &now
		}
		result = r
		return nil
	})
	return result, err
}

// Confirm transitions userID's Pending reservation to Confirmed,
// converting the hold into a sale. A reservation exactly at its
// expires_at instant still confirms; only strictly-past deadlines are
// rejected, mirroring the sweeper's strictly-before scan condition.
func (e *Engine) Confirm(ctx context.Context, userID, reservationID string) (storage.Reservation, error) {
	start := time.Now()
	var result storage.Reservation
	err := e.withRetry(ctx, "confirm", func() error {
		var err error
		result, err = e.settle(ctx, reservationID, storage.StatusConfirmed, "",
			func(r storage.Reservation) error {
				if r.UserID != userID {
					return errs.Unauthorized("reservation.Confirm")
				}
				if time.Now().After(r.ExpiresAt) {
					return errs.PreconditionFailed("reservation.Confirm")
				}
				return nil
			},
			func(ctx context.Context, tx storage.Tx, r storage.Reservation) error {
				return e.accountant.Confirm(ctx, tx, r.ItemID, r.Quantity)
			})
		return err
	})
	if e.metrics != nil {
		e.metrics.OperationLatency.WithLabelValues("confirm").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return storage.Reservation{}, err
	}
	if e.metrics != nil {
		e.metrics.Confirmed.Inc()
	}
	e.publish(ctx, broker.ReservationConfirmed, result)
	return result, nil
}

// Cancel transitions userID's Pending reservation to Cancelled, releasing
// its hold back to the available pool. reason is optional free text.
func (e *Engine) Cancel(ctx context.Context, userID, reservationID, reason string) (storage.Reservation, error) {
	if len(reason) > maxReasonLen {
		return storage.Reservation{}, errs.Validation("reservation.Cancel", "reason exceeds 500 characters")
	}
	return e.cancel(ctx, reservationID, reason, func(r storage.Reservation) error {
		if r.UserID != userID {
			return errs.Unauthorized("reservation.Cancel")
		}
		return nil
	})
}

// AdminCancel cancels any Pending reservation on behalf of an operator.
// A non-empty reason is mandatory and is recorded with an operator
// prefix so owner and admin cancellations stay distinguishable.
func (e *Engine) AdminCancel(ctx context.Context, adminID, reservationID, reason string) (storage.Reservation, error) {
	if strings.TrimSpace(reason) == "" {
		return storage.Reservation{}, errs.Validation("reservation.AdminCancel", "reason is required")
	}
	if len(reason) > maxReasonLen {
		return storage.Reservation{}, errs.Validation("reservation.AdminCancel", "reason exceeds 500 characters")
	}
	e.log.Info("admin cancelling reservation",
		zap.String("admin_id", adminID),
		zap.String("reservation_id", reservationID),
	)
	return e.cancel(ctx, reservationID, adminReasonPrefix+reason, nil)
}

func (e *Engine) cancel(ctx context.Context, reservationID, reason string, guard func(r storage.Reservation) error) (storage.Reservation, error) {
	start := time.Now()
	var result storage.Reservation
	err := e.withRetry(ctx, "cancel", func() error {
		var err error
		result, err = e.settle(ctx, reservationID, storage.StatusCancelled, reason, guard,
			func(ctx context.Context, tx storage.Tx, r storage.Reservation) error {
				return e.accountant.Release(ctx, tx, r.ItemID, r.Quantity)
			})
		return err
	})
	if e.metrics != nil {
		e.metrics.OperationLatency.WithLabelValues("cancel").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return storage.Reservation{}, err
	}
	if e.metrics != nil {
		e.metrics.Cancelled.Inc()
	}
	e.publish(ctx, broker.ReservationCancelled, result)
	return result, nil
}

// Expire transitions a Pending reservation to Expired, releasing its hold.
// Used exclusively by the Expiration Sweeper (internal/sweeper); unlike
// Cancel it does not fail if the reservation was already moved out of
// Pending by a concurrent confirm/cancel — that race is expected and
// reported as already settled, not as an error.
func (e *Engine) Expire(ctx context.Context, reservationID string) (storage.Reservation, error) {
	var result storage.Reservation
	alreadySettled := false
	err := e.withRetry(ctx, "expire", func() error {
		return e.gw.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			peek, err := tx.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			if peek.Status != storage.StatusPending {
				alreadySettled = true
				result = peek
				return nil
			}
			if _, err := tx.LockItem(ctx, peek.ItemID); err != nil {
				return err
			}
			r, err := tx.LockReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			if r.Status != storage.StatusPending {
				alreadySettled = true
				result = r
				return nil
			}
			if err := e.accountant.Release(ctx, tx, r.ItemID, r.Quantity); err != nil {
				return err
			}
			if err := tx.UpdateReservationStatus(ctx, reservationID, storage.StatusPending, storage.StatusExpired, ""); err != nil {
				return err
			}
			r.Status = storage.StatusExpired
			result = r
			return nil
		})
	})
	if err != nil {
		return storage.Reservation{}, err
	}
	if !alreadySettled {
		if e.metrics != nil {
			e.metrics.Expired.Inc()
		}
		e.publish(ctx, broker.ReservationExpired, result)
	}
	return result, nil
}

// Get returns a reservation by its public code.
func (e *Engine) Get(ctx context.Context, code string) (storage.Reservation, error) {
	var r storage.Reservation
	err := e.gw.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		r, err = tx.GetReservationByCode(ctx, code)
		return err
	})
	return r, err
}

// ListUserReservations returns userID's reservations, optionally narrowed
// to one status.
func (e *Engine) ListUserReservations(ctx context.Context, userID string, status storage.ReservationStatus) ([]storage.Reservation, error) {
	if userID == "" {
		return nil, errs.Validation("reservation.ListUserReservations", "user id is required")
	}
	page, err := e.List(ctx, storage.ReservationFilter{UserID: userID, Status: status})
	if err != nil {
		return nil, err
	}
	return page.Reservations, nil
}

// List returns one page of reservations matching f plus the unpaged total.
func (e *Engine) List(ctx context.Context, f storage.ReservationFilter) (storage.Page, error) {
	var page storage.Page
	err := e.gw.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rs, err := tx.ListReservations(ctx, f)
		if err != nil {
			return err
		}
		total, err := tx.CountReservations(ctx, f)
		if err != nil {
			return err
		}
		page = storage.Page{Reservations: rs, Total: total, Limit: f.Limit, Offset: f.Offset}
		return nil
	})
	return page, err
}

// ItemStats counts items by status.
func (e *Engine) ItemStats(ctx context.Context) (storage.ItemStats, error) {
	return e.gw.ItemStats(ctx)
}

// ReservationStats aggregates reservation counts and confirmed revenue,
// scoped to one user when userID is non-empty.
func (e *Engine) ReservationStats(ctx context.Context, userID string) (storage.ReservationStats, error) {
	return e.gw.ReservationStats(ctx, userID)
}
