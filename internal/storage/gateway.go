package storage

import "context"

// Gateway is the Storage Gateway: transactional access to items and
// reservations with pessimistic row locks and atomic column-relative
// updates. Every method that mutates more than one row does so inside a
// single database transaction.
type Gateway interface {
	// GetItem returns the item row, without locking it. Soft-deleted items
	// are reported as not found.
	GetItem(ctx context.Context, itemID string) (Item, error)
	// GetItems batch-fetches items, without locking them.
	GetItems(ctx context.Context, itemIDs []string) ([]Item, error)
	// CreateItem inserts a new item row. A duplicate SKU is a Conflict.
	CreateItem(ctx context.Context, it Item) error

	// ItemStats counts items by status, excluding soft-deleted rows.
	ItemStats(ctx context.Context) (ItemStats, error)
	// ReservationStats aggregates reservation counts and confirmed
	// revenue; userID narrows the scan to one user when non-empty.
	ReservationStats(ctx context.Context, userID string) (ReservationStats, error)

	// AuditItems scans for rows whose stored available_stock disagrees
	// with stock - reserved_stock, or whose counts have gone negative.
	// Read-only; exists for operational recovery, not the hot path.
	AuditItems(ctx context.Context) ([]Item, error)
	// RepairItems resets available_stock to stock - reserved_stock for
	// every row AuditItems would report, in one statement, and returns
	// the number of rows corrected.
	RepairItems(ctx context.Context) (int64, error)

	// WithTx runs fn inside one transaction and commits on a nil return,
	// rolling back otherwise. fn receives a Tx bound to that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a Gateway transaction. All
// locking methods take the row lock in the caller's chosen order; the
// reservation engine is responsible for always locking the item row before
// the reservation row (see internal/reservation).
type Tx interface {
	// LockItem selects the item row FOR UPDATE and returns its current values.
	LockItem(ctx context.Context, itemID string) (Item, error)
	// ApplyItemDelta issues one atomic column-relative UPDATE for itemID,
	// rewriting stock, reserved_stock, and available_stock together. The
	// WHERE clause itself enforces S1/S2: it only succeeds if the
	// resulting counts remain within bounds.
	ApplyItemDelta(ctx context.Context, d ItemDelta) error
	// SoftDeleteItem tombstones the item row. It fails with
	// PreconditionFailed while any Pending reservation still holds stock.
	SoftDeleteItem(ctx context.Context, itemID string) error

	// GetReservation reads the reservation row without locking it, so the
	// engine can learn the item id before taking locks in item-first order.
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	// LockReservation selects the reservation row FOR UPDATE, if it exists.
	LockReservation(ctx context.Context, reservationID string) (Reservation, error)
	// GetReservationByCode looks up a reservation by its public code, without locking.
	GetReservationByCode(ctx context.Context, code string) (Reservation, error)
	// ReservationCodeExists reports whether code is already taken.
	ReservationCodeExists(ctx context.Context, code string) (bool, error)
	// InsertReservation creates a new Pending reservation row.
	InsertReservation(ctx context.Context, r Reservation) error
	// UpdateReservationStatus transitions a reservation's status, stamping
	// the matching timestamp column and cancellation reason, conditioned
	// on its current status (the WHERE clause enforces the state machine
	// transition table).
	UpdateReservationStatus(ctx context.Context, reservationID string, from, to ReservationStatus, reason string) error

	// SumUserReserved sums quantity over userID's Pending and Confirmed
	// reservations for itemID, the figure the per-user cap is checked
	// against.
	SumUserReserved(ctx context.Context, userID, itemID string) (int64, error)

	// ListExpiredPending returns up to limit Pending reservations whose
	// expires_at has strictly passed, locked FOR UPDATE SKIP LOCKED so
	// concurrent sweeper ticks never contend on the same rows.
	ListExpiredPending(ctx context.Context, limit int) ([]Reservation, error)
	// ListReservations supports the read-only listing operation; it does
	// not take any lock.
	ListReservations(ctx context.Context, f ReservationFilter) ([]Reservation, error)
	// CountReservations returns the unpaged match count for f.
	CountReservations(ctx context.Context, f ReservationFilter) (int64, error)
}
