// Package stock implements the Stock Accountant: the atomic reserve,
// release, and confirm operations that keep available_stock equal to
// stock - reserved_stock at every committed state.
package stock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/storage"
)

// Accountant performs the single-item delta mutations that back the
// reservation engine's state transitions. Every method runs inside a
// caller-owned transaction (storage.Tx), never its own — the engine is
// responsible for composing these calls with its reservation-row writes
// in one atomic unit. Each method locks the target item row before
// touching its counts.
type Accountant struct {
	log *zap.Logger
}

// New builds an Accountant.
func New(log *zap.Logger) *Accountant {
	return &Accountant{log: log}
}

// Reserve increases reserved_stock by qty and returns the locked item row
// as it was before the delta, so the caller can snapshot its price. It
// fails with NotFound for a missing item, PreconditionFailed for an item
// that is not Active or is outside its sale window, and InsufficientStock
// when available_stock < qty.
func (a *Accountant) Reserve(ctx context.Context, tx storage.Tx, itemID string, qty int64) (storage.Item, error) {
	it, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return storage.Item{}, err
	}
	if it.Status != storage.ItemActive || !it.InSaleWindow(time.Now()) {
		return storage.Item{}, errs.PreconditionFailed("stock.Reserve")
	}
	if it.AvailableStock < qty {
		return storage.Item{}, errs.InsufficientStock("stock.Reserve")
	}
	if err := tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: itemID, ReservedDelta: qty}); err != nil {
		a.log.Debug("reserve delta rejected", zap.String("item_id", itemID), zap.Int64("qty", qty), zap.Error(err))
		return storage.Item{}, err
	}
	return it, nil
}

// Release decreases reserved_stock by qty, returning the hold to the
// available pool without touching stock. Used for cancellation and
// expiration. A qty larger than the current reserved_stock is clamped to
// it and logged as an anomaly — a release must never drive a count
// negative.
func (a *Accountant) Release(ctx context.Context, tx storage.Tx, itemID string, qty int64) error {
	it, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return err
	}
	release := qty
	if release > it.ReservedStock {
		a.log.Warn("release exceeds reserved stock, clamping",
			zap.String("item_id", itemID),
			zap.Int64("requested", qty),
			zap.Int64("reserved", it.ReservedStock),
		)
		release = it.ReservedStock
	}
	if release == 0 {
		return nil
	}
	return tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: itemID, ReservedDelta: -release})
}

// Confirm converts a hold into a sale: stock and reserved_stock both drop
// by qty, in the same atomic UPDATE, so available_stock is unaffected by
// confirmation. It fails with PreconditionFailed when the item's reserved
// or total stock cannot cover qty — either means the hold being confirmed
// no longer matches the item's accounting.
func (a *Accountant) Confirm(ctx context.Context, tx storage.Tx, itemID string, qty int64) error {
	it, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return err
	}
	if it.ReservedStock < qty {
		a.log.Error("confirm shortfall: reserved below quantity",
			zap.String("item_id", itemID), zap.Int64("qty", qty), zap.Int64("reserved", it.ReservedStock))
		return errs.PreconditionFailed("stock.Confirm")
	}
	if it.Stock < qty {
		a.log.Error("confirm shortfall: stock below quantity",
			zap.String("item_id", itemID), zap.Int64("qty", qty), zap.Int64("stock", it.Stock))
		return errs.PreconditionFailed("stock.Confirm")
	}
	return tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: itemID, StockDelta: -qty, ReservedDelta: -qty})
}

// Report is the result of one consistency audit pass.
type Report struct {
	Inconsistent []storage.Item
}

// Audit scans all items and reports rows whose stored available_stock has
// drifted from stock - reserved_stock, or whose counts have gone
// negative. Read-only; it exists for operational recovery from external
// drift, not for the hot path.
func (a *Accountant) Audit(ctx context.Context, gw storage.Gateway) (Report, error) {
	items, err := gw.AuditItems(ctx)
	if err != nil {
		return Report{}, err
	}
	if len(items) > 0 {
		a.log.Warn("stock audit found inconsistent items", zap.Int("count", len(items)))
	}
	return Report{Inconsistent: items}, nil
}

// Repair resets available_stock to stock - reserved_stock for every
// drifted row in one statement and returns the number of rows corrected.
func (a *Accountant) Repair(ctx context.Context, gw storage.Gateway) (int64, error) {
	fixed, err := gw.RepairItems(ctx)
	if err != nil {
		return 0, err
	}
	if fixed > 0 {
		a.log.Warn("repaired drifted available_stock", zap.Int64("rows", fixed))
	}
	return fixed, nil
}
