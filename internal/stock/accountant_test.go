package stock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/storage"
	"github.com/flashsale/reservation/internal/storage/memory"
	"github.com/flashsale/reservation/internal/stock"
)

func newTestAccountant() (*stock.Accountant, *memory.Store) {
	return stock.New(zap.NewNop()), memory.New()
}

func TestReserveRejectsOversell(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		_, err := a.Reserve(ctx, tx, "item-1", 11)
		return err
	})
	require.True(t, errs.Is(err, errs.KindInsufficientStock))

	it, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, it.ReservedStock)
}

func TestReserveRejectsInactiveAndOutOfWindowItems(t *testing.T) {
	a, store := newTestAccountant()
	future := time.Now().Add(time.Hour)
	store.SeedItem(storage.Item{ID: "inactive", Stock: 10, Status: storage.ItemInactive})
	store.SeedItem(storage.Item{ID: "not-yet", Stock: 10, SaleStart: &future})

	for _, id := range []string{"inactive", "not-yet"} {
		err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			_, err := a.Reserve(ctx, tx, id, 1)
			return err
		})
		require.True(t, errs.Is(err, errs.KindPreconditionFailed), id)
	}
}

func TestReserveReturnsLockedItemForSnapshot(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		it, err := a.Reserve(ctx, tx, "item-1", 4)
		require.NoError(t, err)
		require.Equal(t, "item-1", it.ID)
		return nil
	})
	require.NoError(t, err)

	it, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 6, it.AvailableStock)
}

func TestConfirmLeavesAvailableUnchanged(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, ReservedStock: 4})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return a.Confirm(ctx, tx, "item-1", 4)
	})
	require.NoError(t, err)

	it, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 6, it.Stock)
	require.EqualValues(t, 0, it.ReservedStock)
	require.EqualValues(t, 6, it.AvailableStock)
}

func TestConfirmRejectsReservedShortfall(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, ReservedStock: 2})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return a.Confirm(ctx, tx, "item-1", 3)
	})
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))
}

func TestReleaseReturnsStockToPool(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, ReservedStock: 5})

	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return a.Release(ctx, tx, "item-1", 5)
	})
	require.NoError(t, err)

	it, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, it.AvailableStock)
}

func TestReleaseClampsToReservedStock(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, ReservedStock: 3})

	// Releasing more than is held must clamp, never go negative.
	err := store.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return a.Release(ctx, tx, "item-1", 7)
	})
	require.NoError(t, err)

	it, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, it.ReservedStock)
	require.EqualValues(t, 10, it.AvailableStock)
}

func TestAuditAndRepairRecoverDrift(t *testing.T) {
	a, store := newTestAccountant()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, ReservedStock: 3})
	store.SeedItem(storage.Item{ID: "item-2", Stock: 5})
	store.CorruptAvailable("item-1", 9)

	report, err := a.Audit(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, report.Inconsistent, 1)
	require.Equal(t, "item-1", report.Inconsistent[0].ID)

	fixed, err := a.Repair(context.Background(), store)
	require.NoError(t, err)
	require.EqualValues(t, 1, fixed)

	report, err = a.Audit(context.Background(), store)
	require.NoError(t, err)
	require.Empty(t, report.Inconsistent)

	it, err := store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 7, it.AvailableStock)
}
