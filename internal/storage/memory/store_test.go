package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/storage"
)

func TestApplyItemDeltaEnforcesBounds(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedItem(storage.Item{ID: "item-1", Stock: 5})

	err := s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: "item-1", ReservedDelta: 6})
	})
	require.True(t, errs.Is(err, errs.KindInsufficientStock))

	err = s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: "item-1", ReservedDelta: -1})
	})
	require.True(t, errs.Is(err, errs.KindInsufficientStock))

	err = s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: "item-1", ReservedDelta: 5})
	})
	require.NoError(t, err)

	it, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, it.AvailableStock)
	require.EqualValues(t, 2, it.Version)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedItem(storage.Item{ID: "item-1", Stock: 5})

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.ApplyItemDelta(ctx, storage.ItemDelta{ItemID: "item-1", ReservedDelta: 3}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	it, err := s.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, it.ReservedStock, "delta must roll back with the transaction")
}

func TestSumUserReservedCountsPendingAndConfirmed(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedItem(storage.Item{ID: "item-1", Stock: 100})

	insert := func(id string, status storage.ReservationStatus, qty int64) {
		err := s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.InsertReservation(ctx, storage.Reservation{
				ID: id, ReservationCode: "code-" + id, UserID: "u-1", ItemID: "item-1",
				Quantity: qty, Status: storage.StatusPending, ExpiresAt: time.Now().Add(time.Hour),
			}); err != nil {
				return err
			}
			if status != storage.StatusPending {
				return tx.UpdateReservationStatus(ctx, id, storage.StatusPending, status, "")
			}
			return nil
		})
		require.NoError(t, err)
	}
	insert("r-1", storage.StatusPending, 2)
	insert("r-2", storage.StatusConfirmed, 3)
	insert("r-3", storage.StatusCancelled, 4)
	insert("r-4", storage.StatusExpired, 5)

	err := s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		sum, err := tx.SumUserReserved(ctx, "u-1", "item-1")
		require.NoError(t, err)
		require.EqualValues(t, 5, sum)
		return nil
	})
	require.NoError(t, err)
}

func TestSoftDeleteItemRefusesWhilePendingHoldsExist(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedItem(storage.Item{ID: "item-1", Stock: 10})

	err := s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertReservation(ctx, storage.Reservation{
			ID: "r-1", ReservationCode: "code-1", UserID: "u-1", ItemID: "item-1",
			Quantity: 1, Status: storage.StatusPending, ExpiresAt: time.Now().Add(time.Hour),
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.SoftDeleteItem(ctx, "item-1")
	})
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))

	err = s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.UpdateReservationStatus(ctx, "r-1", storage.StatusPending, storage.StatusCancelled, "")
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.SoftDeleteItem(ctx, "item-1")
	})
	require.NoError(t, err)

	_, err = s.GetItem(ctx, "item-1")
	require.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCreateItemRejectsDuplicateSKU(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateItem(ctx, storage.Item{ID: "a", SKU: "sku-1", Stock: 1}))
	err := s.CreateItem(ctx, storage.Item{ID: "b", SKU: "sku-1", Stock: 1})
	require.True(t, errs.Is(err, errs.KindConflict))
}

func TestListReservationsPagingAndSort(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.SeedItem(storage.Item{ID: "item-1", Stock: 100})

	base := time.Now()
	err := s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		for i := 0; i < 5; i++ {
			if err := tx.InsertReservation(ctx, storage.Reservation{
				ID: string(rune('a' + i)), ReservationCode: "code-" + string(rune('a'+i)),
				UserID: "u-1", ItemID: "item-1", Quantity: 1, Status: storage.StatusPending,
				ExpiresAt: base.Add(time.Duration(5-i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		page, err := tx.ListReservations(ctx, storage.ReservationFilter{UserID: "u-1", Limit: 2, SortBy: "expires_at"})
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.True(t, page[0].ExpiresAt.Before(page[1].ExpiresAt))

		total, err := tx.CountReservations(ctx, storage.ReservationFilter{UserID: "u-1"})
		require.NoError(t, err)
		require.EqualValues(t, 5, total)
		return nil
	})
	require.NoError(t, err)
}
