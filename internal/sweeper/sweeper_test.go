package sweeper_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/reservation"
	"github.com/flashsale/reservation/internal/storage"
	"github.com/flashsale/reservation/internal/storage/memory"
	"github.com/flashsale/reservation/internal/stock"
	"github.com/flashsale/reservation/internal/sweeper"
)

func newExpiredFixture(t *testing.T, holds int) (*memory.Store, *reservation.Engine) {
	t.Helper()
	store := memory.New()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 50, Price: decimal.NewFromInt(1), MaxPerUser: 50})

	acct := stock.New(zap.NewNop())
	eng := reservation.New(store, acct, nil, zap.NewNop(), reservation.WithTTL(-time.Minute))
	for i := 0; i < holds; i++ {
		_, err := eng.Create(context.Background(), fmt.Sprintf("user-%d", i), "item-1", 3)
		require.NoError(t, err)
	}
	return store, eng
}

func TestTickNowExpiresPastDueReservations(t *testing.T) {
	ctx := context.Background()
	store, eng := newExpiredFixture(t, 1)

	sw := sweeper.New(store, eng, nil, zap.NewNop())
	res, err := sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, sweeper.Result{Processed: 1, Failed: 0}, res)

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 50, it.AvailableStock)
	require.EqualValues(t, 0, it.ReservedStock)

	require.Equal(t, sweeper.HealthHealthy, sw.Health().Health)
}

func TestTickTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, eng := newExpiredFixture(t, 3)

	sw := sweeper.New(store, eng, nil, zap.NewNop())
	first, err := sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, first.Processed)

	// A second pass over the same batch finds nothing left to do.
	second, err := sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, sweeper.Result{}, second)

	stats := sw.Stats()
	require.EqualValues(t, 2, stats.Ticks)
	require.EqualValues(t, 3, stats.Expired)
}

func TestBatchSizeBoundsPerTickWork(t *testing.T) {
	ctx := context.Background()
	store, eng := newExpiredFixture(t, 5)

	sw := sweeper.New(store, eng, nil, zap.NewNop(), sweeper.WithBatchSize(2))
	res, err := sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)

	res, err = sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)

	res, err = sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
}

func TestFutureReservationsAreLeftAlone(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, Price: decimal.NewFromInt(1), MaxPerUser: 10})

	acct := stock.New(zap.NewNop())
	eng := reservation.New(store, acct, nil, zap.NewNop(), reservation.WithTTL(time.Hour))
	_, err := eng.Create(ctx, "user-1", "item-1", 2)
	require.NoError(t, err)

	sw := sweeper.New(store, eng, nil, zap.NewNop())
	res, err := sw.TickNow(ctx)
	require.NoError(t, err)
	require.Equal(t, sweeper.Result{}, res)

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, it.ReservedStock)
}

func TestResetStatsZeroesTotals(t *testing.T) {
	ctx := context.Background()
	store, eng := newExpiredFixture(t, 2)

	sw := sweeper.New(store, eng, nil, zap.NewNop())
	_, err := sw.TickNow(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, sw.Stats().Expired)

	sw.ResetStats()
	stats := sw.Stats()
	require.EqualValues(t, 0, stats.Ticks)
	require.EqualValues(t, 0, stats.Expired)
	require.False(t, stats.LastTick.IsZero(), "last tick survives a stats reset")
}
