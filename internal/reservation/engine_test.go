package reservation_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/reservation"
	"github.com/flashsale/reservation/internal/storage"
	"github.com/flashsale/reservation/internal/storage/memory"
	"github.com/flashsale/reservation/internal/stock"
)

func newTestEngine(t *testing.T, opts ...reservation.Option) (*reservation.Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	acct := stock.New(zap.NewNop())
	return reservation.New(store, acct, nil, zap.NewNop(), opts...), store
}

func seedItem(store *memory.Store, id string, stockQty int64) {
	store.SeedItem(storage.Item{
		ID:         id,
		SKU:        "sku-" + id,
		Stock:      stockQty,
		Price:      decimal.NewFromFloat(19.99),
		MaxPerUser: 100,
	})
}

func TestCreateConfirmLifecycle(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 3)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPending, r.Status)
	require.NotEmpty(t, r.ReservationCode)
	require.True(t, r.Price.Equal(decimal.NewFromFloat(19.99)))
	require.True(t, r.TotalPrice.Equal(decimal.NewFromFloat(59.97)))

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 7, it.AvailableStock)

	confirmed, err := eng.Confirm(ctx, "user-1", r.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)

	it, err = store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 7, it.Stock)
	require.EqualValues(t, 0, it.ReservedStock)

	// Terminal states never reopen.
	_, err = eng.Confirm(ctx, "user-1", r.ID)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))
	_, err = eng.Cancel(ctx, "user-1", r.ID, "")
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))
}

func TestCancelRestoresAvailableStock(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 4)
	require.NoError(t, err)

	cancelled, err := eng.Cancel(ctx, "user-1", r.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, storage.StatusCancelled, cancelled.Status)
	require.Equal(t, "changed my mind", cancelled.CancellationReason)

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, it.AvailableStock)
}

func TestConfirmRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)

	_, err = eng.Confirm(ctx, "user-2", r.ID)
	require.True(t, errs.Is(err, errs.KindUnauthorized))

	_, err = eng.Cancel(ctx, "user-2", r.ID, "")
	require.True(t, errs.Is(err, errs.KindUnauthorized))

	// The hold survives the rejected attempts.
	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, it.ReservedStock)
}

func TestAdminCancelRequiresReason(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 2)
	require.NoError(t, err)

	_, err = eng.AdminCancel(ctx, "admin-1", r.ID, "  ")
	require.True(t, errs.Is(err, errs.KindValidation))

	// The reservation is untouched by the rejected cancel.
	got, err := eng.Get(ctx, r.ReservationCode)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPending, got.Status)

	cancelled, err := eng.AdminCancel(ctx, "admin-1", r.ID, "fraud suspected")
	require.NoError(t, err)
	require.Equal(t, storage.StatusCancelled, cancelled.Status)
	require.Equal(t, "Admin cancelled: fraud suspected", cancelled.CancellationReason)
}

func TestCancelRejectsOversizedReason(t *testing.T) {
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	_, err := eng.Cancel(context.Background(), "user-1", "whatever", strings.Repeat("x", 501))
	require.True(t, errs.Is(err, errs.KindValidation))
}

func TestCreateEnforcesMaxPerUser(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	store.SeedItem(storage.Item{
		ID:         "item-1",
		Stock:      10,
		Price:      decimal.NewFromInt(5),
		MaxPerUser: 5,
	})

	// A single request over the cap trips the cap, not the stock check.
	_, err := eng.Create(ctx, "user-1", "item-1", 6)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))

	// The cap counts Pending and Confirmed holds cumulatively.
	_, err = eng.Create(ctx, "user-1", "item-1", 3)
	require.NoError(t, err)
	r2, err := eng.Create(ctx, "user-1", "item-1", 2)
	require.NoError(t, err)
	_, err = eng.Confirm(ctx, "user-1", r2.ID)
	require.NoError(t, err)

	_, err = eng.Create(ctx, "user-1", "item-1", 1)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))

	// Another user is unaffected.
	_, err = eng.Create(ctx, "user-2", "item-1", 5)
	require.NoError(t, err)
}

func TestCreateRejectsInactiveItem(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, Status: storage.ItemInactive, MaxPerUser: 5})

	_, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))
}

func TestCreateRespectsSaleWindow(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)

	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)
	store.SeedItem(storage.Item{ID: "not-yet", Stock: 10, MaxPerUser: 5, SaleStart: &future})
	store.SeedItem(storage.Item{ID: "over", Stock: 10, MaxPerUser: 5, SaleEnd: &past})
	store.SeedItem(storage.Item{ID: "open", Stock: 10, MaxPerUser: 5, SaleStart: &past, SaleEnd: &future})

	_, err := eng.Create(ctx, "user-1", "not-yet", 1)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))

	_, err = eng.Create(ctx, "user-1", "over", 1)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))

	_, err = eng.Create(ctx, "user-1", "open", 1)
	require.NoError(t, err)
}

func TestPriceSnapshotSurvivesItemPriceChange(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, Price: decimal.NewFromInt(10), MaxPerUser: 5})

	r, err := eng.Create(ctx, "user-1", "item-1", 2)
	require.NoError(t, err)
	require.True(t, r.TotalPrice.Equal(decimal.NewFromInt(20)))

	// Re-seed with a doubled price; the snapshot keeps the old total.
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, ReservedStock: 2, Price: decimal.NewFromInt(20), MaxPerUser: 5})

	confirmed, err := eng.Confirm(ctx, "user-1", r.ID)
	require.NoError(t, err)
	require.True(t, confirmed.TotalPrice.Equal(decimal.NewFromInt(20)))
}

func TestConfirmRejectsExpiredReservation(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t, reservation.WithTTL(-time.Second))
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)

	_, err = eng.Confirm(ctx, "user-1", r.ID)
	require.True(t, errs.Is(err, errs.KindPreconditionFailed))
}

func TestExpireIsIdempotentAgainstConcurrentConfirm(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 2)
	require.NoError(t, err)

	_, err = eng.Confirm(ctx, "user-1", r.ID)
	require.NoError(t, err)

	// Expire on an already-settled reservation reports the terminal state
	// without touching stock.
	expired, err := eng.Expire(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusConfirmed, expired.Status)

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 8, it.Stock)
	require.EqualValues(t, 0, it.ReservedStock)
}

func TestCreateRejectsNonPositiveQuantity(t *testing.T) {
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	_, err := eng.Create(context.Background(), "user-1", "item-1", 0)
	require.True(t, errs.Is(err, errs.KindValidation))
}

// TestConcurrentCreatesNeverOversell races N creators against a bounded
// pool: the committed holds must exactly drain the pool and never exceed
// it.
func TestConcurrentCreatesNeverOversell(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 20)

	const workers = 50
	var wg sync.WaitGroup
	successes := make([]bool, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := eng.Create(ctx, fmt.Sprintf("user-%d", i), "item-1", 1)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 20, count)

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, it.AvailableStock)
	require.EqualValues(t, 20, it.ReservedStock)
}

// TestSingleUnitContention races 100 callers for one unit: exactly one
// Pending reservation commits, everyone else sees InsufficientStock.
func TestSingleUnitContention(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 1)

	const callers = 100
	var wg sync.WaitGroup
	errors := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errors[i] = eng.Create(ctx, fmt.Sprintf("user-%d", i), "item-1", 1)
		}(i)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errors {
		if err == nil {
			wins++
		} else if errs.Is(err, errs.KindInsufficientStock) {
			losses++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, callers-1, losses)

	it, err := store.GetItem(ctx, "item-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, it.ReservedStock)
}

func TestReservationExpiresAtRespectsTTLOption(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t, reservation.WithTTL(2*time.Minute))
	seedItem(store, "item-1", 5)

	before := time.Now()
	r, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)
	require.WithinDuration(t, before.Add(2*time.Minute), r.ExpiresAt, 5*time.Second)
}

func TestListUserReservationsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	seedItem(store, "item-1", 10)

	r1, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)
	_, err = eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)
	_, err = eng.Create(ctx, "user-2", "item-1", 1)
	require.NoError(t, err)

	_, err = eng.Confirm(ctx, "user-1", r1.ID)
	require.NoError(t, err)

	pending, err := eng.ListUserReservations(ctx, "user-1", storage.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	all, err := eng.ListUserReservations(ctx, "user-1", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestReservationStatsAggregateRevenue(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(t)
	store.SeedItem(storage.Item{ID: "item-1", Stock: 10, Price: decimal.NewFromInt(10), MaxPerUser: 10})

	r1, err := eng.Create(ctx, "user-1", "item-1", 2)
	require.NoError(t, err)
	_, err = eng.Confirm(ctx, "user-1", r1.ID)
	require.NoError(t, err)

	r2, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)
	_, err = eng.Cancel(ctx, "user-1", r2.ID, "")
	require.NoError(t, err)

	st, err := eng.ReservationStats(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, st.Total)
	require.EqualValues(t, 1, st.Confirmed)
	require.EqualValues(t, 1, st.Cancelled)
	require.True(t, st.TotalRevenue.Equal(decimal.NewFromInt(20)))
}

// recordingPublisher captures post-commit events in-process.
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey, to string, userID string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, routingKey)
	return nil
}

func TestStateTransitionsPublishEvents(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := memory.New()
	acct := stock.New(zap.NewNop())
	eng := reservation.New(store, acct, nil, zap.NewNop(), reservation.WithPublisher(pub))
	seedItem(store, "item-1", 10)

	r, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)
	_, err = eng.Confirm(ctx, "user-1", r.ID)
	require.NoError(t, err)

	r2, err := eng.Create(ctx, "user-1", "item-1", 1)
	require.NoError(t, err)
	_, err = eng.Cancel(ctx, "user-1", r2.ID, "")
	require.NoError(t, err)

	require.Equal(t, []string{
		"reservation.created",
		"reservation.confirmed",
		"reservation.created",
		"reservation.cancelled",
	}, pub.events)
}
