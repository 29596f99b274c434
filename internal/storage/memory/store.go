// Package memory is an in-process fake of the Storage Gateway, used by unit
// tests the same way discovery/inmem stands in for discovery/consul.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/storage"
)

// Store is a mutex-guarded, in-memory storage.Gateway. A single mutex
// serializes all transactions, which is sufficient to reproduce the lock
// ordering semantics the engine depends on without a real database.
type Store struct {
	mu           sync.Mutex
	items        map[string]storage.Item
	reservations map[string]storage.Reservation
	byCode       map[string]string // code -> id
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		items:        make(map[string]storage.Item),
		reservations: make(map[string]storage.Reservation),
		byCode:       make(map[string]string),
	}
}

// SeedItem inserts or overwrites an item directly, bypassing locking and
// defaulting status to active, version to 1 (as CreateItem does), and
// available_stock to stock - reserved. For test setup only.
func (s *Store) SeedItem(it storage.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	if it.Status == "" {
		it.Status = storage.ItemActive
	}
	if it.Version == 0 {
		it.Version = 1
	}
	it.AvailableStock = it.Stock - it.ReservedStock
	it.UpdatedAt = it.CreatedAt
	s.items[it.ID] = it
}

// CorruptAvailable overwrites an item's stored available_stock, simulating
// external drift for audit/repair tests.
func (s *Store) CorruptAvailable(itemID string, available int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[itemID]
	it.AvailableStock = available
	s.items[itemID] = it
}

func (s *Store) GetItem(ctx context.Context, itemID string) (storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok || it.DeletedAt != nil {
		return storage.Item{}, errs.NotFound("memory.GetItem")
	}
	return it, nil
}

func (s *Store) GetItems(ctx context.Context, itemIDs []string) ([]storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		if it, ok := s.items[id]; ok && it.DeletedAt == nil {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *Store) CreateItem(ctx context.Context, it storage.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.items {
		if existing.SKU == it.SKU && existing.DeletedAt == nil {
			return errs.Conflict("memory.CreateItem")
		}
	}
	now := time.Now()
	it.ReservedStock = 0
	it.AvailableStock = it.Stock
	it.Version = 1
	it.CreatedAt = now
	it.UpdatedAt = now
	s.items[it.ID] = it
	return nil
}

func (s *Store) ItemStats(ctx context.Context) (storage.ItemStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st storage.ItemStats
	for _, it := range s.items {
		if it.DeletedAt != nil {
			continue
		}
		st.Total++
		switch it.Status {
		case storage.ItemActive:
			st.Active++
		case storage.ItemInactive:
			st.Inactive++
		case storage.ItemOutOfStock:
			st.OutOfStock++
		}
	}
	return st, nil
}

func (s *Store) ReservationStats(ctx context.Context, userID string) (storage.ReservationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := storage.ReservationStats{TotalRevenue: decimal.Zero}
	for _, r := range s.reservations {
		if r.DeletedAt != nil {
			continue
		}
		if userID != "" && r.UserID != userID {
			continue
		}
		st.Total++
		switch r.Status {
		case storage.StatusPending:
			st.Pending++
		case storage.StatusConfirmed:
			st.Confirmed++
			st.TotalRevenue = st.TotalRevenue.Add(r.TotalPrice)
		case storage.StatusCancelled:
			st.Cancelled++
		case storage.StatusExpired:
			st.Expired++
		}
	}
	return st, nil
}

func (s *Store) AuditItems(ctx context.Context) ([]storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Item
	for _, it := range s.items {
		if it.DeletedAt != nil {
			continue
		}
		if it.AvailableStock != it.Stock-it.ReservedStock || it.Stock < 0 || it.ReservedStock < 0 {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RepairItems(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fixed int64
	for id, it := range s.items {
		if it.DeletedAt != nil {
			continue
		}
		if it.AvailableStock != it.Stock-it.ReservedStock {
			it.AvailableStock = it.Stock - it.ReservedStock
			it.Version++
			it.UpdatedAt = time.Now()
			s.items[id] = it
			fixed++
		}
	}
	return fixed, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshotItems := cloneMap(s.items)
	snapshotRes := cloneMap(s.reservations)
	snapshotCodes := cloneMap(s.byCode)

	t := &tx{store: s}
	if err := fn(ctx, t); err != nil {
		s.items = snapshotItems
		s.reservations = snapshotRes
		s.byCode = snapshotCodes
		return err
	}
	return nil
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type tx struct {
	store *Store
}

func (t *tx) LockItem(ctx context.Context, itemID string) (storage.Item, error) {
	it, ok := t.store.items[itemID]
	if !ok || it.DeletedAt != nil {
		return storage.Item{}, errs.NotFound("memory.LockItem")
	}
	return it, nil
}

func (t *tx) ApplyItemDelta(ctx context.Context, d storage.ItemDelta) error {
	it, ok := t.store.items[d.ItemID]
	if !ok || it.DeletedAt != nil {
		return errs.NotFound("memory.ApplyItemDelta")
	}
	newStock := it.Stock + d.StockDelta
	newReserved := it.ReservedStock + d.ReservedDelta
	if newStock < 0 || newReserved < 0 || newReserved > newStock {
		return errs.InsufficientStock("memory.ApplyItemDelta")
	}
	it.Stock = newStock
	it.ReservedStock = newReserved
	it.AvailableStock = newStock - newReserved
	it.Version++
	it.UpdatedAt = time.Now()
	t.store.items[d.ItemID] = it
	return nil
}

func (t *tx) SoftDeleteItem(ctx context.Context, itemID string) error {
	it, ok := t.store.items[itemID]
	if !ok || it.DeletedAt != nil {
		return errs.NotFound("memory.SoftDeleteItem")
	}
	for _, r := range t.store.reservations {
		if r.ItemID == itemID && r.Status == storage.StatusPending && r.DeletedAt == nil {
			return errs.PreconditionFailed("memory.SoftDeleteItem")
		}
	}
	now := time.Now()
	it.DeletedAt = &now
	it.UpdatedAt = now
	t.store.items[itemID] = it
	return nil
}

func (t *tx) GetReservation(ctx context.Context, reservationID string) (storage.Reservation, error) {
	r, ok := t.store.reservations[reservationID]
	if !ok || r.DeletedAt != nil {
		return storage.Reservation{}, errs.NotFound("memory.GetReservation")
	}
	return r, nil
}

func (t *tx) LockReservation(ctx context.Context, reservationID string) (storage.Reservation, error) {
	r, ok := t.store.reservations[reservationID]
	if !ok || r.DeletedAt != nil {
		return storage.Reservation{}, errs.NotFound("memory.LockReservation")
	}
	return r, nil
}

func (t *tx) GetReservationByCode(ctx context.Context, code string) (storage.Reservation, error) {
	id, ok := t.store.byCode[code]
	if !ok {
		return storage.Reservation{}, errs.NotFound("memory.GetReservationByCode")
	}
	return t.store.reservations[id], nil
}

func (t *tx) ReservationCodeExists(ctx context.Context, code string) (bool, error) {
	_, ok := t.store.byCode[code]
	return ok, nil
}

func (t *tx) InsertReservation(ctx context.Context, r storage.Reservation) error {
	if _, exists := t.store.byCode[r.ReservationCode]; exists {
		return errs.Conflict("memory.InsertReservation")
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	t.store.reservations[r.ID] = r
	t.store.byCode[r.ReservationCode] = r.ID
	return nil
}

func (t *tx) UpdateReservationStatus(ctx context.Context, reservationID string, from, to storage.ReservationStatus, reason string) error {
	r, ok := t.store.reservations[reservationID]
	if !ok || r.DeletedAt != nil {
		return errs.NotFound("memory.UpdateReservationStatus")
	}
	if r.Status != from {
		return errs.PreconditionFailed("memory.UpdateReservationStatus")
	}
	now := time.Now()
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case storage.StatusConfirmed:
		r.ConfirmedAt = &now
	case storage.StatusCancelled, storage.StatusExpired:
		r.CancelledAt = &now
		if reason != "" {
			r.CancellationReason = reason
		}
	}
	t.store.reservations[reservationID] = r
	return nil
}

func (t *tx) SumUserReserved(ctx context.Context, userID, itemID string) (int64, error) {
	var sum int64
	for _, r := range t.store.reservations {
		if r.DeletedAt != nil || r.UserID != userID || r.ItemID != itemID {
			continue
		}
		if r.Status == storage.StatusPending || r.Status == storage.StatusConfirmed {
			sum += r.Quantity
		}
	}
	return sum, nil
}

func (t *tx) ListExpiredPending(ctx context.Context, limit int) ([]storage.Reservation, error) {
	now := time.Now()
	var out []storage.Reservation
	for _, r := range t.store.reservations {
		if r.DeletedAt == nil && r.Status == storage.StatusPending && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) matches(r storage.Reservation, f storage.ReservationFilter) bool {
	if r.DeletedAt != nil {
		return false
	}
	if f.ItemID != "" && r.ItemID != f.ItemID {
		return false
	}
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if !f.ExpiresAfter.IsZero() && !r.ExpiresAt.After(f.ExpiresAfter) {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !r.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

func (t *tx) ListReservations(ctx context.Context, f storage.ReservationFilter) ([]storage.Reservation, error) {
	var out []storage.Reservation
	for _, r := range t.store.reservations {
		if t.matches(r, f) {
			out = append(out, r)
		}
	}
	if f.SortBy == "expires_at" {
		sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	}
	if f.Offset > 0 && f.Offset < len(out) {
		out = out[f.Offset:]
	} else if f.Offset >= len(out) {
		out = nil
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) CountReservations(ctx context.Context, f storage.ReservationFilter) (int64, error) {
	var n int64
	for _, r := range t.store.reservations {
		if t.matches(r, f) {
			n++
		}
	}
	return n, nil
}
