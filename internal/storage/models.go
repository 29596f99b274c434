// Package storage defines the Storage Gateway: the only component allowed
// to touch item and reservation rows, and the only component permitted to
// issue the atomic column-relative updates that keep the stock invariant
// (available_stock = stock - reserved_stock) from ever going negative.
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus is an item's sale state.
type ItemStatus string

const (
	ItemActive     ItemStatus = "active"
	ItemInactive   ItemStatus = "inactive"
	ItemOutOfStock ItemStatus = "out_of_stock"
)

// ReservationStatus is the reservation state machine's current state.
type ReservationStatus string

const (
	StatusPending   ReservationStatus = "pending"
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCancelled ReservationStatus = "cancelled"
	StatusExpired   ReservationStatus = "expired"
)

// Terminal reports whether s is one of the three terminal states.
func (s ReservationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusExpired
}

// Item is a single flash-sale SKU. Stock, ReservedStock and AvailableStock
// are only ever mutated through ApplyItemDelta, which writes all three
// columns in one statement; no component may compute a count in memory and
// write it back.
type Item struct {
	ID             string
	SKU            string
	Name           string
	Price          decimal.Decimal
	OriginalPrice  *decimal.Decimal
	Stock          int64
	ReservedStock  int64
	AvailableStock int64
	Status         ItemStatus
	ImageURL       string
	SaleStart      *time.Time
	SaleEnd        *time.Time
	MaxPerUser     int64
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// InSaleWindow reports whether now falls inside the item's optional sale
// window. An unset bound is open on that side.
func (i Item) InSaleWindow(now time.Time) bool {
	if i.SaleStart != nil && now.Before(*i.SaleStart) {
		return false
	}
	if i.SaleEnd != nil && now.After(*i.SaleEnd) {
		return false
	}
	return true
}

// Reservation is one hold against an Item's stock. Price and TotalPrice
// are snapshots taken at creation time; later item price changes never
// alter a committed reservation's totals.
type Reservation struct {
	ID                 string
	ReservationCode    string
	UserID             string
	ItemID             string
	Quantity           int64
	Price              decimal.Decimal
	TotalPrice         decimal.Decimal
	Status             ReservationStatus
	ExpiresAt          time.Time
	ConfirmedAt        *time.Time
	CancelledAt        *time.Time
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// ItemDelta is a signed, column-relative mutation applied to a single item
// row. Positive Stock/Reserved values increase the column; negative values
// decrease it. Callers must never read a column, add a delta in memory, and
// write the sum back.
type ItemDelta struct {
	ItemID        string
	StockDelta    int64
	ReservedDelta int64
}

// ReservationFilter narrows ListReservations. Zero-value fields are
// unconstrained.
type ReservationFilter struct {
	ItemID        string
	UserID        string
	Status        ReservationStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	ExpiresBefore time.Time
	ExpiresAfter  time.Time
	Limit         int
	Offset        int
	SortBy        string // "expires_at" or "created_at"
}

// Page is one page of a reservation listing plus the unpaged total.
type Page struct {
	Reservations []Reservation
	Total        int64
	Limit        int
	Offset       int
}

// ItemStats is the per-status item census exposed on the operational
// surface.
type ItemStats struct {
	Total      int64 `json:"total"`
	Active     int64 `json:"active"`
	Inactive   int64 `json:"inactive"`
	OutOfStock int64 `json:"out_of_stock"`
}

// ReservationStats aggregates reservation counts and confirmed revenue,
// optionally scoped to a single user.
type ReservationStats struct {
	Total        int64           `json:"total"`
	Pending      int64           `json:"pending"`
	Confirmed    int64           `json:"confirmed"`
	Cancelled    int64           `json:"cancelled"`
	Expired      int64           `json:"expired"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}
