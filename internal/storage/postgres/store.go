// Package postgres implements the Storage Gateway against PostgreSQL using
// database/sql and the lib/pq driver, with pessimistic row locks and
// column-relative UPDATE statements as the only stock mutation primitive.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flashsale/reservation/internal/errs"
	"github.com/flashsale/reservation/internal/storage"
)

const itemColumns = `id, sku, name, price, original_price, stock, reserved_stock, available_stock,
	status, image_url, sale_start, sale_end, max_per_user, version, created_at, updated_at, deleted_at`

const reservationColumns = `id, reservation_code, user_id, item_id, quantity, price, total_price,
	status, expires_at, confirmed_at, cancelled_at, cancellation_reason, created_at, updated_at, deleted_at`

// Store is a storage.Gateway backed by a *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL via dsn and verifies connectivity.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetItem(ctx context.Context, itemID string) (storage.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items WHERE id = $1 AND deleted_at IS NULL`, itemID)
	return scanItem(row)
}

func (s *Store) GetItems(ctx context.Context, itemIDs []string) ([]storage.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items WHERE id = ANY($1) AND deleted_at IS NULL`, pq.Array(itemIDs))
	if err != nil {
		return nil, mapError("postgres.GetItems", err)
	}
	defer rows.Close()

	var out []storage.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) CreateItem(ctx context.Context, it storage.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items
			(id, sku, name, price, original_price, stock, reserved_stock, available_stock,
			 status, image_url, sale_start, sale_end, max_per_user, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $6, $7, $8, $9, $10, $11, 1, NOW(), NOW())`,
		it.ID, it.SKU, it.Name, it.Price, it.OriginalPrice, it.Stock,
		it.Status, it.ImageURL, it.SaleStart, it.SaleEnd, it.MaxPerUser)
	return mapError("postgres.CreateItem", err)
}

func (s *Store) ItemStats(ctx context.Context) (storage.ItemStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'active'),
		       COUNT(*) FILTER (WHERE status = 'inactive'),
		       COUNT(*) FILTER (WHERE status = 'out_of_stock')
		FROM items WHERE deleted_at IS NULL`)
	var st storage.ItemStats
	if err := row.Scan(&st.Total, &st.Active, &st.Inactive, &st.OutOfStock); err != nil {
		return storage.ItemStats{}, mapError("postgres.ItemStats", err)
	}
	return st, nil
}

func (s *Store) ReservationStats(ctx context.Context, userID string) (storage.ReservationStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'confirmed'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COUNT(*) FILTER (WHERE status = 'expired'),
		       COALESCE(SUM(total_price) FILTER (WHERE status = 'confirmed'), 0)
		FROM reservations WHERE deleted_at IS NULL`
	var args []any
	if userID != "" {
		query += ` AND user_id = $1`
		args = append(args, userID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	var st storage.ReservationStats
	if err := row.Scan(&st.Total, &st.Pending, &st.Confirmed, &st.Cancelled, &st.Expired, &st.TotalRevenue); err != nil {
		return storage.ReservationStats{}, mapError("postgres.ReservationStats", err)
	}
	return st, nil
}

func (s *Store) AuditItems(ctx context.Context) ([]storage.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE deleted_at IS NULL
		  AND (available_stock <> stock - reserved_stock OR stock < 0 OR reserved_stock < 0)`)
	if err != nil {
		return nil, mapError("postgres.AuditItems", err)
	}
	defer rows.Close()

	var out []storage.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) RepairItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET available_stock = stock - reserved_stock,
		    version = version + 1,
		    updated_at = NOW()
		WHERE deleted_at IS NULL AND available_stock <> stock - reserved_stock`)
	if err != nil {
		return 0, mapError("postgres.RepairItems", err)
	}
	return res.RowsAffected()
}

// txDeadline bounds every transaction, lock waits included; hitting it
// surfaces as Transient so the engine's retry loop picks it up.
const txDeadline = 5 * time.Second

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txDeadline)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError("postgres.WithTx", err)
	}

	if err := fn(ctx, &tx{sqlTx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError("postgres.WithTx.commit", err)
	}
	return nil
}

type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) LockItem(ctx context.Context, itemID string) (storage.Item, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM items WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, itemID)
	return scanItem(row)
}

// ApplyItemDelta is the ONLY stock mutation primitive. available_stock is
// rewritten from the same column-relative expressions in the same
// statement, and the WHERE clause re-checks the bounds at the database
// layer: a delta that would drive stock or reserved_stock negative, or
// reserved_stock above stock, affects zero rows instead of corrupting the
// row.
func (t *tx) ApplyItemDelta(ctx context.Context, d storage.ItemDelta) error {
	res, err := t.sqlTx.ExecContext(ctx, `
		UPDATE items
		SET stock = stock + $1,
		    reserved_stock = reserved_stock + $2,
		    available_stock = (stock + $1) - (reserved_stock + $2),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $3
		  AND deleted_at IS NULL
		  AND stock + $1 >= 0
		  AND reserved_stock + $2 >= 0
		  AND reserved_stock + $2 <= stock + $1`,
		d.StockDelta, d.ReservedDelta, d.ItemID)
	if err != nil {
		return mapError("postgres.ApplyItemDelta", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply item delta rows affected: %w", err)
	}
	if n == 0 {
		return errs.InsufficientStock("postgres.ApplyItemDelta")
	}
	return nil
}

func (t *tx) SoftDeleteItem(ctx context.Context, itemID string) error {
	res, err := t.sqlTx.ExecContext(ctx, `
		UPDATE items SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1
		  AND deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM reservations
			WHERE item_id = $1 AND status = 'pending' AND deleted_at IS NULL)`,
		itemID)
	if err != nil {
		return mapError("postgres.SoftDeleteItem", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete item rows affected: %w", err)
	}
	if n == 0 {
		return errs.PreconditionFailed("postgres.SoftDeleteItem")
	}
	return nil
}

func (t *tx) GetReservation(ctx context.Context, reservationID string) (storage.Reservation, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations WHERE id = $1 AND deleted_at IS NULL`, reservationID)
	return scanReservation(row)
}

func (t *tx) LockReservation(ctx context.Context, reservationID string) (storage.Reservation, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, reservationID)
	return scanReservation(row)
}

func (t *tx) GetReservationByCode(ctx context.Context, code string) (storage.Reservation, error) {
	row := t.sqlTx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations WHERE reservation_code = $1 AND deleted_at IS NULL`, code)
	return scanReservation(row)
}

func (t *tx) ReservationCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM reservations WHERE reservation_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, mapError("postgres.ReservationCodeExists", err)
	}
	return exists, nil
}

func (t *tx) InsertReservation(ctx context.Context, r storage.Reservation) error {
	_, err := t.sqlTx.ExecContext(ctx, `
		INSERT INTO reservations
			(id, reservation_code, user_id, item_id, quantity, price, total_price,
			 status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		r.ID, r.ReservationCode, r.UserID, r.ItemID, r.Quantity, r.Price, r.TotalPrice,
		r.Status, r.ExpiresAt)
	return mapError("postgres.InsertReservation", err)
}

func (t *tx) UpdateReservationStatus(ctx context.Context, reservationID string, from, to storage.ReservationStatus, reason string) error {
	var res sql.Result
	var err error
	switch to {
	case storage.StatusConfirmed:
		res, err = t.sqlTx.ExecContext(ctx, `
			UPDATE reservations SET status = $1, confirmed_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status = $3 AND deleted_at IS NULL`, to, reservationID, from)
	case storage.StatusCancelled, storage.StatusExpired:
		res, err = t.sqlTx.ExecContext(ctx, `
			UPDATE reservations SET status = $1, cancelled_at = NOW(), cancellation_reason = NULLIF($4, ''), updated_at = NOW()
			WHERE id = $2 AND status = $3 AND deleted_at IS NULL`, to, reservationID, from, reason)
	default:
		res, err = t.sqlTx.ExecContext(ctx, `
			UPDATE reservations SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = $3 AND deleted_at IS NULL`, to, reservationID, from)
	}
	if err != nil {
		return mapError("postgres.UpdateReservationStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update reservation status rows affected: %w", err)
	}
	if n == 0 {
		return errs.PreconditionFailed("postgres.UpdateReservationStatus")
	}
	return nil
}

func (t *tx) SumUserReserved(ctx context.Context, userID, itemID string) (int64, error) {
	var sum int64
	err := t.sqlTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM reservations
		WHERE user_id = $1 AND item_id = $2
		  AND status IN ('pending', 'confirmed')
		  AND deleted_at IS NULL`, userID, itemID).Scan(&sum)
	if err != nil {
		return 0, mapError("postgres.SumUserReserved", err)
	}
	return sum, nil
}

func (t *tx) ListExpiredPending(ctx context.Context, limit int) ([]storage.Reservation, error) {
	rows, err := t.sqlTx.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = 'pending' AND expires_at < NOW() AND deleted_at IS NULL
		ORDER BY expires_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, mapError("postgres.ListExpiredPending", err)
	}
	defer rows.Close()

	var out []storage.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) ListReservations(ctx context.Context, f storage.ReservationFilter) ([]storage.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations WHERE deleted_at IS NULL`
	query, args := applyFilter(query, f)
	switch f.SortBy {
	case "expires_at":
		query += " ORDER BY expires_at"
	default:
		query += " ORDER BY created_at"
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := t.sqlTx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("postgres.ListReservations", err)
	}
	defer rows.Close()

	var out []storage.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *tx) CountReservations(ctx context.Context, f storage.ReservationFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM reservations WHERE deleted_at IS NULL`
	query, args := applyFilter(query, f)
	var n int64
	if err := t.sqlTx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, mapError("postgres.CountReservations", err)
	}
	return n, nil
}

func applyFilter(query string, f storage.ReservationFilter) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ItemID != "" {
		query += " AND item_id = " + arg(f.ItemID)
	}
	if f.UserID != "" {
		query += " AND user_id = " + arg(f.UserID)
	}
	if f.Status != "" {
		query += " AND status = " + arg(f.Status)
	}
	if !f.CreatedAfter.IsZero() {
		query += " AND created_at > " + arg(f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		query += " AND created_at < " + arg(f.CreatedBefore)
	}
	if !f.ExpiresAfter.IsZero() {
		query += " AND expires_at > " + arg(f.ExpiresAfter)
	}
	if !f.ExpiresBefore.IsZero() {
		query += " AND expires_at < " + arg(f.ExpiresBefore)
	}
	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (storage.Item, error) {
	var it storage.Item
	var imageURL sql.NullString
	err := row.Scan(&it.ID, &it.SKU, &it.Name, &it.Price, &it.OriginalPrice,
		&it.Stock, &it.ReservedStock, &it.AvailableStock,
		&it.Status, &imageURL, &it.SaleStart, &it.SaleEnd, &it.MaxPerUser,
		&it.Version, &it.CreatedAt, &it.UpdatedAt, &it.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Item{}, errs.NotFound("postgres.GetItem")
	}
	if err != nil {
		return storage.Item{}, fmt.Errorf("scan item: %w", err)
	}
	it.ImageURL = imageURL.String
	return it, nil
}

func scanReservation(row rowScanner) (storage.Reservation, error) {
	var r storage.Reservation
	var reason sql.NullString
	err := row.Scan(&r.ID, &r.ReservationCode, &r.UserID, &r.ItemID, &r.Quantity,
		&r.Price, &r.TotalPrice, &r.Status, &r.ExpiresAt,
		&r.ConfirmedAt, &r.CancelledAt, &reason,
		&r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Reservation{}, errs.NotFound("postgres.GetReservation")
	}
	if err != nil {
		return storage.Reservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	r.CancellationReason = reason.String
	return r, nil
}

// mapError classifies driver errors into the shared taxonomy: unique-key
// collisions become Conflict, foreign-key and not-null failures become
// Integrity, and deadlocks / serialization failures / lock timeouts become
// Transient so the engine's retry loop picks them up.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return errs.Conflict(op)
		case "23503", "23502":
			return errs.New(errs.KindIntegrity, op, err)
		case "40001", "40P01", "55P03":
			return errs.Transient(op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
