/*
Package postgres provides a PostgreSQL implementation of model.Store.

PURPOSE:
  Multi-process persistence. Several engine instances can share one
  database: row locks on stocks serialize admissions and the capacity
  constraint trigger (migrations/002_capacity_trigger.sql) refuses any
  booking write that would oversell a stock.

LOCKING:
  GetStockForUpdate issues SELECT ... FOR UPDATE. The trigger takes the
  same lock before counting, so writers that skipped GetStockForUpdate
  still serialize on the stock row.

ERRORS:
  RAISE 'tooManyBookings'              -> *model.TooManyBookingsError
  23505 on bookings_token_key          -> model.ErrDuplicateToken

SEE ALSO:
  - store/sqlite: the same contract on a single node
  - migrations/: schema and trigger
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/store/postgres/migrations"
)

// Store implements model.Store and model.FeedStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ model.Store     = (*Store)(nil)
	_ model.FeedStore = (*Store)(nil)
)

// New connects to url and applies pending migrations.
func New(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Migrations are the caller's concern.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx model.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(err, "", "commit")
	}
	return nil
}

func (s *Store) ListSweepCandidates(ctx context.Context, cutoff time.Time) ([]model.Booking, error) {
	const query = `
SELECT ` + bookingColumns + `
FROM bookings b
JOIN stocks s ON s.id = b.stock_id
WHERE NOT b.is_used AND NOT b.is_cancelled
  AND s.beginning_datetime IS NOT NULL
  AND s.beginning_datetime < $1
ORDER BY b.date_created, b.id`
	return queryBookings(ctx, s.pool, query, cutoff)
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStore struct {
	tx pgx.Tx
}

const stockColumns = `s.id, s.offer_id, s.price::text, s.quantity, s.beginning_datetime,
	s.booking_limit_datetime, s.is_soft_deleted, s.date_modified`

func (t *txStore) GetStock(ctx context.Context, id model.StockID) (model.Stock, error) {
	return t.getStock(ctx, `SELECT `+stockColumns+` FROM stocks s WHERE s.id = $1`, id)
}

func (t *txStore) GetStockForUpdate(ctx context.Context, id model.StockID) (model.Stock, error) {
	return t.getStock(ctx, `SELECT `+stockColumns+` FROM stocks s WHERE s.id = $1 FOR UPDATE`, id)
}

func (t *txStore) getStock(ctx context.Context, query string, id model.StockID) (model.Stock, error) {
	var (
		st    model.Stock
		price string
	)
	err := t.tx.QueryRow(ctx, query, id).Scan(&st.ID, &st.OfferID, &price, &st.Quantity,
		&st.BeginningDatetime, &st.BookingLimitDatetime, &st.IsSoftDeleted, &st.DateModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Stock{}, model.ErrStockNotFound
	}
	if err != nil {
		return model.Stock{}, fmt.Errorf("get stock: %w", err)
	}
	if st.Price, err = decimal.NewFromString(price); err != nil {
		return model.Stock{}, fmt.Errorf("stock %s price: %w", st.ID, err)
	}
	return st, nil
}

func (t *txStore) GetOffer(ctx context.Context, id model.OfferID) (model.Offer, error) {
	var o model.Offer
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, category, url, is_event, is_duo FROM offers WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Category, &o.URL, &o.IsEvent, &o.IsDuo)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Offer{}, model.ErrOfferNotFound
	}
	if err != nil {
		return model.Offer{}, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

const userQuery = `SELECT id, email, is_beneficiary, is_admin FROM users WHERE id = $1`

func (t *txStore) GetUser(ctx context.Context, id model.UserID) (model.User, error) {
	return t.getUser(ctx, userQuery, id)
}

func (t *txStore) GetUserForUpdate(ctx context.Context, id model.UserID) (model.User, error) {
	return t.getUser(ctx, userQuery+` FOR UPDATE`, id)
}

func (t *txStore) getUser(ctx context.Context, query string, id model.UserID) (model.User, error) {
	var u model.User
	err := t.tx.QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.IsBeneficiary, &u.IsAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (t *txStore) GetActiveDeposit(ctx context.Context, userID model.UserID) (*model.Deposit, error) {
	const query = `
SELECT id, user_id, version, amount::text, expiration_date, date_created
FROM deposits WHERE user_id = $1
ORDER BY date_created DESC LIMIT 1`

	var (
		d      model.Deposit
		amount string
	)
	err := t.tx.QueryRow(ctx, query, userID).
		Scan(&d.ID, &d.UserID, &d.Version, &amount, &d.ExpirationDate, &d.DateCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deposit: %w", err)
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("deposit %s amount: %w", d.ID, err)
	}
	return &d, nil
}

const bookingColumns = `b.id, b.user_id, b.stock_id, b.quantity, b.amount::text, b.token, b.date_created,
	b.is_cancelled, b.is_used, b.date_used, b.cancellation_date`

func (t *txStore) GetBooking(ctx context.Context, id model.BookingID) (model.Booking, error) {
	return t.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = $1`, id)
}

func (t *txStore) GetBookingByToken(ctx context.Context, token string) (model.Booking, error) {
	return t.getBooking(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.token = $1`, token)
}

func (t *txStore) getBooking(ctx context.Context, query string, arg any) (model.Booking, error) {
	var r bookingRow
	err := t.tx.QueryRow(ctx, query, arg).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Booking{}, model.ErrBookingNotFound
	}
	if err != nil {
		return model.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	return r.booking()
}

func (t *txStore) ListBookingsByStock(ctx context.Context, stockID model.StockID) ([]model.Booking, error) {
	return queryBookings(ctx, t.tx,
		`SELECT `+bookingColumns+` FROM bookings b WHERE b.stock_id = $1 ORDER BY b.date_created, b.id`, stockID)
}

func (t *txStore) ListUserBookings(ctx context.Context, userID model.UserID) ([]model.UserBooking, error) {
	const query = `
SELECT ` + bookingColumns + `, o.id, o.name, o.category, o.url, o.is_event, o.is_duo
FROM bookings b
JOIN stocks s ON s.id = b.stock_id
JOIN offers o ON o.id = s.offer_id
WHERE b.user_id = $1
ORDER BY b.date_created, b.id`

	rows, err := t.tx.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list user bookings: %w", err)
	}
	defer rows.Close()

	var result []model.UserBooking
	for rows.Next() {
		var (
			ub model.UserBooking
			r  bookingRow
		)
		dest := append(r.dest(), &ub.Offer.ID, &ub.Offer.Name, &ub.Offer.Category, &ub.Offer.URL, &ub.Offer.IsEvent, &ub.Offer.IsDuo)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan user booking: %w", err)
		}
		if ub.Booking, err = r.booking(); err != nil {
			return nil, err
		}
		result = append(result, ub)
	}
	return result, rows.Err()
}

func (t *txStore) HasActiveBookingForOffer(ctx context.Context, userID model.UserID, offerID model.OfferID) (bool, error) {
	const query = `
SELECT EXISTS (
	SELECT 1 FROM bookings b
	JOIN stocks s ON s.id = b.stock_id
	WHERE b.user_id = $1 AND s.offer_id = $2 AND NOT b.is_cancelled
)`
	var booked bool
	if err := t.tx.QueryRow(ctx, query, userID, offerID).Scan(&booked); err != nil {
		return false, fmt.Errorf("check offer booked: %w", err)
	}
	return booked, nil
}

func (t *txStore) HasPayment(ctx context.Context, bookingID model.BookingID) (bool, error) {
	var paid bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE booking_id = $1)`, bookingID).Scan(&paid)
	if err != nil {
		return false, fmt.Errorf("check payment: %w", err)
	}
	return paid, nil
}

func (t *txStore) InsertBooking(ctx context.Context, b model.Booking) error {
	const query = `
INSERT INTO bookings (id, user_id, stock_id, quantity, amount, token, date_created,
                      is_cancelled, is_used, date_used, cancellation_date)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)`

	_, err := t.tx.Exec(ctx, query, b.ID, b.UserID, b.StockID, b.Quantity, b.Amount.String(), b.Token,
		b.DateCreated, b.IsCancelled, b.IsUsed, b.DateUsed, b.CancellationDate)
	if err != nil {
		return mapWriteError(err, b.StockID, "insert booking")
	}
	return nil
}

func (t *txStore) UpdateBooking(ctx context.Context, b model.Booking) error {
	const query = `
UPDATE bookings
SET is_cancelled = $2, is_used = $3, date_used = $4, cancellation_date = $5
WHERE id = $1`

	tag, err := t.tx.Exec(ctx, query, b.ID, b.IsCancelled, b.IsUsed, b.DateUsed, b.CancellationDate)
	if err != nil {
		return mapWriteError(err, b.StockID, "update booking")
	}
	if tag.RowsAffected() == 0 {
		return model.ErrBookingNotFound
	}
	return nil
}

func (t *txStore) UpdateStock(ctx context.Context, st model.Stock) error {
	const query = `
UPDATE stocks
SET price = $2::numeric, quantity = $3, beginning_datetime = $4, booking_limit_datetime = $5,
    is_soft_deleted = $6, date_modified = $7
WHERE id = $1`

	tag, err := t.tx.Exec(ctx, query, st.ID, st.Price.String(), st.Quantity, st.BeginningDatetime,
		st.BookingLimitDatetime, st.IsSoftDeleted, st.DateModified)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrStockNotFound
	}
	return nil
}

// =============================================================================
// FEED
// =============================================================================

func (s *Store) SaveOffer(ctx context.Context, o model.Offer) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO offers (id, name, category, url, is_event, is_duo) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
	url = EXCLUDED.url, is_event = EXCLUDED.is_event, is_duo = EXCLUDED.is_duo`,
		o.ID, o.Name, o.Category, o.URL, o.IsEvent, o.IsDuo)
	return err
}

func (s *Store) SaveStock(ctx context.Context, st model.Stock) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO stocks (id, offer_id, price, quantity, beginning_datetime, booking_limit_datetime,
                    is_soft_deleted, date_modified)
VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET offer_id = EXCLUDED.offer_id, price = EXCLUDED.price,
	quantity = EXCLUDED.quantity, beginning_datetime = EXCLUDED.beginning_datetime,
	booking_limit_datetime = EXCLUDED.booking_limit_datetime,
	is_soft_deleted = EXCLUDED.is_soft_deleted, date_modified = EXCLUDED.date_modified`,
		st.ID, st.OfferID, st.Price.String(), st.Quantity, st.BeginningDatetime, st.BookingLimitDatetime,
		st.IsSoftDeleted, st.DateModified)
	return err
}

func (s *Store) SaveUser(ctx context.Context, u model.User) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO users (id, email, is_beneficiary, is_admin) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email,
	is_beneficiary = EXCLUDED.is_beneficiary, is_admin = EXCLUDED.is_admin`,
		u.ID, u.Email, u.IsBeneficiary, u.IsAdmin)
	return err
}

func (s *Store) SaveDeposit(ctx context.Context, d model.Deposit) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO deposits (id, user_id, version, amount, expiration_date, date_created)
VALUES ($1, $2, $3, $4::numeric, $5, $6)
ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, amount = EXCLUDED.amount,
	expiration_date = EXCLUDED.expiration_date`,
		d.ID, d.UserID, d.Version, d.Amount.String(), d.ExpirationDate, d.DateCreated)
	return err
}

func (s *Store) SavePayment(ctx context.Context, p model.Payment) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO payments (id, booking_id, amount, date_created) VALUES ($1, $2, $3::numeric, $4)
ON CONFLICT (id) DO NOTHING`,
		p.ID, p.BookingID, p.Amount.String(), p.DateCreated)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type bookingRow struct {
	b      model.Booking
	amount string
}

func (r *bookingRow) dest() []any {
	return []any{&r.b.ID, &r.b.UserID, &r.b.StockID, &r.b.Quantity, &r.amount, &r.b.Token, &r.b.DateCreated,
		&r.b.IsCancelled, &r.b.IsUsed, &r.b.DateUsed, &r.b.CancellationDate}
}

func (r *bookingRow) booking() (model.Booking, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return model.Booking{}, fmt.Errorf("booking %s amount: %w", r.b.ID, err)
	}
	b := r.b
	b.Amount = amount
	return b, nil
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]model.Booking, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var result []model.Booking
	for rows.Next() {
		var r bookingRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		b, err := r.booking()
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func mapWriteError(err error, stockID model.StockID, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Message == "tooManyBookings":
			if stockID == "" {
				stockID = model.StockID(pgErr.Detail)
			}
			return &model.TooManyBookingsError{StockID: stockID}
		case pgErr.Code == "23505" && pgErr.ConstraintName == "bookings_token_key":
			return model.ErrDuplicateToken
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
