/*
Package sqlite provides a SQLite-backed implementation of model.Store.

PURPOSE:
  Single-node persistence for the booking engine. The capacity invariant is
  enforced by the database itself through triggers, so a write that would
  oversell a stock is refused even if the application check was skipped.

KEY TABLES:
  offers, stocks:   written by the upstream feed (FeedStore)
  users, deposits:  written by the account service (FeedStore)
  bookings:         written by the engine; never deleted
  payments:         written by the reimbursement process (FeedStore)

CAPACITY TRIGGERS:
  bookings_capacity_insert / bookings_capacity_update run after every write
  on bookings and RAISE(ABORT, 'tooManyBookings') when

      stock.quantity < SUM(quantity) of active bookings

  with the same active predicate as stock.IsActive. The error is mapped to
  *model.TooManyBookingsError.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so that the trigger can compare
  date_created and date_modified as strings.

CONCURRENCY:
  Uses a store-wide mutex: one transaction at a time. GetStockForUpdate
  therefore needs no row lock. For multi-process deployments use
  store/postgres.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) and foreign keys on.

USAGE:
  store, err := sqlite.New("./data/bookings.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - model/store.go: interface definitions
  - store/memory: in-memory implementation for tests
  - store/postgres: the multi-process implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/model"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements model.Store and model.FeedStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var (
	_ model.Store     = (*Store)(nil)
	_ model.FeedStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		is_event BOOLEAN NOT NULL DEFAULT FALSE,
		is_duo BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS stocks (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL REFERENCES offers(id),
		price TEXT NOT NULL,
		quantity INTEGER CHECK (quantity IS NULL OR quantity >= 0),
		beginning_datetime TEXT,
		booking_limit_datetime TEXT,
		is_soft_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		date_modified TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL DEFAULT '',
		is_beneficiary BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		version INTEGER NOT NULL,
		amount TEXT NOT NULL,
		expiration_date TEXT,
		date_created TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deposits_user ON deposits(user_id, date_created);

	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		stock_id TEXT NOT NULL REFERENCES stocks(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		amount TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		date_created TEXT NOT NULL,
		is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		date_used TEXT,
		cancellation_date TEXT,
		CHECK (NOT (is_cancelled AND is_used))
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_stock ON bookings(stock_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_user ON bookings(user_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL REFERENCES bookings(id),
		amount TEXT NOT NULL,
		date_created TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_booking ON payments(booking_id);

	CREATE TRIGGER IF NOT EXISTS bookings_capacity_insert
	AFTER INSERT ON bookings
	BEGIN
		SELECT RAISE(ABORT, 'tooManyBookings')
		FROM stocks s
		WHERE s.id = NEW.stock_id
		  AND s.quantity IS NOT NULL
		  AND s.quantity < (
			SELECT COALESCE(SUM(b.quantity), 0) FROM bookings b
			WHERE b.stock_id = s.id
			  AND NOT b.is_cancelled
			  AND NOT (b.is_used AND b.date_created > s.date_modified)
		  );
	END;

	CREATE TRIGGER IF NOT EXISTS bookings_capacity_update
	AFTER UPDATE ON bookings
	BEGIN
		SELECT RAISE(ABORT, 'tooManyBookings')
		FROM stocks s
		WHERE s.id = NEW.stock_id
		  AND s.quantity IS NOT NULL
		  AND s.quantity < (
			SELECT COALESCE(SUM(b.quantity), 0) FROM bookings b
			WHERE b.stock_id = s.id
			  AND NOT b.is_cancelled
			  AND NOT (b.is_used AND b.date_created > s.date_modified)
		  );
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (model.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx model.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// ListSweepCandidates returns non-used, non-cancelled bookings whose stock
// began before cutoff.
func (s *Store) ListSweepCandidates(ctx context.Context, cutoff time.Time) ([]model.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT ` + bookingColumns + `
		FROM bookings b
		JOIN stocks s ON s.id = b.stock_id
		WHERE NOT b.is_used AND NOT b.is_cancelled
		  AND s.beginning_datetime IS NOT NULL
		  AND s.beginning_datetime < ?
		ORDER BY b.date_created, b.id
	`
	return queryBookings(ctx, s.db, query, formatTime(cutoff))
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txStore runs every read and write on the open transaction.
type txStore struct {
	q querier
}

const stockColumns = `s.id, s.offer_id, s.price, s.quantity, s.beginning_datetime,
	s.booking_limit_datetime, s.is_soft_deleted, s.date_modified`

func (ts *txStore) GetStock(ctx context.Context, id model.StockID) (model.Stock, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stocks s WHERE s.id = ?`, id)
	st, err := scanStock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stock{}, model.ErrStockNotFound
	}
	return st, err
}

// GetStockForUpdate relies on the store-wide mutex held by WithTx.
func (ts *txStore) GetStockForUpdate(ctx context.Context, id model.StockID) (model.Stock, error) {
	return ts.GetStock(ctx, id)
}

func (ts *txStore) GetOffer(ctx context.Context, id model.OfferID) (model.Offer, error) {
	var o model.Offer
	err := ts.q.QueryRowContext(ctx,
		`SELECT id, name, category, url, is_event, is_duo FROM offers WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.Category, &o.URL, &o.IsEvent, &o.IsDuo)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Offer{}, model.ErrOfferNotFound
	}
	return o, err
}

func (ts *txStore) GetUser(ctx context.Context, id model.UserID) (model.User, error) {
	var u model.User
	err := ts.q.QueryRowContext(ctx,
		`SELECT id, email, is_beneficiary, is_admin FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.IsBeneficiary, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrUserNotFound
	}
	return u, err
}

// GetUserForUpdate relies on the store-wide mutex held by WithTx.
func (ts *txStore) GetUserForUpdate(ctx context.Context, id model.UserID) (model.User, error) {
	return ts.GetUser(ctx, id)
}

func (ts *txStore) GetActiveDeposit(ctx context.Context, userID model.UserID) (*model.Deposit, error) {
	var (
		d               model.Deposit
		amount, created string
		expiration      sql.NullString
	)
	err := ts.q.QueryRowContext(ctx, `
		SELECT id, user_id, version, amount, expiration_date, date_created
		FROM deposits WHERE user_id = ?
		ORDER BY date_created DESC LIMIT 1`, userID,
	).Scan(&d.ID, &d.UserID, &d.Version, &amount, &expiration, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("deposit %s amount: %w", d.ID, err)
	}
	d.ExpirationDate = parseNullTime(expiration)
	d.DateCreated = parseTime(created)
	return &d, nil
}

const bookingColumns = `b.id, b.user_id, b.stock_id, b.quantity, b.amount, b.token, b.date_created,
	b.is_cancelled, b.is_used, b.date_used, b.cancellation_date`

func (ts *txStore) GetBooking(ctx context.Context, id model.BookingID) (model.Booking, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return b, err
}

func (ts *txStore) GetBookingByToken(ctx context.Context, token string) (model.Booking, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.token = ?`, token)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Booking{}, model.ErrBookingNotFound
	}
	return b, err
}

func (ts *txStore) ListBookingsByStock(ctx context.Context, stockID model.StockID) ([]model.Booking, error) {
	return queryBookings(ctx, ts.q,
		`SELECT `+bookingColumns+` FROM bookings b WHERE b.stock_id = ? ORDER BY b.date_created, b.id`, stockID)
}

func (ts *txStore) ListUserBookings(ctx context.Context, userID model.UserID) ([]model.UserBooking, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT `+bookingColumns+`, o.id, o.name, o.category, o.url, o.is_event, o.is_duo
		FROM bookings b
		JOIN stocks s ON s.id = b.stock_id
		JOIN offers o ON o.id = s.offer_id
		WHERE b.user_id = ?
		ORDER BY b.date_created, b.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user bookings: %w", err)
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
			return nil, err
		}
		if ub.Booking, err = r.booking(); err != nil {
			return nil, err
		}
		result = append(result, ub)
	}
	return result, rows.Err()
}

func (ts *txStore) HasActiveBookingForOffer(ctx context.Context, userID model.UserID, offerID model.OfferID) (bool, error) {
	var count int
	err := ts.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings b
		JOIN stocks s ON s.id = b.stock_id
		WHERE b.user_id = ? AND s.offer_id = ? AND NOT b.is_cancelled`, userID, offerID,
	).Scan(&count)
	return count > 0, err
}

func (ts *txStore) HasPayment(ctx context.Context, bookingID model.BookingID) (bool, error) {
	var count int
	err := ts.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments WHERE booking_id = ?`, bookingID).Scan(&count)
	return count > 0, err
}

func (ts *txStore) InsertBooking(ctx context.Context, b model.Booking) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO bookings (id, user_id, stock_id, quantity, amount, token, date_created,
		                      is_cancelled, is_used, date_used, cancellation_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.StockID, b.Quantity, b.Amount.String(), b.Token, formatTime(b.DateCreated),
		b.IsCancelled, b.IsUsed, nullTime(b.DateUsed), nullTime(b.CancellationDate),
	)
	if err != nil {
		return mapWriteError(err, b.StockID, "insert booking")
	}
	return nil
}

func (ts *txStore) UpdateBooking(ctx context.Context, b model.Booking) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE bookings
		SET is_cancelled = ?, is_used = ?, date_used = ?, cancellation_date = ?
		WHERE id = ?`,
		b.IsCancelled, b.IsUsed, nullTime(b.DateUsed), nullTime(b.CancellationDate), b.ID,
	)
	if err != nil {
		return mapWriteError(err, b.StockID, "update booking")
	}
	return requireRow(res, model.ErrBookingNotFound)
}

func (ts *txStore) UpdateStock(ctx context.Context, st model.Stock) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE stocks
		SET price = ?, quantity = ?, beginning_datetime = ?, booking_limit_datetime = ?,
		    is_soft_deleted = ?, date_modified = ?
		WHERE id = ?`,
		st.Price.String(), nullInt(st.Quantity), nullTime(st.BeginningDatetime), nullTime(st.BookingLimitDatetime),
		st.IsSoftDeleted, formatTime(st.DateModified), st.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}
	return requireRow(res, model.ErrStockNotFound)
}

// =============================================================================
// FEED STORE (model.FeedStore interface)
// =============================================================================

func (s *Store) SaveOffer(ctx context.Context, o model.Offer) error {
	return s.exec(ctx, `
		INSERT INTO offers (id, name, category, url, is_event, is_duo) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, category = excluded.category,
			url = excluded.url, is_event = excluded.is_event, is_duo = excluded.is_duo`,
		o.ID, o.Name, o.Category, o.URL, o.IsEvent, o.IsDuo)
}

func (s *Store) SaveStock(ctx context.Context, st model.Stock) error {
	return s.exec(ctx, `
		INSERT INTO stocks (id, offer_id, price, quantity, beginning_datetime, booking_limit_datetime,
		                    is_soft_deleted, date_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET offer_id = excluded.offer_id, price = excluded.price,
			quantity = excluded.quantity, beginning_datetime = excluded.beginning_datetime,
			booking_limit_datetime = excluded.booking_limit_datetime,
			is_soft_deleted = excluded.is_soft_deleted, date_modified = excluded.date_modified`,
		st.ID, st.OfferID, st.Price.String(), nullInt(st.Quantity), nullTime(st.BeginningDatetime),
		nullTime(st.BookingLimitDatetime), st.IsSoftDeleted, formatTime(st.DateModified))
}

func (s *Store) SaveUser(ctx context.Context, u model.User) error {
	return s.exec(ctx, `
		INSERT INTO users (id, email, is_beneficiary, is_admin) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email,
			is_beneficiary = excluded.is_beneficiary, is_admin = excluded.is_admin`,
		u.ID, u.Email, u.IsBeneficiary, u.IsAdmin)
}

func (s *Store) SaveDeposit(ctx context.Context, d model.Deposit) error {
	return s.exec(ctx, `
		INSERT INTO deposits (id, user_id, version, amount, expiration_date, date_created)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, amount = excluded.amount,
			expiration_date = excluded.expiration_date`,
		d.ID, d.UserID, d.Version, d.Amount.String(), nullTime(d.ExpirationDate), formatTime(d.DateCreated))
}

func (s *Store) SavePayment(ctx context.Context, p model.Payment) error {
	return s.exec(ctx, `
		INSERT INTO payments (id, booking_id, amount, date_created) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		p.ID, p.BookingID, p.Amount.String(), formatTime(p.DateCreated))
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

type bookingRow struct {
	b                          model.Booking
	amount, created            string
	dateUsed, cancellationDate sql.NullString
}

func (r *bookingRow) dest() []any {
	return []any{&r.b.ID, &r.b.UserID, &r.b.StockID, &r.b.Quantity, &r.amount, &r.b.Token, &r.created,
		&r.b.IsCancelled, &r.b.IsUsed, &r.dateUsed, &r.cancellationDate}
}

func (r *bookingRow) booking() (model.Booking, error) {
	amount, err := decimal.NewFromString(r.amount)
	if err != nil {
		return model.Booking{}, fmt.Errorf("booking %s amount: %w", r.b.ID, err)
	}
	b := r.b
	b.Amount = amount
	b.DateCreated = parseTime(r.created)
	b.DateUsed = parseNullTime(r.dateUsed)
	b.CancellationDate = parseNullTime(r.cancellationDate)
	return b, nil
}

func scanBooking(row rowScanner) (model.Booking, error) {
	var r bookingRow
	if err := row.Scan(r.dest()...); err != nil {
		return model.Booking{}, err
	}
	return r.booking()
}

func queryBookings(ctx context.Context, q querier, query string, args ...any) ([]model.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var result []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func scanStock(row rowScanner) (model.Stock, error) {
	var (
		st               model.Stock
		price, modified  string
		quantity         sql.NullInt64
		beginning, limit sql.NullString
	)
	if err := row.Scan(&st.ID, &st.OfferID, &price, &quantity, &beginning, &limit, &st.IsSoftDeleted, &modified); err != nil {
		return model.Stock{}, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return model.Stock{}, fmt.Errorf("stock %s price: %w", st.ID, err)
	}
	st.Price = p
	if quantity.Valid {
		st.Quantity = model.IntPtr(int(quantity.Int64))
	}
	st.BeginningDatetime = parseNullTime(beginning)
	st.BookingLimitDatetime = parseNullTime(limit)
	st.DateModified = parseTime(modified)
	return st, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// mapWriteError turns trigger and constraint failures into model errors.
func mapWriteError(err error, stockID model.StockID, op string) error {
	if strings.Contains(err.Error(), "tooManyBookings") {
		return &model.TooManyBookingsError{StockID: stockID}
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
		strings.Contains(sqliteErr.Error(), "bookings.token") {
		return model.ErrDuplicateToken
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
