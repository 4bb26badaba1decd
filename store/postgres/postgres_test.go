package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/admission"
	"github.com/warp/booking-engine/expense"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/stock"
	"github.com/warp/booking-engine/store/postgres"
	"github.com/warp/booking-engine/store/postgres/migrations"
)

const testDBLockID int64 = 702118454

var now = time.Date(2025, time.April, 2, 15, 0, 0, 0, time.UTC)

// newTestStore connects to TEST_DATABASE_URL and skips when it is unset or
// unreachable.
func newTestStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping Postgres integration tests: %v", err)
	}
	t.Cleanup(pool.Close)

	lockTestDB(t, pool)
	require.NoError(t, migrations.Apply(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE payments, bookings, deposits, stocks, offers, users CASCADE`)
	require.NoError(t, err)

	s := postgres.NewWithPool(pool)
	require.NoError(t, s.SaveOffer(ctx, model.Offer{ID: "offer-1", Category: "CONCERT", IsEvent: true}))
	require.NoError(t, s.SaveUser(ctx, model.User{ID: "user-1", IsBeneficiary: true}))
	require.NoError(t, s.SaveUser(ctx, model.User{ID: "user-2", IsBeneficiary: true}))
	return s, pool
}

func lockTestDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, testDBLockID); err != nil {
		conn.Release()
		t.Fatalf("acquire test lock: %v", err)
	}
	t.Cleanup(func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, testDBLockID)
		conn.Release()
	})
}

func saveStock(t *testing.T, s *postgres.Store, id model.StockID, quantity *int) {
	t.Helper()
	require.NoError(t, s.SaveStock(context.Background(), model.Stock{
		ID: id, OfferID: "offer-1", Price: decimal.NewFromInt(10),
		Quantity: quantity, DateModified: now.Add(-time.Hour),
	}))
}

func newBooking(id, token string, quantity int) model.Booking {
	return model.Booking{
		ID: model.BookingID(id), UserID: "user-1", StockID: "stock-1",
		Quantity: quantity, Amount: decimal.NewFromInt(10), Token: token, DateCreated: now,
	}
}

func insert(ctx context.Context, s *postgres.Store, bookings ...model.Booking) error {
	return s.WithTx(ctx, func(tx model.Tx) error {
		for _, b := range bookings {
			if err := tx.InsertBooking(ctx, b); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestApply_Idempotent(t *testing.T) {
	_, pool := newTestStore(t)
	ctx := context.Background()

	var before int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&before))
	require.NoError(t, migrations.Apply(ctx, pool))

	var after int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&after))
	assert.Equal(t, before, after)
	assert.GreaterOrEqual(t, after, 2)
}

func TestCapacityTrigger(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()
	saveStock(t, s, "stock-1", model.IntPtr(2))
	require.NoError(t, insert(ctx, s, newBooking("b1", "AAAAAA", 1)))

	t.Run("insert over capacity", func(t *testing.T) {
		err := insert(ctx, s, newBooking("b2", "BBBBBB", 2))

		var tooMany *model.TooManyBookingsError
		require.ErrorAs(t, err, &tooMany)
		assert.Equal(t, model.StockID("stock-1"), tooMany.StockID)
		assert.ErrorIs(t, err, model.ErrStockIsNotBookable)
	})

	t.Run("raw SQL bypassing the application", func(t *testing.T) {
		_, err := pool.Exec(ctx, `
INSERT INTO bookings (id, user_id, stock_id, quantity, amount, token, date_created)
VALUES ('raw', 'user-2', 'stock-1', 2, 10, 'RAWRAW', NOW())`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tooManyBookings")
	})

	t.Run("duplicate token", func(t *testing.T) {
		err := insert(ctx, s, newBooking("b3", "AAAAAA", 1))
		assert.ErrorIs(t, err, model.ErrDuplicateToken)
	})
}

func TestUpdateBooking_UnuseCanHitTrigger(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	saveStock(t, s, "stock-1", model.IntPtr(1))
	used := newBooking("b1", "AAAAAA", 1)
	used.IsUsed = true
	used.DateUsed = model.TimePtr(now)
	fresh := newBooking("b2", "BBBBBB", 1)
	fresh.UserID = "user-2"
	require.NoError(t, insert(ctx, s, used, fresh))

	used.IsUsed = false
	used.DateUsed = nil
	err := s.WithTx(ctx, func(tx model.Tx) error { return tx.UpdateBooking(ctx, used) })

	assert.ErrorIs(t, err, model.ErrTooManyBookings)
}

func TestQueries(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	saveStock(t, s, "stock-1", nil)
	require.NoError(t, s.SaveDeposit(ctx, model.Deposit{ID: "d1", UserID: "user-1", Version: 1, Amount: decimal.NewFromInt(500), DateCreated: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.SaveDeposit(ctx, model.Deposit{ID: "d2", UserID: "user-1", Version: 2, Amount: decimal.NewFromInt(300), DateCreated: now}))
	require.NoError(t, insert(ctx, s, newBooking("b1", "AAAAAA", 2)))
	require.NoError(t, s.SavePayment(ctx, model.Payment{ID: "p1", BookingID: "b1", Amount: decimal.NewFromInt(20), DateCreated: now}))

	require.NoError(t, s.WithTx(ctx, func(tx model.Tx) error {
		deposit, err := tx.GetActiveDeposit(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, deposit)
		assert.Equal(t, 2, deposit.Version)

		st, err := tx.GetStockForUpdate(ctx, "stock-1")
		require.NoError(t, err)
		assert.Nil(t, st.Quantity)
		assert.True(t, st.Price.Equal(decimal.NewFromInt(10)))

		paid, err := tx.HasPayment(ctx, "b1")
		require.NoError(t, err)
		assert.True(t, paid)

		userBookings, err := tx.ListUserBookings(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, userBookings, 1)
		assert.True(t, userBookings[0].Booking.Total().Equal(decimal.NewFromInt(20)))
		return nil
	}))
}

func TestConcurrentAdmissions_LastUnit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	saveStock(t, s, "stock-1", model.IntPtr(1))
	const racers = 16
	for i := 0; i < racers; i++ {
		id := model.UserID(fmt.Sprintf("racer-%d", i))
		require.NoError(t, s.SaveUser(ctx, model.User{ID: id, IsBeneficiary: true}))
		require.NoError(t, s.SaveDeposit(ctx, model.Deposit{
			ID: model.DepositID("d-" + string(id)), UserID: id, Version: 2,
			Amount: decimal.NewFromInt(300), DateCreated: now.Add(-time.Hour),
		}))
	}
	controller := admission.NewController(s, stock.NewLedger(0), expense.NewLedger(nil), model.NewFixedClock(now))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := controller.CreateBooking(ctx, model.UserID(fmt.Sprintf("racer-%d", i)), "stock-1", 1)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, model.ErrStockIsNotBookable)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestConcurrentAdmissions_OneUserAcrossOffers(t *testing.T) {
	// GIVEN: a version 2 beneficiary (digital cap 100) and eight 80 digital offers
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveDeposit(ctx, model.Deposit{
		ID: "d-user-1", UserID: "user-1", Version: 2,
		Amount: decimal.NewFromInt(500), DateCreated: now.Add(-time.Hour),
	}))
	const offers = 8
	for i := 0; i < offers; i++ {
		offerID := model.OfferID(fmt.Sprintf("ebook-%d", i))
		require.NoError(t, s.SaveOffer(ctx, model.Offer{ID: offerID, Category: "BOOK", URL: "https://books.example/" + string(offerID)}))
		require.NoError(t, s.SaveStock(ctx, model.Stock{
			ID: model.StockID(fmt.Sprintf("ebook-stock-%d", i)), OfferID: offerID,
			Price: decimal.NewFromInt(80), DateModified: now.Add(-time.Hour),
		}))
	}
	controller := admission.NewController(s, stock.NewLedger(0), expense.NewLedger(nil), model.NewFixedClock(now))

	// WHEN: the user books all of them at once, each on its own stock lock
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < offers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := controller.CreateBooking(ctx, "user-1", model.StockID(fmt.Sprintf("ebook-stock-%d", i)), 1)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, model.ErrDigitalExpenseLimitHasBeenReached)
		}(i)
	}
	wg.Wait()

	// THEN: the digital cap holds
	assert.Equal(t, 1, successes)
	expenses, err := controller.GetUserExpenses(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, expenses, 2)
	assert.True(t, expenses[1].Current.Equal(decimal.NewFromInt(80)))
}

func TestGetUserForUpdate_BlocksSecondTransaction(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithTx(ctx, func(tx model.Tx) error {
			if _, err := tx.GetUserForUpdate(ctx, "user-1"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	second := make(chan error, 1)
	go func() {
		second <- s.WithTx(ctx, func(tx model.Tx) error {
			_, err := tx.GetUserForUpdate(ctx, "user-1")
			return err
		})
	}()

	select {
	case <-second:
		t.Fatal("second transaction acquired the user lock while the first held it")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-second)

	err := s.WithTx(ctx, func(tx model.Tx) error {
		_, err := tx.GetUserForUpdate(ctx, "nobody")
		return err
	})
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}
