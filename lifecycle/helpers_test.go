package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/stock"
	"github.com/warp/booking-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.September, 15, 12, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

type recordingSender struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

type fixture struct {
	store   *memory.Store
	clock   *testClock
	sender  *recordingSender
	machine *lifecycle.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  &testClock{now: t0},
		sender: &recordingSender{},
	}
	f.machine = lifecycle.NewMachine(f.store, lifecycle.DefaultPolicy(), f.sender, f.clock)
	ctx := context.Background()
	require.NoError(t, f.store.SaveOffer(ctx, model.Offer{ID: "concert", Category: "CONCERT", IsEvent: true}))
	require.NoError(t, f.store.SaveOffer(ctx, model.Offer{ID: "novel", Category: "BOOK"}))
	return f
}

// eventStock saves a stock of the concert offer beginning at beginning.
func (f *fixture) eventStock(t *testing.T, id model.StockID, beginning time.Time) model.Stock {
	t.Helper()
	limit := beginning
	s := model.Stock{
		ID: id, OfferID: "concert", Price: decimal.NewFromInt(15),
		Quantity: model.IntPtr(10), BeginningDatetime: &beginning, BookingLimitDatetime: &limit,
		DateModified: t0.Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, f.store.SaveStock(context.Background(), s))
	return s
}

func (f *fixture) thingStock(t *testing.T, id model.StockID) model.Stock {
	t.Helper()
	s := model.Stock{ID: id, OfferID: "novel", Price: decimal.NewFromInt(12), DateModified: t0.Add(-30 * 24 * time.Hour)}
	require.NoError(t, f.store.SaveStock(context.Background(), s))
	return s
}

func (f *fixture) book(t *testing.T, id model.BookingID, stockID model.StockID, created time.Time, mutate ...func(*model.Booking)) model.Booking {
	t.Helper()
	b := model.Booking{
		ID: id, UserID: "user-1", StockID: stockID, Quantity: 1,
		Amount: decimal.NewFromInt(15), Token: "T" + string(id), DateCreated: created,
	}
	for _, fn := range mutate {
		fn(&b)
	}
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx model.Tx) error { return tx.InsertBooking(ctx, b) }))
	return b
}

func (f *fixture) get(t *testing.T, id model.BookingID) model.Booking {
	t.Helper()
	var b model.Booking
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx model.Tx) error {
		var err error
		b, err = tx.GetBooking(ctx, id)
		return err
	}))
	return b
}

func (f *fixture) getStock(t *testing.T, id model.StockID) model.Stock {
	t.Helper()
	var s model.Stock
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx model.Tx) error {
		var err error
		s, err = tx.GetStock(ctx, id)
		return err
	}))
	return s
}

// activeQuantity is the quantity the stock ledger counts against id.
func (f *fixture) activeQuantity(t *testing.T, id model.StockID) int {
	t.Helper()
	var booked int
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx model.Tx) error {
		s, err := tx.GetStock(ctx, id)
		if err != nil {
			return err
		}
		bookings, err := tx.ListBookingsByStock(ctx, id)
		if err != nil {
			return err
		}
		booked = stock.BookedQuantity(s, bookings)
		return nil
	}))
	return booked
}

func used(b *model.Booking)      { b.IsUsed = true; b.DateUsed = model.TimePtr(b.DateCreated.Add(time.Hour)) }
func cancelled(b *model.Booking) { b.IsCancelled = true; b.CancellationDate = model.TimePtr(b.DateCreated.Add(time.Hour)) }

// =============================================================================
// FAILING STORE
// =============================================================================

// failingStore refuses booking updates for the listed ids.
type failingStore struct {
	model.Store
	failOn map[model.BookingID]bool
}

func (s *failingStore) WithTx(ctx context.Context, fn func(model.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx model.Tx) error {
		return fn(&failingTx{Tx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	model.Tx
	failOn map[model.BookingID]bool
}

func (tx *failingTx) UpdateBooking(ctx context.Context, b model.Booking) error {
	if tx.failOn[b.ID] {
		return errors.New("disk full")
	}
	return tx.Tx.UpdateBooking(ctx, b)
}
