package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/stock"
)

// =============================================================================
// POSTPONEMENT
// =============================================================================

func TestOnStockPostponed_RevertsPrematureUse(t *testing.T) {
	// GIVEN: a stock whose (wrong) date passed long ago, so the sweep marked
	// its bookings used; one of them has since been paid
	f := newFixture(t)
	ctx := context.Background()
	s := f.eventStock(t, "stock-1", t0.Add(-72*time.Hour))
	f.book(t, "b1", "stock-1", t0.Add(-100*time.Hour))
	f.book(t, "b2", "stock-1", t0.Add(-100*time.Hour))
	f.book(t, "gone", "stock-1", t0.Add(-100*time.Hour), cancelled)

	result, err := f.machine.SweepMarkUsed(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, 2, result.Updated)
	require.NoError(t, f.store.SavePayment(ctx, model.Payment{ID: "p2", BookingID: "b2"}))

	// the provider feed corrects the date to one hour from now
	soon := t0.Add(time.Hour)
	s.BeginningDatetime = &soon
	require.NoError(t, f.store.SaveStock(ctx, s))

	// WHEN: the event is postponed to ten days from now
	later := t0.Add(240 * time.Hour)
	require.NoError(t, f.machine.OnStockPostponed(ctx, "stock-1", later))

	// THEN: the unpaid booking is no longer used, the paid one is frozen
	b1 := f.get(t, "b1")
	assert.False(t, b1.IsUsed)
	assert.Nil(t, b1.DateUsed)
	assert.True(t, f.get(t, "b2").IsUsed)

	updated := f.getStock(t, "stock-1")
	assert.Equal(t, later, *updated.BeginningDatetime)
	assert.Equal(t, t0.Add(-30*24*time.Hour), updated.DateModified, "the feed owns dateModified")

	require.Len(t, f.sender.sent, 1)
	n := f.sender.sent[0]
	assert.Equal(t, notify.KindPostponed, n.Kind)
	assert.Len(t, n.Recipients, 2, "cancelled bookings are not notified")
}

func TestOnStockPostponed_CloseDateKeepsUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.eventStock(t, "stock-1", t0.Add(-72*time.Hour))
	f.book(t, "b1", "stock-1", t0.Add(-100*time.Hour), used)

	require.NoError(t, f.machine.OnStockPostponed(ctx, "stock-1", t0.Add(24*time.Hour)))

	assert.True(t, f.get(t, "b1").IsUsed)
}

// lastSeatUsedThenResold saves a one-unit event stock whose first booking
// was redeemed at the counter, which freed the unit for a second booking.
func lastSeatUsedThenResold(t *testing.T, f *fixture) {
	t.Helper()
	s := f.eventStock(t, "stock-1", t0.Add(2*time.Hour))
	s.Quantity = model.IntPtr(1)
	require.NoError(t, f.store.SaveStock(context.Background(), s))
	f.book(t, "redeemed", "stock-1", t0.Add(-10*time.Hour), used)
	f.book(t, "resold", "stock-1", t0.Add(-5*time.Hour))
	require.Equal(t, 1, f.activeQuantity(t, "stock-1"))
}

func TestOnStockPostponed_FarDateKeepsUseWhenStockIsFull(t *testing.T) {
	// GIVEN: the last seat was redeemed, then sold again
	f := newFixture(t)
	ctx := context.Background()
	lastSeatUsedThenResold(t, f)

	// WHEN: the event moves ten days away
	later := t0.Add(240 * time.Hour)
	require.NoError(t, f.machine.OnStockPostponed(ctx, "stock-1", later))

	// THEN: the date moved, the redeemed booking stays used and the stock is not oversold
	assert.Equal(t, later, *f.getStock(t, "stock-1").BeginningDatetime)
	assert.True(t, f.get(t, "redeemed").IsUsed)
	assert.False(t, f.get(t, "resold").IsUsed)
	assert.Equal(t, 1, f.activeQuantity(t, "stock-1"))
	require.Len(t, f.sender.sent, 1)
	assert.Len(t, f.sender.sent[0].Recipients, 2)
}

func TestOnStockPostponed_CloseDateLeavesStockUsable(t *testing.T) {
	// GIVEN: the last seat was redeemed, then sold again
	f := newFixture(t)
	ctx := context.Background()
	lastSeatUsedThenResold(t, f)

	// WHEN: the event moves by a day
	require.NoError(t, f.machine.OnStockPostponed(ctx, "stock-1", t0.Add(24*time.Hour)))

	// THEN: nothing is oversold and the resold booking can still be redeemed
	assert.Equal(t, 1, f.activeQuantity(t, "stock-1"))
	require.NoError(t, f.machine.MarkUsed(ctx, "resold"))
	assert.True(t, f.get(t, "resold").IsUsed)
}

func TestOnStockPostponed_RevertsWhileCapacityAllows(t *testing.T) {
	// GIVEN: two redeemed bookings on a two-unit stock, one unit resold
	f := newFixture(t)
	ctx := context.Background()
	s := f.eventStock(t, "stock-1", t0.Add(2*time.Hour))
	s.Quantity = model.IntPtr(2)
	require.NoError(t, f.store.SaveStock(ctx, s))
	f.book(t, "first", "stock-1", t0.Add(-10*time.Hour), used)
	f.book(t, "second", "stock-1", t0.Add(-9*time.Hour), used)
	f.book(t, "resold", "stock-1", t0.Add(-5*time.Hour))

	// WHEN: the event moves ten days away
	require.NoError(t, f.machine.OnStockPostponed(ctx, "stock-1", t0.Add(240*time.Hour)))

	// THEN: one redeemed booking is reverted into the free unit, in creation order
	assert.False(t, f.get(t, "first").IsUsed)
	assert.True(t, f.get(t, "second").IsUsed)
	assert.Equal(t, 2, f.activeQuantity(t, "stock-1"))
}

func TestOnStockPostponed_ThingRejected(t *testing.T) {
	f := newFixture(t)
	f.thingStock(t, "thing")

	err := f.machine.OnStockPostponed(context.Background(), "thing", t0.Add(time.Hour))
	assert.ErrorIs(t, err, model.ErrInvalidStockDates)
}

// =============================================================================
// EDIT
// =============================================================================

func TestEditStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	beginning := t0.Add(2 * time.Hour)
	f.eventStock(t, "stock-1", beginning)
	f.book(t, "b1", "stock-1", t0.Add(-72*time.Hour), used)
	f.book(t, "b2", "stock-1", t0.Add(-72*time.Hour))

	t.Run("quantity below booked is refused", func(t *testing.T) {
		_, err := f.machine.EditStock(ctx, "stock-1", stock.Update{
			Price: decimal.NewFromInt(15), Quantity: model.IntPtr(1),
			BeginningDatetime: &beginning, BookingLimitDatetime: &beginning,
		})
		assert.ErrorIs(t, err, model.ErrInvalidStockQuantity, "stamping dateModified makes the used booking count again")
	})

	t.Run("postponing through an edit reverts use", func(t *testing.T) {
		later := t0.Add(240 * time.Hour)
		updated, err := f.machine.EditStock(ctx, "stock-1", stock.Update{
			Price: decimal.NewFromInt(20), Quantity: model.IntPtr(5),
			BeginningDatetime: &later, BookingLimitDatetime: &later,
		})
		require.NoError(t, err)
		assert.True(t, updated.Price.Equal(decimal.NewFromInt(20)))
		assert.Equal(t, t0, updated.DateModified)
		assert.False(t, f.get(t, "b1").IsUsed)
		assert.True(t, f.get(t, "b2").Amount.Equal(decimal.NewFromInt(15)), "booking amounts are frozen")

		require.Len(t, f.sender.sent, 1)
		assert.Equal(t, notify.KindPostponed, f.sender.sent[0].Kind)
	})

	t.Run("started events are not editable", func(t *testing.T) {
		f.eventStock(t, "started", t0.Add(-time.Hour))
		_, err := f.machine.EditStock(ctx, "started", stock.Update{})
		assert.ErrorIs(t, err, model.ErrStockNotEditable)
	})
}

// =============================================================================
// DELETE
// =============================================================================

func TestDeleteStock_CascadesCancellation(t *testing.T) {
	// GIVEN: an upcoming event with pending, used and cancelled bookings
	f := newFixture(t)
	ctx := context.Background()
	f.eventStock(t, "stock-1", t0.Add(24*time.Hour))
	f.book(t, "pending", "stock-1", t0.Add(-72*time.Hour))
	f.book(t, "used", "stock-1", t0.Add(-72*time.Hour), used)
	f.book(t, "gone", "stock-1", t0.Add(-72*time.Hour), cancelled)

	// WHEN: the stock is deleted
	cancelledBookings, err := f.machine.DeleteStock(ctx, "stock-1")

	// THEN: only the pending booking is cancelled and notified
	require.NoError(t, err)
	require.Len(t, cancelledBookings, 1)
	assert.Equal(t, model.BookingID("pending"), cancelledBookings[0].ID)
	assert.True(t, f.get(t, "pending").IsCancelled)
	assert.True(t, f.get(t, "used").IsUsed)
	assert.True(t, f.getStock(t, "stock-1").IsSoftDeleted)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, notify.KindStockDeleted, f.sender.sent[0].Kind)
	assert.Len(t, f.sender.sent[0].Recipients, 1)
}

func TestDeleteStock_TooLate(t *testing.T) {
	f := newFixture(t)
	f.eventStock(t, "stock-1", t0.Add(-49*time.Hour))
	f.book(t, "pending", "stock-1", t0.Add(-72*time.Hour))

	_, err := f.machine.DeleteStock(context.Background(), "stock-1")

	assert.ErrorIs(t, err, model.ErrTooLateToDeleteStock)
	assert.False(t, f.get(t, "pending").IsCancelled)
	assert.False(t, f.getStock(t, "stock-1").IsSoftDeleted)
}
