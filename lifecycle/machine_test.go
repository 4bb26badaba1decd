package lifecycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/notify"
)

// =============================================================================
// BENEFICIARY CANCELLATION
// =============================================================================

func TestCancelByBeneficiary_ConfirmationWindow(t *testing.T) {
	// GIVEN: a booking made 10 days before its event, with a confirmation
	// window long enough that only the 48h-before-event rule applies
	f := newFixture(t)
	policy := lifecycle.DefaultPolicy()
	policy.ConfirmAfterCreationDelay = 10 * 24 * time.Hour
	f.machine = lifecycle.NewMachine(f.store, policy, f.sender, f.clock)

	beginning := t0.Add(240 * time.Hour)
	f.eventStock(t, "stock-1", beginning)
	f.book(t, "early", "stock-1", t0)
	f.book(t, "late", "stock-1", t0)
	ctx := context.Background()

	// WHEN: 72h before the event
	f.clock.now = beginning.Add(-72 * time.Hour)
	view, err := f.machine.GetBookingByToken(ctx, "Tearly")
	require.NoError(t, err)

	// THEN: reserved and cancellable
	assert.Equal(t, lifecycle.StateReserved, view.State)
	require.NoError(t, f.machine.CancelByBeneficiary(ctx, "user-1", "early"))
	cancelledBooking := f.get(t, "early")
	assert.True(t, cancelledBooking.IsCancelled)
	require.NotNil(t, cancelledBooking.CancellationDate)
	assert.Equal(t, f.clock.now, *cancelledBooking.CancellationDate)

	// WHEN: 24h before the event
	f.clock.now = beginning.Add(-24 * time.Hour)
	view, err = f.machine.GetBookingByToken(ctx, "Tlate")
	require.NoError(t, err)

	// THEN: confirmed and no longer cancellable
	assert.Equal(t, lifecycle.StateConfirmed, view.State)
	assert.ErrorIs(t, f.machine.CancelByBeneficiary(ctx, "user-1", "late"), model.ErrCannotCancelConfirmedBooking)
	assert.False(t, f.get(t, "late").IsCancelled)
}

func TestCancelByBeneficiary_Guards(t *testing.T) {
	f := newFixture(t)
	f.thingStock(t, "stock-1")
	f.book(t, "mine", "stock-1", t0)
	f.book(t, "used", "stock-1", t0, used)
	ctx := context.Background()

	assert.ErrorIs(t, f.machine.CancelByBeneficiary(ctx, "intruder", "mine"), model.ErrBookingDoesntExist)
	assert.ErrorIs(t, f.machine.CancelByBeneficiary(ctx, "user-1", "used"), model.ErrBookingIsAlreadyUsed)
	assert.ErrorIs(t, f.machine.CancelByBeneficiary(ctx, "user-1", "missing"), model.ErrBookingNotFound)

	// Things have no confirmation date: still cancellable a year later.
	f.clock.now = t0.Add(365 * 24 * time.Hour)
	require.NoError(t, f.machine.CancelByBeneficiary(ctx, "user-1", "mine"))

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, notify.KindCancelledByBeneficiary, f.sender.sent[0].Kind)
}

// =============================================================================
// OFFERER CANCELLATION
// =============================================================================

func TestCancelByOfferer(t *testing.T) {
	f := newFixture(t)
	f.eventStock(t, "stock-1", t0.Add(24*time.Hour))
	f.book(t, "confirmed", "stock-1", t0.Add(-72*time.Hour))
	f.book(t, "used", "stock-1", t0.Add(-72*time.Hour), used)
	ctx := context.Background()

	require.NoError(t, f.machine.CancelByOfferer(ctx, "confirmed"), "offerers may cancel confirmed bookings")
	assert.True(t, f.get(t, "confirmed").IsCancelled)

	err := f.machine.CancelByOfferer(ctx, "confirmed")
	assert.ErrorIs(t, err, model.ErrBookingIsAlreadyCancelled)
	assert.True(t, model.IsGone(err))

	err = f.machine.CancelByOfferer(ctx, "used")
	assert.ErrorIs(t, err, model.ErrCannotCancelUsedBooking)
	assert.True(t, model.IsForbidden(err))

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, notify.KindCancelledByOfferer, f.sender.sent[0].Kind)
	assert.Equal(t, model.UserID("user-1"), f.sender.sent[0].Recipients[0].UserID)
}

func TestCancelByOfferer_NotificationFailureIsSwallowed(t *testing.T) {
	// GIVEN: a sender that always fails
	f := newFixture(t)
	f.sender.err = errors.New("mail provider down")
	f.thingStock(t, "stock-1")
	f.book(t, "b1", "stock-1", t0)

	// WHEN: the offerer cancels
	err := f.machine.CancelByOfferer(context.Background(), "b1")

	// THEN: the transition succeeded anyway
	require.NoError(t, err)
	assert.True(t, f.get(t, "b1").IsCancelled)
	assert.Len(t, f.sender.sent, 1)
}

// =============================================================================
// TERMINALITY
// =============================================================================

func TestCancelledIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.eventStock(t, "stock-1", t0.Add(24*time.Hour))
	before := f.book(t, "b1", "stock-1", t0.Add(-72*time.Hour), cancelled)
	ctx := context.Background()

	assert.ErrorIs(t, f.machine.CancelByBeneficiary(ctx, "user-1", "b1"), model.ErrBookingIsAlreadyCancelled)
	assert.ErrorIs(t, f.machine.CancelByOfferer(ctx, "b1"), model.ErrBookingIsAlreadyCancelled)
	assert.ErrorIs(t, f.machine.MarkUsed(ctx, "b1"), model.ErrBookingIsCancelled)
	assert.ErrorIs(t, f.machine.MarkUnused(ctx, "b1"), model.ErrBookingIsNotUsed)

	require.NoError(t, f.machine.OnStockPostponed(ctx, "stock-1", t0.Add(240*time.Hour)))
	assert.Equal(t, before, f.get(t, "b1"))
	assert.Empty(t, f.sender.sent)
}

// =============================================================================
// USE / UNUSE
// =============================================================================

func TestMarkUsed(t *testing.T) {
	f := newFixture(t)
	f.eventStock(t, "soon", t0.Add(24*time.Hour))
	f.eventStock(t, "later", t0.Add(240*time.Hour))
	f.thingStock(t, "thing")
	f.book(t, "confirmed", "soon", t0.Add(-72*time.Hour))
	f.book(t, "reserved", "later", t0)
	f.book(t, "thing", "thing", t0)
	f.book(t, "paid", "thing", t0, used)
	require.NoError(t, f.store.SavePayment(context.Background(), model.Payment{ID: "p1", BookingID: "paid"}))
	ctx := context.Background()

	require.NoError(t, f.machine.MarkUsed(ctx, "confirmed"))
	b := f.get(t, "confirmed")
	assert.True(t, b.IsUsed)
	require.NotNil(t, b.DateUsed)
	assert.Equal(t, t0, *b.DateUsed)

	assert.ErrorIs(t, f.machine.MarkUsed(ctx, "confirmed"), model.ErrBookingIsAlreadyUsed)
	assert.ErrorIs(t, f.machine.MarkUsed(ctx, "reserved"), model.ErrBookingNotConfirmed)
	assert.NoError(t, f.machine.MarkUsed(ctx, "thing"), "things can be used right away")
	assert.ErrorIs(t, f.machine.MarkUsed(ctx, "paid"), model.ErrBookingIsRefunded)
}

func TestMarkUnused(t *testing.T) {
	f := newFixture(t)
	f.thingStock(t, "thing")
	f.book(t, "used", "thing", t0, used)
	f.book(t, "paid", "thing", t0, used)
	f.book(t, "pending", "thing", t0)
	require.NoError(t, f.store.SavePayment(context.Background(), model.Payment{ID: "p1", BookingID: "paid"}))
	ctx := context.Background()

	require.NoError(t, f.machine.MarkUnused(ctx, "used"))
	b := f.get(t, "used")
	assert.False(t, b.IsUsed)
	assert.Nil(t, b.DateUsed)

	err := f.machine.MarkUnused(ctx, "paid")
	assert.ErrorIs(t, err, model.ErrPaymentInProgress)
	assert.True(t, model.IsGone(err))
	assert.True(t, f.get(t, "paid").IsUsed)

	assert.ErrorIs(t, f.machine.MarkUnused(ctx, "pending"), model.ErrBookingIsNotUsed)
}
