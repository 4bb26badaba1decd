package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/model"
)

func TestSweepMarkUsed_Idempotent(t *testing.T) {
	// GIVEN: a past event (beyond the 48h buffer), a recent one, and a thing
	f := newFixture(t)
	ctx := context.Background()
	f.eventStock(t, "past", t0.Add(-72*time.Hour))
	f.eventStock(t, "recent", t0.Add(-24*time.Hour))
	f.thingStock(t, "thing")
	f.book(t, "b1", "past", t0.Add(-100*time.Hour))
	f.book(t, "b2", "past", t0.Add(-100*time.Hour))
	f.book(t, "gone", "past", t0.Add(-100*time.Hour), cancelled)
	f.book(t, "b3", "recent", t0.Add(-100*time.Hour))
	f.book(t, "b4", "thing", t0.Add(-100*time.Hour))

	// WHEN: the sweep runs
	first, err := f.machine.SweepMarkUsed(ctx, t0)

	// THEN: only the past event's pending bookings are used
	require.NoError(t, err)
	assert.Equal(t, 2, first.Updated)
	assert.Empty(t, first.FailedBookingIDs)
	for _, id := range []model.BookingID{"b1", "b2"} {
		b := f.get(t, id)
		assert.True(t, b.IsUsed, id)
		require.NotNil(t, b.DateUsed)
		assert.Equal(t, t0, *b.DateUsed)
	}
	assert.False(t, f.get(t, "gone").IsUsed)
	assert.False(t, f.get(t, "b3").IsUsed)
	assert.False(t, f.get(t, "b4").IsUsed)

	// AND: a second run with the same now changes nothing
	second, err := f.machine.SweepMarkUsed(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Updated)
	assert.Empty(t, second.FailedBookingIDs)
}

func TestSweepMarkUsed_FailuresAreCollected(t *testing.T) {
	// GIVEN: a store refusing to update b2
	f := newFixture(t)
	ctx := context.Background()
	f.eventStock(t, "past", t0.Add(-72*time.Hour))
	f.book(t, "b1", "past", t0.Add(-100*time.Hour))
	f.book(t, "b2", "past", t0.Add(-99*time.Hour))
	f.book(t, "b3", "past", t0.Add(-98*time.Hour))

	store := &failingStore{Store: f.store, failOn: map[model.BookingID]bool{"b2": true}}
	machine := lifecycle.NewMachine(store, lifecycle.DefaultPolicy(), f.sender, f.clock)

	// WHEN: the sweep runs
	result, err := machine.SweepMarkUsed(ctx, t0)

	// THEN: the others are still updated
	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)
	assert.Equal(t, []model.BookingID{"b2"}, result.FailedBookingIDs)
	assert.True(t, f.get(t, "b1").IsUsed)
	assert.False(t, f.get(t, "b2").IsUsed)
	assert.True(t, f.get(t, "b3").IsUsed)

	// AND: the next run picks b2 up again
	result, err = f.machine.SweepMarkUsed(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
}

func TestSweepMarkUsed_RespectsConfiguredDelay(t *testing.T) {
	f := newFixture(t)
	policy := lifecycle.DefaultPolicy()
	policy.AutoUseAfterEventDelay = 96 * time.Hour
	machine := lifecycle.NewMachine(f.store, policy, f.sender, f.clock)
	f.eventStock(t, "past", t0.Add(-72*time.Hour))
	f.book(t, "b1", "past", t0.Add(-100*time.Hour))

	result, err := machine.SweepMarkUsed(context.Background(), t0)

	require.NoError(t, err)
	assert.Equal(t, 0, result.Updated)
}
