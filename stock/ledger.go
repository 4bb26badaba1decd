/*
ledger.go - Stock capacity ledger

PURPOSE:
  Answers "how many units of this stock remain bookable right now" and
  "may this stock be booked, edited, deleted". Pure functions over a Stock
  and the bookings drawn against it; persistence and locking belong to the
  caller (admission/, lifecycle/) and the stores.

ACTIVE BOOKINGS:
  A booking counts against capacity when

      NOT isCancelled AND NOT (isUsed AND dateCreated > stock.dateModified)

  The same predicate is compiled into the storage-layer backstop of every
  store (memory, sqlite trigger, postgres constraint trigger). Keep them in
  sync: a drift here and there means the friendly pre-check and the
  authoritative check disagree.

TIME GATES:
  - event expired:   beginningDatetime <= now
  - event deletable: no beginning, or beginning + AutoUseAfterEventDelay >= now
  - booking limit:   bookingLimitDatetime < now blocks new bookings

SEE ALSO:
  - guards.go: edit/delete validation
  - store/sqlite/sqlite.go: trigger with the same predicate
*/
package stock

import (
	"time"

	"github.com/warp/booking-engine/model"
)

// DefaultAutoUseAfterEventDelay is how long after an event starts its
// bookings stay reversible and its stock stays deletable.
const DefaultAutoUseAfterEventDelay = 48 * time.Hour

// Ledger evaluates capacity and time gates for stocks.
type Ledger struct {
	AutoUseAfterEventDelay time.Duration
}

// NewLedger returns a ledger with the given event buffer. A non-positive
// delay falls back to DefaultAutoUseAfterEventDelay.
func NewLedger(autoUseAfterEventDelay time.Duration) Ledger {
	if autoUseAfterEventDelay <= 0 {
		autoUseAfterEventDelay = DefaultAutoUseAfterEventDelay
	}
	return Ledger{AutoUseAfterEventDelay: autoUseAfterEventDelay}
}

// =============================================================================
// CAPACITY
// =============================================================================

// IsActive reports whether b counts against s's quantity.
func IsActive(b model.Booking, s model.Stock) bool {
	if b.IsCancelled {
		return false
	}
	return !(b.IsUsed && b.DateCreated.After(s.DateModified))
}

// BookedQuantity sums the quantity of the active bookings of s.
func BookedQuantity(s model.Stock, bookings []model.Booking) int {
	total := 0
	for _, b := range bookings {
		if b.StockID != s.ID {
			continue
		}
		if IsActive(b, s) {
			total += b.Quantity
		}
	}
	return total
}

// RemainingCapacity returns the units left on s. The second value is false
// when the stock is unlimited, in which case the first is meaningless.
func RemainingCapacity(s model.Stock, bookings []model.Booking) (int, bool) {
	if s.Quantity == nil {
		return 0, false
	}
	return *s.Quantity - BookedQuantity(s, bookings), true
}

// =============================================================================
// TIME GATES
// =============================================================================

// IsEventExpired reports whether the event already started.
func (l Ledger) IsEventExpired(s model.Stock, now time.Time) bool {
	return s.BeginningDatetime != nil && !s.BeginningDatetime.After(now)
}

// IsEventDeletable reports whether the stock may still be deleted and its
// bookings are still reversible. Things are always deletable.
func (l Ledger) IsEventDeletable(s model.Stock, now time.Time) bool {
	if s.BeginningDatetime == nil {
		return true
	}
	limit := s.BeginningDatetime.Add(l.AutoUseAfterEventDelay)
	return !limit.Before(now)
}

// HasBookingLimitPassed reports whether new bookings are closed.
func HasBookingLimitPassed(s model.Stock, now time.Time) bool {
	return s.BookingLimitDatetime != nil && s.BookingLimitDatetime.Before(now)
}

// IsBookable reports whether a new booking may be attempted on s.
func (l Ledger) IsBookable(s model.Stock, bookings []model.Booking, now time.Time) bool {
	if s.IsSoftDeleted {
		return false
	}
	if HasBookingLimitPassed(s, now) {
		return false
	}
	if l.IsEventExpired(s, now) {
		return false
	}
	remaining, limited := RemainingCapacity(s, bookings)
	return !limited || remaining > 0
}
