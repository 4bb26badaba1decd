/*
state.go - Derived booking state and the confirmation deadline

PURPOSE:
  A booking is stored as two booleans and two nullable dates. Its state is
  always computed, never persisted:

    isCancelled                          -> CANCELLED
    isUsed                               -> USED
    confirmationDate set and <= now      -> CONFIRMED
    otherwise                            -> RESERVED

CONFIRMATION DATE:
  For event stocks:

    max(min(beginning - ConfirmBeforeEventDelay,
            created + ConfirmAfterCreationDelay),
        created)

  Things have no confirmation date and stay RESERVED until used or
  cancelled. The date is recomputed on every read, so postponing the event
  moves it without touching the booking.

SEE ALSO:
  - machine.go: transitions that consult the state
*/
package lifecycle

import (
	"time"

	"github.com/warp/booking-engine/model"
)

// State is the derived lifecycle state of a booking.
type State string

const (
	StateReserved  State = "RESERVED"
	StateConfirmed State = "CONFIRMED"
	StateUsed      State = "USED"
	StateCancelled State = "CANCELLED"
)

// Policy holds the time offsets of the lifecycle.
type Policy struct {
	// ConfirmBeforeEventDelay: a booking is confirmed this long before its event.
	ConfirmBeforeEventDelay time.Duration
	// ConfirmAfterCreationDelay: a booking is confirmed this long after creation
	// when that comes first.
	ConfirmAfterCreationDelay time.Duration
	// AutoUseAfterEventDelay: the sweep marks bookings used this long after
	// the event began; the stock is no longer deletable past it.
	AutoUseAfterEventDelay time.Duration
	// PostponementRevertThreshold: a postponed event further away than this
	// reverts bookings that were prematurely marked used.
	PostponementRevertThreshold time.Duration
}

// DefaultPolicy returns the 48h offsets used in production.
func DefaultPolicy() Policy {
	return Policy{
		ConfirmBeforeEventDelay:     48 * time.Hour,
		ConfirmAfterCreationDelay:   48 * time.Hour,
		AutoUseAfterEventDelay:      48 * time.Hour,
		PostponementRevertThreshold: 48 * time.Hour,
	}
}

// ConfirmationDate returns when b stops being cancellable by its
// beneficiary, or nil when it never does.
func (p Policy) ConfirmationDate(b model.Booking, s model.Stock) *time.Time {
	if s.BeginningDatetime == nil {
		return nil
	}
	beforeEvent := s.BeginningDatetime.Add(-p.ConfirmBeforeEventDelay)
	afterCreation := b.DateCreated.Add(p.ConfirmAfterCreationDelay)

	date := beforeEvent
	if afterCreation.Before(date) {
		date = afterCreation
	}
	if date.Before(b.DateCreated) {
		date = b.DateCreated
	}
	return &date
}

// IsConfirmed reports whether the confirmation date has been reached.
func (p Policy) IsConfirmed(b model.Booking, s model.Stock, now time.Time) bool {
	date := p.ConfirmationDate(b, s)
	return date != nil && !date.After(now)
}

// StateOf derives the state of b at now.
func (p Policy) StateOf(b model.Booking, s model.Stock, now time.Time) State {
	switch {
	case b.IsCancelled:
		return StateCancelled
	case b.IsUsed:
		return StateUsed
	case p.IsConfirmed(b, s, now):
		return StateConfirmed
	default:
		return StateReserved
	}
}
