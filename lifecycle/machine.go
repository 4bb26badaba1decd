/*
machine.go - Booking state machine

PURPOSE:
  Applies the guarded transitions of a single booking. Every transition
  loads the booking inside a transaction, checks its guards against the
  derived state, writes the new flags and commits. Notifications are sent
  after commit and their failures are only logged.

TRANSITIONS:
  CancelByBeneficiary   RESERVED -> CANCELLED        (owner only)
  CancelByOfferer       RESERVED|CONFIRMED -> CANCELLED
  MarkUsed              RESERVED|CONFIRMED -> USED   (event bookings: CONFIRMED only)
  MarkUnused            USED -> RESERVED|CONFIRMED   (no payment yet)

  CANCELLED is terminal: every transition refuses a cancelled booking.

GUARD ORDER:
  Guards run in a fixed order and the first failure is returned. The order
  decides which error a caller sees when several apply (e.g. a used booking
  with a payment reports ErrBookingIsRefunded on MarkUsed).

SEE ALSO:
  - state.go: derived state
  - stock.go: stock-level transitions (postpone, edit, delete)
  - sweep.go: time-driven MarkUsed
*/
package lifecycle

import (
	"context"
	"time"

	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/stock"
)

// Machine runs booking and stock transitions against a store.
type Machine struct {
	store  model.Store
	policy Policy
	stocks stock.Ledger
	sender notify.Sender
	clock  model.Clock
}

// NewMachine returns a machine. A nil sender logs notifications; a nil
// clock uses the system clock.
func NewMachine(store model.Store, policy Policy, sender notify.Sender, clock model.Clock) *Machine {
	if sender == nil {
		sender = notify.LogSender{}
	}
	if clock == nil {
		clock = model.NewSystemClock()
	}
	return &Machine{
		store:  store,
		policy: policy,
		stocks: stock.NewLedger(policy.AutoUseAfterEventDelay),
		sender: sender,
		clock:  clock,
	}
}

// BookingView is a booking with its derived state.
type BookingView struct {
	Booking          model.Booking
	Stock            model.Stock
	State            State
	ConfirmationDate *time.Time
}

// GetBookingByToken looks a booking up by its redemption code.
func (m *Machine) GetBookingByToken(ctx context.Context, token string) (BookingView, error) {
	now := m.clock.Now()
	var view BookingView
	err := m.store.WithTx(ctx, func(tx model.Tx) error {
		b, err := tx.GetBookingByToken(ctx, token)
		if err != nil {
			return err
		}
		s, err := tx.GetStock(ctx, b.StockID)
		if err != nil {
			return err
		}
		view = m.view(b, s, now)
		return nil
	})
	return view, err
}

func (m *Machine) view(b model.Booking, s model.Stock, now time.Time) BookingView {
	return BookingView{
		Booking:          b,
		Stock:            s,
		State:            m.policy.StateOf(b, s, now),
		ConfirmationDate: m.policy.ConfirmationDate(b, s),
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelByBeneficiary cancels a booking on behalf of its owner. Allowed only
// while the booking is RESERVED.
func (m *Machine) CancelByBeneficiary(ctx context.Context, userID model.UserID, bookingID model.BookingID) (err error) {
	defer observe("cancel_beneficiary", &err)
	now := m.clock.Now()

	var (
		cancelled model.Booking
		s         model.Stock
	)
	err = m.store.WithTx(ctx, func(tx model.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.UserID != userID {
			return model.ErrBookingDoesntExist
		}
		if b.IsCancelled {
			return model.ErrBookingIsAlreadyCancelled
		}
		if b.IsUsed {
			return model.ErrBookingIsAlreadyUsed
		}
		if s, err = tx.GetStock(ctx, b.StockID); err != nil {
			return err
		}
		if m.policy.IsConfirmed(b, s, now) {
			return model.ErrCannotCancelConfirmedBooking
		}
		cancelled = cancel(b, now)
		return tx.UpdateBooking(ctx, cancelled)
	})
	if err != nil {
		return err
	}

	logging.Info().Str("booking_id", string(bookingID)).Str("user_id", string(userID)).Msg("booking cancelled by beneficiary")
	m.send(ctx, notify.New(notify.KindCancelledByBeneficiary, s, []model.Booking{cancelled}, now))
	return nil
}

// CancelByOfferer cancels a booking on behalf of the offerer or an admin.
func (m *Machine) CancelByOfferer(ctx context.Context, bookingID model.BookingID) (err error) {
	defer observe("cancel_offerer", &err)
	now := m.clock.Now()

	var (
		cancelled model.Booking
		s         model.Stock
	)
	err = m.store.WithTx(ctx, func(tx model.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.IsCancelled {
			return model.ErrBookingIsAlreadyCancelled
		}
		if b.IsUsed {
			return model.ErrCannotCancelUsedBooking
		}
		if s, err = tx.GetStock(ctx, b.StockID); err != nil {
			return err
		}
		cancelled = cancel(b, now)
		return tx.UpdateBooking(ctx, cancelled)
	})
	if err != nil {
		return err
	}

	logging.Info().Str("booking_id", string(bookingID)).Msg("booking cancelled by offerer")
	m.send(ctx, notify.New(notify.KindCancelledByOfferer, s, []model.Booking{cancelled}, now))
	return nil
}

func cancel(b model.Booking, now time.Time) model.Booking {
	b.IsCancelled = true
	b.CancellationDate = &now
	return b
}

// =============================================================================
// USE / UNUSE
// =============================================================================

// MarkUsed records that the offerer redeemed the booking.
func (m *Machine) MarkUsed(ctx context.Context, bookingID model.BookingID) (err error) {
	defer observe("use", &err)
	now := m.clock.Now()

	return m.store.WithTx(ctx, func(tx model.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		paid, err := tx.HasPayment(ctx, b.ID)
		if err != nil {
			return err
		}
		if paid {
			return model.ErrBookingIsRefunded
		}
		if b.IsUsed {
			return model.ErrBookingIsAlreadyUsed
		}
		if b.IsCancelled {
			return model.ErrBookingIsCancelled
		}
		s, err := tx.GetStock(ctx, b.StockID)
		if err != nil {
			return err
		}
		if s.IsEvent() && !m.policy.IsConfirmed(b, s, now) {
			return model.ErrBookingNotConfirmed
		}
		b.IsUsed = true
		b.DateUsed = &now
		return tx.UpdateBooking(ctx, b)
	})
}

// MarkUnused reverses MarkUsed. Once a payment references the booking its
// used flag is frozen.
func (m *Machine) MarkUnused(ctx context.Context, bookingID model.BookingID) (err error) {
	defer observe("unuse", &err)

	return m.store.WithTx(ctx, func(tx model.Tx) error {
		b, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !b.IsUsed {
			return model.ErrBookingIsNotUsed
		}
		if b.IsCancelled {
			return model.ErrBookingIsCancelled
		}
		paid, err := tx.HasPayment(ctx, b.ID)
		if err != nil {
			return err
		}
		if paid {
			return model.ErrPaymentInProgress
		}
		b.IsUsed = false
		b.DateUsed = nil
		return tx.UpdateBooking(ctx, b)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// send delivers n and swallows the error.
func (m *Machine) send(ctx context.Context, n notify.Notification) {
	if len(n.Recipients) == 0 {
		return
	}
	err := m.sender.Send(ctx, n)
	metrics.Notifications.WithLabelValues(string(n.Kind), metrics.Outcome(err)).Inc()
	if err != nil {
		logging.Error().Err(err).
			Str("kind", string(n.Kind)).
			Str("stock_id", string(n.StockID)).
			Int("recipients", len(n.Recipients)).
			Msg("notification failed")
	}
}

func observe(transition string, err *error) {
	metrics.Transitions.WithLabelValues(transition, metrics.Outcome(*err)).Inc()
}
