package lifecycle

import (
	"context"
	"time"

	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/notify"
	"github.com/warp/booking-engine/stock"
)

// =============================================================================
// POSTPONEMENT
// =============================================================================

// OnStockPostponed moves an event stock to newBeginning. Bookings that a
// premature sweep marked used are reverted when the event is now further
// than PostponementRevertThreshold away, unless a payment already froze
// them. Beneficiaries of non-cancelled bookings are notified.
//
// Unlike EditStock this does not refuse already-started events: the
// upstream feed may correct a date the engine already acted upon. The
// stock's DateModified is left to the feed; stamping it here would bring
// used bookings back into the count behind the offerer's back.
func (m *Machine) OnStockPostponed(ctx context.Context, stockID model.StockID, newBeginning time.Time) (err error) {
	defer observe("postpone", &err)
	now := m.clock.Now()

	var (
		s        model.Stock
		affected []model.Booking
	)
	err = m.store.WithTx(ctx, func(tx model.Tx) error {
		current, err := tx.GetStockForUpdate(ctx, stockID)
		if err != nil {
			return err
		}
		if !current.IsEvent() {
			return model.ErrInvalidStockDates
		}
		current.BeginningDatetime = &newBeginning
		if current.BookingLimitDatetime != nil && current.BookingLimitDatetime.After(newBeginning) {
			current.BookingLimitDatetime = &newBeginning
		}
		if err := tx.UpdateStock(ctx, current); err != nil {
			return err
		}
		s = current
		affected, err = m.revertPrematureUse(ctx, tx, s, now)
		return err
	})
	if err != nil {
		return err
	}

	logging.Info().Str("stock_id", string(stockID)).Time("beginning", newBeginning).Int("bookings", len(affected)).Msg("stock postponed")
	m.send(ctx, notify.New(notify.KindPostponed, s, affected, now))
	return nil
}

// revertPrematureUse runs after s was written with its new beginning. It
// returns the non-cancelled bookings of s.
//
// A used booking that no longer counts against s only gets reverted while
// the stock has room for it again; otherwise it stays used and is logged.
func (m *Machine) revertPrematureUse(ctx context.Context, tx model.Tx, s model.Stock, now time.Time) ([]model.Booking, error) {
	bookings, err := tx.ListBookingsByStock(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	revert := s.BeginningDatetime.After(now.Add(m.policy.PostponementRevertThreshold))
	booked := stock.BookedQuantity(s, bookings)

	var affected []model.Booking
	for _, b := range bookings {
		if b.IsCancelled {
			continue
		}
		if revert && b.IsUsed {
			reverted, err := m.revertUse(ctx, tx, s, b, &booked)
			if err != nil {
				return nil, err
			}
			b = reverted
		}
		affected = append(affected, b)
	}
	return affected, nil
}

func (m *Machine) revertUse(ctx context.Context, tx model.Tx, s model.Stock, b model.Booking, booked *int) (model.Booking, error) {
	paid, err := tx.HasPayment(ctx, b.ID)
	if err != nil || paid {
		return b, err
	}

	extra := 0
	if !stock.IsActive(b, s) {
		extra = b.Quantity
	}
	if s.Quantity != nil && *booked+extra > *s.Quantity {
		logging.Warn().
			Str("booking_id", string(b.ID)).
			Str("stock_id", string(s.ID)).
			Int("booked", *booked).
			Int("quantity", *s.Quantity).
			Msg("used booking kept: no capacity left to revert it")
		return b, nil
	}

	b.IsUsed = false
	b.DateUsed = nil
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return b, err
	}
	*booked += extra
	return b, nil
}

// =============================================================================
// EDIT
// =============================================================================

// EditStock validates and applies an offerer's edit. A changed beginning
// runs the postponement flow in the same transaction.
func (m *Machine) EditStock(ctx context.Context, stockID model.StockID, u stock.Update) (updated model.Stock, err error) {
	defer observe("edit_stock", &err)
	now := m.clock.Now()

	var affected []model.Booking
	postponed := false
	err = m.store.WithTx(ctx, func(tx model.Tx) error {
		current, err := tx.GetStockForUpdate(ctx, stockID)
		if err != nil {
			return err
		}
		offer, err := tx.GetOffer(ctx, current.OfferID)
		if err != nil {
			return err
		}
		bookings, err := tx.ListBookingsByStock(ctx, stockID)
		if err != nil {
			return err
		}
		if err := m.stocks.CheckUpdatable(current, offer, u, bookings, now); err != nil {
			return err
		}

		updated = stock.Apply(current, u, now)
		if err := tx.UpdateStock(ctx, updated); err != nil {
			return err
		}
		if !sameTime(current.BeginningDatetime, updated.BeginningDatetime) {
			postponed = true
			affected, err = m.revertPrematureUse(ctx, tx, updated, now)
		}
		return err
	})
	if err != nil {
		return model.Stock{}, err
	}

	logging.Info().Str("stock_id", string(stockID)).Bool("postponed", postponed).Msg("stock edited")
	if postponed {
		m.send(ctx, notify.New(notify.KindPostponed, updated, affected, now))
	}
	return updated, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// =============================================================================
// DELETE
// =============================================================================

// DeleteStock soft-deletes a stock and cancels its pending bookings. Used
// bookings are kept as they are.
func (m *Machine) DeleteStock(ctx context.Context, stockID model.StockID) (cancelled []model.Booking, err error) {
	defer observe("delete_stock", &err)
	now := m.clock.Now()

	var s model.Stock
	err = m.store.WithTx(ctx, func(tx model.Tx) error {
		current, err := tx.GetStockForUpdate(ctx, stockID)
		if err != nil {
			return err
		}
		if err := m.stocks.CheckDeletable(current, now); err != nil {
			return err
		}
		current.IsSoftDeleted = true
		if err := tx.UpdateStock(ctx, current); err != nil {
			return err
		}
		s = current

		bookings, err := tx.ListBookingsByStock(ctx, stockID)
		if err != nil {
			return err
		}
		for _, b := range bookings {
			if b.IsCancelled || b.IsUsed {
				continue
			}
			b = cancel(b, now)
			if err := tx.UpdateBooking(ctx, b); err != nil {
				return err
			}
			cancelled = append(cancelled, b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info().Str("stock_id", string(stockID)).Int("cancelled", len(cancelled)).Msg("stock deleted")
	m.send(ctx, notify.New(notify.KindStockDeleted, s, cancelled, now))
	return cancelled, nil
}
