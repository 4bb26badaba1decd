package stock

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/model"
)

// Update is the full set of editable stock attributes. Fields are applied
// as given; nil means "unset" (unlimited quantity, no date).
type Update struct {
	Price                decimal.Decimal
	Quantity             *int
	BeginningDatetime    *time.Time
	BookingLimitDatetime *time.Time
}

// CheckUpdatable validates an edit of s against its offer and current bookings.
func (l Ledger) CheckUpdatable(s model.Stock, offer model.Offer, u Update, bookings []model.Booking, now time.Time) error {
	if l.IsEventExpired(s, now) {
		return model.ErrStockNotEditable
	}
	if err := CheckRequiredDates(offer, u.BeginningDatetime, u.BookingLimitDatetime); err != nil {
		return err
	}
	if u.Price.IsNegative() {
		return model.ErrInvalidPrice
	}
	// Stamping dateModified can bring used bookings back into the count.
	return CheckQuantity(u.Quantity, BookedQuantity(Apply(s, u, now), bookings))
}

// CheckRequiredDates enforces that events carry both dates and things carry
// no beginning.
func CheckRequiredDates(offer model.Offer, beginning, bookingLimit *time.Time) error {
	if offer.IsThing() {
		if beginning != nil {
			return model.ErrInvalidStockDates
		}
		return nil
	}
	if beginning == nil || bookingLimit == nil {
		return model.ErrInvalidStockDates
	}
	return nil
}

// CheckQuantity rejects negative quantities and quantities below what is
// already booked.
func CheckQuantity(quantity *int, booked int) error {
	if quantity == nil {
		return nil
	}
	if *quantity < 0 || *quantity-booked < 0 {
		return model.ErrInvalidStockQuantity
	}
	return nil
}

// CheckDeletable rejects deletion once the event is past its reversible window.
func (l Ledger) CheckDeletable(s model.Stock, now time.Time) error {
	if !l.IsEventDeletable(s, now) {
		return model.ErrTooLateToDeleteStock
	}
	return nil
}

// Apply returns s with u applied and DateModified stamped.
func Apply(s model.Stock, u Update, now time.Time) model.Stock {
	s.Price = u.Price
	s.Quantity = u.Quantity
	s.BeginningDatetime = u.BeginningDatetime
	s.BookingLimitDatetime = u.BookingLimitDatetime
	s.DateModified = now
	return s
}
