/*
store.go - Persistence contract for the booking engine

PURPOSE:
  Defines the boundary between engine logic and the transactional data
  store. Implementations: store/memory (tests), store/sqlite, store/postgres.

TRANSACTIONS:
  Every engine operation that reads then writes runs inside Store.WithTx.
  The Tx handed to the callback is the only way to read or write inside it.
  If the callback returns an error, nothing it wrote is kept.

CAPACITY BACKSTOP:
  InsertBooking and UpdateBooking MUST re-validate the stock capacity at the
  storage layer and fail with *TooManyBookingsError when the active booked
  quantity would exceed Stock.Quantity. Application pre-checks are a
  courtesy; this check is the authority.

LOCKING:
  GetStockForUpdate takes the stock row lock (SELECT ... FOR UPDATE on
  PostgreSQL, the store-wide writer lock elsewhere) for the remainder of the
  transaction. Admission calls it before reading capacity or expenses.

SEE ALSO:
  - admission/controller.go: the main WithTx caller
  - lifecycle/sweep.go: one small transaction per booking
*/
package model

import (
	"context"
	"time"
)

// Store is the transactional data store.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ListSweepCandidates returns non-used, non-cancelled bookings whose stock
	// began before cutoff.
	ListSweepCandidates(ctx context.Context, cutoff time.Time) ([]Booking, error)
}

// Tx is the view of the store inside a transaction.
type Tx interface {
	GetStock(ctx context.Context, id StockID) (Stock, error)
	GetStockForUpdate(ctx context.Context, id StockID) (Stock, error)
	GetOffer(ctx context.Context, id OfferID) (Offer, error)
	GetUser(ctx context.Context, id UserID) (User, error)

	// GetUserForUpdate locks the user row until the transaction ends, so two
	// admissions for the same user read each other's bookings.
	GetUserForUpdate(ctx context.Context, id UserID) (User, error)

	// GetActiveDeposit returns the user's most recent deposit, or nil.
	GetActiveDeposit(ctx context.Context, userID UserID) (*Deposit, error)

	GetBooking(ctx context.Context, id BookingID) (Booking, error)
	GetBookingByToken(ctx context.Context, token string) (Booking, error)
	ListBookingsByStock(ctx context.Context, stockID StockID) ([]Booking, error)

	// ListUserBookings returns every booking of the user with its offer,
	// cancelled ones included.
	ListUserBookings(ctx context.Context, userID UserID) ([]UserBooking, error)

	// HasActiveBookingForOffer reports whether the user holds a non-cancelled
	// booking on any stock of the offer.
	HasActiveBookingForOffer(ctx context.Context, userID UserID, offerID OfferID) (bool, error)

	HasPayment(ctx context.Context, bookingID BookingID) (bool, error)

	InsertBooking(ctx context.Context, b Booking) error
	UpdateBooking(ctx context.Context, b Booking) error
	UpdateStock(ctx context.Context, s Stock) error
}

// FeedStore receives records from the upstream offer/stock feed and the
// reimbursement process. Both live outside the engine.
type FeedStore interface {
	SaveOffer(ctx context.Context, o Offer) error
	SaveStock(ctx context.Context, s Stock) error
	SaveUser(ctx context.Context, u User) error
	SaveDeposit(ctx context.Context, d Deposit) error
	SavePayment(ctx context.Context, p Payment) error
}
