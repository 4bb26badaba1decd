/*
controller.go - Booking admission

PURPOSE:
  Single entry point for creating bookings. Composes the stock ledger and
  the expense ledger into one atomic decision.

ALGORITHM (one transaction):
  1. Lock the stock row (GetStockForUpdate); missing or soft-deleted -> not found
     Lock the user row (GetUserForUpdate)
  2. Fail fast, in order:
       checkCanBookFreeOffer    non-beneficiary on a zero-price stock
       checkOfferAlreadyBooked  one non-cancelled booking per user and offer
       checkQuantity            1, or 1|2 on duo offers
       checkStockIsBookable     stock ledger
       checkExpenses            expense ledger, fresh from the user's bookings
  3. Insert the booking with amount = stock price, frozen

CONCURRENCY:
  The stock lock serializes admissions on the same stock; the user lock
  serializes one user's admissions across stocks and offers. Locks are
  always taken stock first, then user. The store still
  re-validates capacity on insert; when that backstop fires the caller gets
  a *model.TooManyBookingsError, which matches ErrStockIsNotBookable.

TOKENS:
  Six uppercase alphanumerics. A collision aborts the transaction with
  ErrDuplicateToken and the whole admission is retried with a new token.

SEE ALSO:
  - stock/ledger.go, expense/ledger.go
  - model/store.go: the backstop contract
*/
package admission

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/expense"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/model"
	"github.com/warp/booking-engine/stock"
)

const (
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenLength   = 6
	maxAttempts   = 5
)

// Controller admits or rejects booking requests.
type Controller struct {
	store    model.Store
	stocks   stock.Ledger
	expenses *expense.Ledger
	clock    model.Clock

	// NewToken generates redemption codes. Replaced in tests.
	NewToken func() (string, error)
}

// NewController returns a controller. A nil clock uses the system clock.
func NewController(store model.Store, stocks stock.Ledger, expenses *expense.Ledger, clock model.Clock) *Controller {
	if clock == nil {
		clock = model.NewSystemClock()
	}
	return &Controller{
		store:    store,
		stocks:   stocks,
		expenses: expenses,
		clock:    clock,
		NewToken: RandomToken,
	}
}

// CreateBooking books quantity units of stockID for userID.
func (c *Controller) CreateBooking(ctx context.Context, userID model.UserID, stockID model.StockID, quantity int) (booking model.Booking, err error) {
	start := time.Now()
	defer func() {
		metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
		metrics.Admissions.WithLabelValues(metrics.Outcome(err)).Inc()
	}()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		booking, err = c.admit(ctx, userID, stockID, quantity)
		if !errors.Is(err, model.ErrDuplicateToken) {
			break
		}
		logging.Debug().Int("attempt", attempt).Str("stock_id", string(stockID)).Msg("booking token collision, retrying")
	}

	log := logging.With().Str("user_id", string(userID)).Str("stock_id", string(stockID)).Logger()
	if err != nil {
		log.Info().Err(err).Int("quantity", quantity).Msg("booking rejected")
		return model.Booking{}, err
	}
	log.Info().Str("booking_id", string(booking.ID)).Int("quantity", quantity).Msg("booking created")
	return booking, nil
}

func (c *Controller) admit(ctx context.Context, userID model.UserID, stockID model.StockID, quantity int) (model.Booking, error) {
	token, err := c.NewToken()
	if err != nil {
		return model.Booking{}, fmt.Errorf("generate token: %w", err)
	}
	now := c.clock.Now()

	var booking model.Booking
	err = c.store.WithTx(ctx, func(tx model.Tx) error {
		s, err := tx.GetStockForUpdate(ctx, stockID)
		if err != nil {
			return err
		}
		if s.IsSoftDeleted {
			return model.ErrStockNotFound
		}
		// the expense and already-booked checks must see this user's
		// bookings committed by a concurrent admission
		user, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		offer, err := tx.GetOffer(ctx, s.OfferID)
		if err != nil {
			return err
		}

		if err := checkCanBookFreeOffer(user, s); err != nil {
			return err
		}
		if err := checkOfferAlreadyBooked(ctx, tx, userID, offer.ID); err != nil {
			return err
		}
		if err := checkQuantity(offer, quantity); err != nil {
			return err
		}
		if err := c.checkStockIsBookable(ctx, tx, s, now); err != nil {
			return err
		}
		if err := c.checkExpenses(ctx, tx, userID, offer, s.Price.Mul(decimal.NewFromInt(int64(quantity))), now); err != nil {
			return err
		}

		booking = model.Booking{
			ID:          model.BookingID(uuid.NewString()),
			UserID:      userID,
			StockID:     s.ID,
			Quantity:    quantity,
			Amount:      s.Price,
			Token:       token,
			DateCreated: now,
		}
		return tx.InsertBooking(ctx, booking)
	})
	return booking, err
}

// GetUserExpenses returns the user's current expenses against their caps.
func (c *Controller) GetUserExpenses(ctx context.Context, userID model.UserID) ([]model.Expense, error) {
	var expenses []model.Expense
	err := c.store.WithTx(ctx, func(tx model.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		deposit, err := tx.GetActiveDeposit(ctx, userID)
		if err != nil {
			return err
		}
		if deposit == nil {
			return model.ErrUserHasInsufficientFunds
		}
		bookings, err := tx.ListUserBookings(ctx, userID)
		if err != nil {
			return err
		}
		expenses, err = c.expenses.Expenses(*deposit, bookings)
		return err
	})
	return expenses, err
}

// =============================================================================
// CHECKS
// =============================================================================

// checkCanBookFreeOffer keeps the legacy coupling: only beneficiaries may
// book zero-price stocks. Paid stocks fall through to the expense check,
// which refuses users without a deposit.
func checkCanBookFreeOffer(user model.User, s model.Stock) error {
	if !user.IsBeneficiary && s.Price.IsZero() {
		return model.ErrCannotBookFreeOffers
	}
	return nil
}

func checkOfferAlreadyBooked(ctx context.Context, tx model.Tx, userID model.UserID, offerID model.OfferID) error {
	booked, err := tx.HasActiveBookingForOffer(ctx, userID, offerID)
	if err != nil {
		return err
	}
	if booked {
		return model.ErrOfferIsAlreadyBooked
	}
	return nil
}

func checkQuantity(offer model.Offer, quantity int) error {
	if quantity == 1 || (offer.IsDuo && quantity == 2) {
		return nil
	}
	return model.ErrQuantityIsInvalid
}

func (c *Controller) checkStockIsBookable(ctx context.Context, tx model.Tx, s model.Stock, now time.Time) error {
	bookings, err := tx.ListBookingsByStock(ctx, s.ID)
	if err != nil {
		return err
	}
	if !c.stocks.IsBookable(s, bookings, now) {
		return model.ErrStockIsNotBookable
	}
	return nil
}

func (c *Controller) checkExpenses(ctx context.Context, tx model.Tx, userID model.UserID, offer model.Offer, requested decimal.Decimal, now time.Time) error {
	deposit, err := tx.GetActiveDeposit(ctx, userID)
	if err != nil {
		return err
	}
	bookings, err := tx.ListUserBookings(ctx, userID)
	if err != nil {
		return err
	}
	return c.expenses.CheckAffordable(deposit, bookings, requested, offer, now)
}

// RandomToken returns a six-character redemption code.
func RandomToken() (string, error) {
	size := big.NewInt(int64(len(tokenAlphabet)))
	token := make([]byte, tokenLength)
	for i := range token {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		token[i] = tokenAlphabet[n.Int64()]
	}
	return string(token), nil
}
