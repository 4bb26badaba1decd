/*
errors.go - Error taxonomy for the booking engine

PURPOSE:
  Every guard violation in the engine surfaces as one of the sentinels below,
  or as a structured error that unwraps to one. Callers use errors.Is and the
  classification helpers; nothing in the engine returns a bare string error
  for a business rule.

ERROR CATEGORIES:
  1. Admission errors - createBooking rejections
  2. Expense errors - cap violations (ExpenseLimitError carries the limit)
  3. Lifecycle errors - cancel / use / unuse guards
  4. Stock errors - edit and delete guards
  5. Storage errors - not found, capacity backstop, token collision

STORAGE BACKSTOP:
  TooManyBookingsError is synthesized by every store when the storage-layer
  capacity check rejects a write. It matches both ErrTooManyBookings and
  ErrStockIsNotBookable so callers can treat a lost race exactly like a
  failed pre-check.

SEE ALSO:
  - api/handlers.go: maps classifications to HTTP statuses
*/
package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrStockNotFound   = errors.New("stock not found")
	ErrOfferNotFound   = errors.New("offer not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrBookingNotFound = errors.New("booking not found")

	// ErrCannotBookFreeOffers is returned when a non-beneficiary books a free offer.
	ErrCannotBookFreeOffers = errors.New("cannot book free offers")

	// ErrOfferIsAlreadyBooked is returned when the user holds a non-cancelled
	// booking on any stock of the same offer.
	ErrOfferIsAlreadyBooked = errors.New("offer is already booked")

	// ErrQuantityIsInvalid is returned when quantity breaks the duo rule.
	ErrQuantityIsInvalid = errors.New("quantity is invalid")

	// ErrStockIsNotBookable covers exhausted, soft-deleted, past-deadline and
	// started-event stocks.
	ErrStockIsNotBookable = errors.New("stock is not bookable")

	ErrUserHasInsufficientFunds           = errors.New("user has insufficient funds")
	ErrDigitalExpenseLimitHasBeenReached  = errors.New("digital expense limit has been reached")
	ErrPhysicalExpenseLimitHasBeenReached = errors.New("physical expense limit has been reached")

	// ErrBookingDoesntExist is returned when a beneficiary targets a booking
	// they do not own.
	ErrBookingDoesntExist = errors.New("booking doesn't exist")

	ErrBookingIsAlreadyUsed         = errors.New("booking is already used")
	ErrCannotCancelConfirmedBooking = errors.New("cannot cancel confirmed booking")
	ErrBookingIsAlreadyCancelled    = errors.New("booking is already cancelled")
	ErrCannotCancelUsedBooking      = errors.New("cannot cancel a used booking")
	ErrBookingIsCancelled           = errors.New("booking is cancelled")
	ErrBookingIsNotUsed             = errors.New("booking is not used yet")
	ErrPaymentInProgress            = errors.New("payment in progress")
	ErrBookingIsRefunded            = errors.New("booking has been refunded")
	ErrBookingNotConfirmed          = errors.New("booking is not confirmed yet")

	ErrTooLateToDeleteStock = errors.New("too late to delete stock")
	ErrStockNotEditable     = errors.New("past events cannot be edited")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrInvalidStockQuantity = errors.New("invalid stock quantity")
	ErrInvalidStockDates    = errors.New("invalid stock dates")

	// ErrTooManyBookings is the storage-layer capacity backstop.
	ErrTooManyBookings = errors.New("too many bookings")

	// ErrDuplicateToken is returned when a generated token already exists.
	ErrDuplicateToken = errors.New("duplicate booking token")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ExpenseLimitError reports which cap was hit and its value.
type ExpenseLimitError struct {
	Domain ExpenseDomain
	Limit  decimal.Decimal
}

func (e *ExpenseLimitError) Error() string {
	return fmt.Sprintf("%s expense limit of %s has been reached", e.Domain, e.Limit.StringFixed(2))
}

func (e *ExpenseLimitError) Unwrap() error {
	switch e.Domain {
	case ExpenseDomainDigital:
		return ErrDigitalExpenseLimitHasBeenReached
	case ExpenseDomainPhysical:
		return ErrPhysicalExpenseLimitHasBeenReached
	default:
		return ErrUserHasInsufficientFunds
	}
}

// TooManyBookingsError is raised when the storage layer refuses a booking
// write that would push active bookings past the stock quantity.
type TooManyBookingsError struct {
	StockID StockID
}

func (e *TooManyBookingsError) Error() string {
	return fmt.Sprintf("too many bookings for stock %s", e.StockID)
}

func (e *TooManyBookingsError) Unwrap() []error {
	return []error{ErrTooManyBookings, ErrStockIsNotBookable}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStockNotFound) ||
		errors.Is(err, ErrOfferNotFound) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrBookingDoesntExist)
}

// IsGone returns true if the booking already left the state the caller expected.
func IsGone(err error) bool {
	return errors.Is(err, ErrBookingIsAlreadyCancelled) ||
		errors.Is(err, ErrBookingIsAlreadyUsed) ||
		errors.Is(err, ErrBookingIsNotUsed) ||
		errors.Is(err, ErrPaymentInProgress)
}

// IsForbidden returns true if the transition is never allowed from the current state.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrCannotCancelUsedBooking) ||
		errors.Is(err, ErrBookingIsCancelled) ||
		errors.Is(err, ErrBookingIsRefunded) ||
		errors.Is(err, ErrBookingNotConfirmed)
}

var clientErrors = []error{
	ErrCannotBookFreeOffers,
	ErrOfferIsAlreadyBooked,
	ErrQuantityIsInvalid,
	ErrStockIsNotBookable,
	ErrUserHasInsufficientFunds,
	ErrDigitalExpenseLimitHasBeenReached,
	ErrPhysicalExpenseLimitHasBeenReached,
	ErrCannotCancelConfirmedBooking,
	ErrTooLateToDeleteStock,
	ErrStockNotEditable,
	ErrInvalidPrice,
	ErrInvalidStockQuantity,
	ErrInvalidStockDates,
}

// IsClientError returns true if the error is a business rule rejection.
func IsClientError(err error) bool {
	if IsNotFound(err) || IsGone(err) || IsForbidden(err) {
		return true
	}
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
