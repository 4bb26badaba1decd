/*
Package model holds the types shared by every part of the booking engine.

PURPOSE:
  Offers, stocks, bookings, deposits and users as the engine sees them,
  independent of any storage backend. Ledgers (stock, expense), the booking
  lifecycle and the admission controller all operate on these values.

KEY CONCEPTS IN THIS FILE (types.go):
  - Stock: a priced, optionally quantity-limited unit of an Offer
  - Booking: a reservation drawn against a Stock, stored as two booleans
    and two nullable timestamps (the derived state lives in lifecycle/)
  - Deposit: the grant that selects a user's expense-cap configuration
  - Money: decimal.Decimal everywhere, never float64

DESIGN PRINCIPLES:
  1. Bookings and stocks are never hard-deleted (audit trail for expenses)
  2. Booking.Amount is frozen at creation; stock price edits never touch it
  3. Nullable columns are pointers, so "unlimited" and "no event" are explicit

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence contract
  - stock/ledger.go: capacity computation over these types
*/
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type OfferID string
type StockID string
type BookingID string
type DepositID string
type PaymentID string

// =============================================================================
// OFFER
// =============================================================================

// Offer is a sellable cultural product or service. Only the attributes the
// engine reasons about are modelled.
type Offer struct {
	ID       OfferID
	Name     string
	Category string
	// URL is set for dematerialized offers.
	URL     string
	IsEvent bool
	IsDuo   bool
}

// IsDigital reports whether the offer is delivered online.
func (o Offer) IsDigital() bool { return o.URL != "" }

// IsThing reports whether the offer is an undated product.
func (o Offer) IsThing() bool { return !o.IsEvent }

// =============================================================================
// STOCK
// =============================================================================

// Stock is one bookable unit of an Offer.
type Stock struct {
	ID      StockID
	OfferID OfferID
	Price   decimal.Decimal
	// Quantity nil means unlimited.
	Quantity             *int
	BeginningDatetime    *time.Time
	BookingLimitDatetime *time.Time
	IsSoftDeleted        bool
	DateModified         time.Time
}

// IsEvent reports whether the stock is a dated occurrence.
func (s Stock) IsEvent() bool { return s.BeginningDatetime != nil }

// =============================================================================
// BOOKING
// =============================================================================

// Booking is a user's reservation of Quantity units of a Stock.
//
// INVARIANT: IsCancelled and IsUsed are never both true.
type Booking struct {
	ID               BookingID
	UserID           UserID
	StockID          StockID
	Quantity         int
	Amount           decimal.Decimal
	Token            string
	DateCreated      time.Time
	IsCancelled      bool
	IsUsed           bool
	DateUsed         *time.Time
	CancellationDate *time.Time
}

// Total is the amount charged against the user's expenses.
func (b Booking) Total() decimal.Decimal {
	return b.Amount.Mul(decimal.NewFromInt(int64(b.Quantity)))
}

// UserBooking pairs a booking with the offer it was drawn from, which is
// what the expense ledger needs to classify it.
type UserBooking struct {
	Booking Booking
	Offer   Offer
}

// =============================================================================
// USERS, DEPOSITS, PAYMENTS
// =============================================================================

type User struct {
	ID            UserID
	Email         string
	IsBeneficiary bool
	IsAdmin       bool
}

// Deposit is the monetary grant given to a beneficiary. Version selects the
// expense-cap configuration.
type Deposit struct {
	ID             DepositID
	UserID         UserID
	Version        int
	Amount         decimal.Decimal
	ExpirationDate *time.Time
	DateCreated    time.Time
}

// IsExpired reports whether the deposit expired before now.
func (d Deposit) IsExpired(now time.Time) bool {
	return d.ExpirationDate != nil && d.ExpirationDate.Before(now)
}

// Payment is a reimbursement issued to the offerer for a booking. Once one
// exists, the booking's used/unused state is frozen.
type Payment struct {
	ID          PaymentID
	BookingID   BookingID
	Amount      decimal.Decimal
	DateCreated time.Time
}

// =============================================================================
// EXPENSES
// =============================================================================

// ExpenseDomain scopes a spending cap.
type ExpenseDomain string

const (
	ExpenseDomainAll      ExpenseDomain = "all"
	ExpenseDomainDigital  ExpenseDomain = "digital"
	ExpenseDomainPhysical ExpenseDomain = "physical"
)

// Expense is a computed aggregate, never persisted.
type Expense struct {
	Domain  ExpenseDomain
	Current decimal.Decimal
	Limit   decimal.Decimal
}

// =============================================================================
// HELPERS
// =============================================================================

func IntPtr(v int) *int { return &v }

func TimePtr(t time.Time) *time.Time { return &t }

