/*
ledger.go - Expense ledger

PURPOSE:
  Decides whether a proposed booking amount would push a beneficiary over
  any cap of their deposit version.

COMPUTATION:
  current(domain) = SUM(amount * quantity) over the user's non-cancelled
  bookings whose offer falls in the domain. It is recomputed from the
  bookings on every call; there is no cached counter, so a cancellation
  restores budget for the very next check.

  limit(ALL) is the deposit amount, bounded by the version's total cap.

CHECK ORDER (first violation wins, never several):
  1. no deposit, or expired deposit with a non-zero request -> insufficient funds
  2. ALL                                                   -> insufficient funds
  3. DIGITAL, only when the offer is digital for the version
  4. PHYSICAL, only when the offer is physical for the version

SEE ALSO:
  - limits.go: per-version caps and predicates
  - admission/controller.go: calls CheckAffordable inside the booking tx
*/
package expense

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/model"
)

// Ledger computes expenses and affordability.
type Ledger struct {
	configs Configurations
}

// NewLedger returns a ledger over the given configurations. A nil map uses
// DefaultConfigurations.
func NewLedger(configs Configurations) *Ledger {
	if configs == nil {
		configs = DefaultConfigurations()
	}
	return &Ledger{configs: configs}
}

// Configuration returns the limits of a deposit version.
func (l *Ledger) Configuration(version int) (LimitConfiguration, error) {
	cfg, ok := l.configs[version]
	if !ok {
		return LimitConfiguration{}, fmt.Errorf("%w: unknown deposit version %d", model.ErrUserHasInsufficientFunds, version)
	}
	return cfg, nil
}

// Expenses returns the ALL expense, then DIGITAL and PHYSICAL when the
// deposit version caps them.
func (l *Ledger) Expenses(deposit model.Deposit, bookings []model.UserBooking) ([]model.Expense, error) {
	cfg, err := l.Configuration(deposit.Version)
	if err != nil {
		return nil, err
	}

	expenses := []model.Expense{{
		Domain:  model.ExpenseDomainAll,
		Current: sum(bookings, func(model.Offer) bool { return true }),
		Limit:   totalLimit(deposit, cfg),
	}}
	if cfg.DigitalCap != nil {
		expenses = append(expenses, model.Expense{
			Domain:  model.ExpenseDomainDigital,
			Current: sum(bookings, cfg.DigitalCapApplies),
			Limit:   *cfg.DigitalCap,
		})
	}
	if cfg.PhysicalCap != nil {
		expenses = append(expenses, model.Expense{
			Domain:  model.ExpenseDomainPhysical,
			Current: sum(bookings, cfg.PhysicalCapApplies),
			Limit:   *cfg.PhysicalCap,
		})
	}
	return expenses, nil
}

// CheckAffordable returns nil when requested can be spent on offer.
func (l *Ledger) CheckAffordable(deposit *model.Deposit, bookings []model.UserBooking, requested decimal.Decimal, offer model.Offer, now time.Time) error {
	if deposit == nil {
		return model.ErrUserHasInsufficientFunds
	}
	if deposit.IsExpired(now) && !requested.IsZero() {
		return model.ErrUserHasInsufficientFunds
	}

	cfg, err := l.Configuration(deposit.Version)
	if err != nil {
		return err
	}
	expenses, err := l.Expenses(*deposit, bookings)
	if err != nil {
		return err
	}

	for _, e := range expenses {
		switch e.Domain {
		case model.ExpenseDomainDigital:
			if !cfg.DigitalCapApplies(offer) {
				continue
			}
		case model.ExpenseDomainPhysical:
			if !cfg.PhysicalCapApplies(offer) {
				continue
			}
		}
		if e.Current.Add(requested).GreaterThan(e.Limit) {
			return &model.ExpenseLimitError{Domain: e.Domain, Limit: e.Limit}
		}
	}
	return nil
}

// totalLimit is the deposit amount, never above the version's total cap. A
// zero deposit grants nothing but free bookings.
func totalLimit(deposit model.Deposit, cfg LimitConfiguration) decimal.Decimal {
	if deposit.Amount.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(deposit.Amount, cfg.TotalCap)
}

func sum(bookings []model.UserBooking, applies CapPredicate) decimal.Decimal {
	total := decimal.Zero
	for _, ub := range bookings {
		if ub.Booking.IsCancelled || !applies(ub.Offer) {
			continue
		}
		total = total.Add(ub.Booking.Total())
	}
	return total
}
