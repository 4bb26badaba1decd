/*
limits.go - Expense cap configurations per deposit version

PURPOSE:
  A beneficiary's deposit version selects which caps apply to their
  spending and which offers each sub-cap covers.

AVAILABLE CONFIGURATIONS:
  Version 1:
    - total cap 500
    - digital cap 200 (online offers)
    - physical cap 200 (undated physical goods)

  Version 2:
    - total cap 500
    - digital cap 100 (online offers, press subscriptions exempt)
    - no physical cap

EXEMPTIONS:
  Instructional categories (online courses, artistic practice) count toward
  the total but never toward a sub-cap. Events are never physical goods.

OVERRIDES:
  Caps can be replaced from configuration (config.ExpenseConfig); the
  applicability predicates are code, not configuration.

SEE ALSO:
  - ledger.go: expense computation and affordability checks
*/
package expense

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/model"
)

// Offer categories with expense-cap semantics.
const (
	CategoryOnlineCourse      = "ONLINE_COURSE"
	CategoryArtisticPractice  = "ARTISTIC_PRACTICE"
	CategoryPressSubscription = "PRESS_SUBSCRIPTION"
)

// CapPredicate decides whether a sub-cap covers an offer.
type CapPredicate func(offer model.Offer) bool

// LimitConfiguration holds the caps of one deposit version. A nil sub-cap
// means the domain is not capped for that version.
type LimitConfiguration struct {
	Version            int
	TotalCap           decimal.Decimal
	DigitalCap         *decimal.Decimal
	PhysicalCap        *decimal.Decimal
	DigitalCapApplies  CapPredicate
	PhysicalCapApplies CapPredicate
}

// Configurations maps deposit version to its limits.
type Configurations map[int]LimitConfiguration

// Caps overrides the numeric caps of a version. Empty strings keep the
// current value; "none" removes a sub-cap.
type Caps struct {
	Total    string
	Digital  string
	Physical string
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultConfigurations returns the built-in version 1 and 2 limits.
func DefaultConfigurations() Configurations {
	return Configurations{
		1: {
			Version:            1,
			TotalCap:           decimal.NewFromInt(500),
			DigitalCap:         decimalPtr(200),
			PhysicalCap:        decimalPtr(200),
			DigitalCapApplies:  digitalExcept(CategoryOnlineCourse, CategoryArtisticPractice),
			PhysicalCapApplies: physicalExcept(CategoryOnlineCourse, CategoryArtisticPractice),
		},
		2: {
			Version:            2,
			TotalCap:           decimal.NewFromInt(500),
			DigitalCap:         decimalPtr(100),
			PhysicalCap:        nil,
			DigitalCapApplies:  digitalExcept(CategoryOnlineCourse, CategoryArtisticPractice, CategoryPressSubscription),
			PhysicalCapApplies: never,
		},
	}
}

// WithCaps returns a copy of c with the caps of version replaced.
func (c Configurations) WithCaps(version int, caps Caps) (Configurations, error) {
	out := make(Configurations, len(c))
	for v, cfg := range c {
		out[v] = cfg
	}
	cfg, ok := out[version]
	if !ok {
		return nil, fmt.Errorf("unknown deposit version %d", version)
	}

	if caps.Total != "" {
		total, err := decimal.NewFromString(caps.Total)
		if err != nil {
			return nil, fmt.Errorf("version %d total cap: %w", version, err)
		}
		cfg.TotalCap = total
	}
	var err error
	if cfg.DigitalCap, err = overrideCap(cfg.DigitalCap, caps.Digital); err != nil {
		return nil, fmt.Errorf("version %d digital cap: %w", version, err)
	}
	if cfg.PhysicalCap, err = overrideCap(cfg.PhysicalCap, caps.Physical); err != nil {
		return nil, fmt.Errorf("version %d physical cap: %w", version, err)
	}
	out[version] = cfg
	return out, nil
}

func overrideCap(current *decimal.Decimal, value string) (*decimal.Decimal, error) {
	switch value {
	case "":
		return current, nil
	case "none":
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// =============================================================================
// PREDICATES
// =============================================================================

func digitalExcept(exempt ...string) CapPredicate {
	set := categorySet(exempt)
	return func(offer model.Offer) bool {
		return offer.IsDigital() && !set[offer.Category]
	}
}

func physicalExcept(exempt ...string) CapPredicate {
	set := categorySet(exempt)
	return func(offer model.Offer) bool {
		return !offer.IsDigital() && offer.IsThing() && !set[offer.Category]
	}
}

func never(model.Offer) bool { return false }

func categorySet(categories []string) map[string]bool {
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	return set
}

func decimalPtr(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}
