/*
scenarios.go - Demo catalogs for development and demonstrations

PURPOSE:

	Provides pre-built catalogs that populate the store with offers, stocks,
	beneficiaries and deposits so the booking flows can be tried without the
	upstream feed. Each scenario showcases one rule of the engine.

AVAILABLE SCENARIOS:

	last-seat:      A concert with a single remaining place
	digital-cap:    Two digital offers that together exceed the version 2 cap
	postpone:       A show tonight that can be booked, then postponed
	duo:            A duo offer bookable in pairs

HOW SCENARIOS WORK:
 1. Upsert offers and stocks through the FeedStore
 2. Upsert users and their deposits
 3. Dates are relative to the handler clock

Scenarios never delete data and records have fixed IDs, so loading one
twice is harmless. Bookings are not created: use POST /api/bookings.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "last-seat"}

NOTE:

	Only routed when the handler has a FeedStore (development mode).

SEE ALSO:
  - handlers.go: Handler and its FeedStore
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/booking-engine/model"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, feed model.FeedStore, now time.Time) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "last-seat",
			Name:        "Last Seat",
			Description: "A concert next week with one place left; the second booking is refused",
		},
		load: loadLastSeatScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "digital-cap",
			Name:        "Digital Cap",
			Description: "A version 2 beneficiary and two digital offers (80 and 30) against the 100 digital cap",
		},
		load: loadDigitalCapScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "postpone",
			Name:        "Postponed Show",
			Description: "A show tonight; book it, then move it with POST /api/pro/stocks/stock-show/postpone",
		},
		load: loadPostponeScenario,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "duo",
			Name:        "Duo Offer",
			Description: "A cinema screening bookable for two",
		},
		load: loadDuoScenario,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	for _, s := range scenarios {
		if s.ID != req.ScenarioID {
			continue
		}
		if err := s.load(r.Context(), h.Feed, h.Clock.Now()); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
		return
	}
	writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadLastSeatScenario(ctx context.Context, feed model.FeedStore, now time.Time) error {
	beginning := now.Add(7 * 24 * time.Hour)
	return seed(ctx, feed, now,
		[]model.Offer{{ID: "offer-concert", Name: "Jazz Night", Category: "CONCERT", IsEvent: true}},
		[]model.Stock{{
			ID: "stock-concert", OfferID: "offer-concert", Price: decimal.NewFromInt(15),
			Quantity: model.IntPtr(1), BeginningDatetime: &beginning, BookingLimitDatetime: &beginning,
		}},
		beneficiary("alice", 2, 300), beneficiary("bob", 2, 300),
	)
}

func loadDigitalCapScenario(ctx context.Context, feed model.FeedStore, now time.Time) error {
	return seed(ctx, feed, now,
		[]model.Offer{
			{ID: "offer-ebook", Name: "E-book", Category: "BOOK", URL: "https://books.example/ebook"},
			{ID: "offer-game", Name: "Video game", Category: "GAME", URL: "https://games.example/game"},
		},
		[]model.Stock{
			{ID: "stock-ebook", OfferID: "offer-ebook", Price: decimal.NewFromInt(80)},
			{ID: "stock-game", OfferID: "offer-game", Price: decimal.NewFromInt(30)},
		},
		beneficiary("carol", 2, 500),
	)
}

func loadPostponeScenario(ctx context.Context, feed model.FeedStore, now time.Time) error {
	beginning := now.Add(6 * time.Hour)
	return seed(ctx, feed, now,
		[]model.Offer{{ID: "offer-show", Name: "Theatre", Category: "SPECTACLE", IsEvent: true}},
		[]model.Stock{{
			ID: "stock-show", OfferID: "offer-show", Price: decimal.NewFromInt(10),
			BeginningDatetime: &beginning, BookingLimitDatetime: &beginning,
		}},
		beneficiary("dave", 1, 500),
	)
}

func loadDuoScenario(ctx context.Context, feed model.FeedStore, now time.Time) error {
	beginning := now.Add(3 * 24 * time.Hour)
	return seed(ctx, feed, now,
		[]model.Offer{{ID: "offer-cinema", Name: "Screening", Category: "CINEMA", IsEvent: true, IsDuo: true}},
		[]model.Stock{{
			ID: "stock-cinema", OfferID: "offer-cinema", Price: decimal.NewFromInt(8),
			Quantity: model.IntPtr(10), BeginningDatetime: &beginning, BookingLimitDatetime: &beginning,
		}},
		beneficiary("erin", 2, 300),
	)
}

// =============================================================================
// HELPERS
// =============================================================================

type account struct {
	user    model.User
	deposit model.Deposit
}

func beneficiary(id string, version int, amount int64) account {
	return account{
		user: model.User{ID: model.UserID(id), Email: id + "@example.com", IsBeneficiary: true},
		deposit: model.Deposit{
			ID: model.DepositID("deposit-" + id), UserID: model.UserID(id),
			Version: version, Amount: decimal.NewFromInt(amount),
		},
	}
}

func seed(ctx context.Context, feed model.FeedStore, now time.Time, offers []model.Offer, stocks []model.Stock, accounts ...account) error {
	for _, o := range offers {
		if err := feed.SaveOffer(ctx, o); err != nil {
			return fmt.Errorf("save offer %s: %w", o.ID, err)
		}
	}
	for _, s := range stocks {
		s.DateModified = now
		if err := feed.SaveStock(ctx, s); err != nil {
			return fmt.Errorf("save stock %s: %w", s.ID, err)
		}
	}
	for _, a := range accounts {
		if err := feed.SaveUser(ctx, a.user); err != nil {
			return fmt.Errorf("save user %s: %w", a.user.ID, err)
		}
		a.deposit.DateCreated = now.Add(-24 * time.Hour)
		expiration := now.AddDate(2, 0, 0)
		a.deposit.ExpirationDate = &expiration
		if err := feed.SaveDeposit(ctx, a.deposit); err != nil {
			return fmt.Errorf("save deposit %s: %w", a.deposit.ID, err)
		}
	}
	return nil
}
