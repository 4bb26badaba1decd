package lifecycle

import (
	"context"
	"time"

	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/metrics"
	"github.com/warp/booking-engine/model"
)

// SweepResult summarizes one SweepMarkUsed run.
type SweepResult struct {
	Updated          int
	FailedBookingIDs []model.BookingID
}

// SweepMarkUsed marks used every pending booking whose event began more than
// AutoUseAfterEventDelay before now.
//
// Each booking is updated in its own transaction and re-checked inside it,
// so a failure only skips that booking and a concurrent cancellation or
// postponement wins. Running it twice with the same now updates nothing the
// second time.
func (m *Machine) SweepMarkUsed(ctx context.Context, now time.Time) (SweepResult, error) {
	cutoff := now.Add(-m.policy.AutoUseAfterEventDelay)
	candidates, err := m.store.ListSweepCandidates(ctx, cutoff)
	if err != nil {
		return SweepResult{}, err
	}

	var result SweepResult
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		updated, err := m.markUsedIfDue(ctx, candidate.ID, now)
		if err != nil {
			logging.Error().Err(err).Str("booking_id", string(candidate.ID)).Msg("sweep failed to mark booking used")
			metrics.SweepFailed.Inc()
			result.FailedBookingIDs = append(result.FailedBookingIDs, candidate.ID)
			continue
		}
		if updated {
			metrics.SweepUpdated.Inc()
			result.Updated++
		}
	}

	logging.Info().Int("candidates", len(candidates)).Int("updated", result.Updated).Int("failed", len(result.FailedBookingIDs)).Msg("sweep finished")
	return result, nil
}

func (m *Machine) markUsedIfDue(ctx context.Context, id model.BookingID, now time.Time) (bool, error) {
	updated := false
	err := m.store.WithTx(ctx, func(tx model.Tx) error {
		b, err := tx.GetBooking(ctx, id)
		if err != nil {
			return err
		}
		if b.IsUsed || b.IsCancelled {
			return nil
		}
		s, err := tx.GetStock(ctx, b.StockID)
		if err != nil {
			return err
		}
		if !s.IsEvent() || m.stocks.IsEventDeletable(s, now) {
			return nil
		}
		b.IsUsed = true
		b.DateUsed = &now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		updated = true
		return nil
	})
	return updated, err
}
