/*
scheduler.go - Automated mark-used sweep

PURPOSE:
  Periodically marks as used the pending bookings of events that began
  more than AutoUseAfterEventDelay ago, so offerers get reimbursed without
  validating every token.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Each run is a lifecycle.Machine.SweepMarkUsed call; it is idempotent,
    so an overlapping manual run via RunNow is harmless
  - Failed bookings are logged and retried on the next tick

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(machine, clock)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - lifecycle/sweep.go: SweepMarkUsed
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/booking-engine/lifecycle"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/model"
)

// Sweeper runs one mark-used pass.
type Sweeper interface {
	SweepMarkUsed(ctx context.Context, now time.Time) (lifecycle.SweepResult, error)
}

// SweepScheduler runs the mark-used sweep on a ticker.
type SweepScheduler struct {
	Sweeper  Sweeper
	Clock    model.Clock
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper Sweeper, clock model.Clock) *SweepScheduler {
	if clock == nil {
		clock = model.NewSystemClock()
	}
	return &SweepScheduler{
		Sweeper:  sweeper,
		Clock:    clock,
		Interval: time.Hour,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (s *SweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		logging.Info().Msg("sweep scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	logging.Info().Dur("interval", s.Interval).Msg("sweep scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to return.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	logging.Info().Msg("sweep scheduler stopped")
}

func (s *SweepScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.sweep(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.sweep(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (s *SweepScheduler) RunNow(ctx context.Context) lifecycle.SweepResult {
	return s.sweep(ctx)
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *SweepScheduler) NextRunTime() time.Time {
	return s.Clock.Now().Add(s.Interval)
}

func (s *SweepScheduler) sweep(ctx context.Context) lifecycle.SweepResult {
	result, err := s.Sweeper.SweepMarkUsed(ctx, s.Clock.Now())
	if err != nil {
		logging.Error().Err(err).Msg("sweep failed")
		return result
	}
	if result.Updated > 0 || len(result.FailedBookingIDs) > 0 {
		logging.Info().
			Int("updated", result.Updated).
			Int("failed", len(result.FailedBookingIDs)).
			Msg("sweep completed")
	}
	return result
}
