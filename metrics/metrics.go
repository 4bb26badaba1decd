/*
Package metrics declares the Prometheus instruments of the booking engine.

Metrics are registered on the default registry at init and exposed by the
api package on /metrics.

Admission:
  - booking_admissions_total{result}: createBooking outcomes
    (result = ok, rejected, conflict, error)
  - booking_admission_duration_seconds: createBooking latency

Lifecycle:
  - booking_transitions_total{transition,result}: cancel/use/unuse/postpone/delete
  - booking_sweep_updated_total, booking_sweep_failed_total

Notifications:
  - booking_notifications_total{kind,result}
  - booking_notifier_breaker_state{name}: 0=closed, 1=half-open, 2=open
*/
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/booking-engine/model"
)

// Admission result labels.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultConflict = "conflict"
	ResultError    = "error"
)

var (
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_admissions_total",
			Help: "Booking admission attempts by result",
		},
		[]string{"result"},
	)

	AdmissionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "booking_admission_duration_seconds",
			Help:    "Time spent admitting or rejecting a booking",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_transitions_total",
			Help: "Booking lifecycle transitions by kind and result",
		},
		[]string{"transition", "result"},
	)

	SweepUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_sweep_updated_total",
			Help: "Bookings marked used by the sweep",
		},
	)

	SweepFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "booking_sweep_failed_total",
			Help: "Bookings the sweep failed to update",
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_notifications_total",
			Help: "Notifications sent by kind and result",
		},
		[]string{"kind", "result"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "booking_notifier_breaker_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// Outcome maps an operation error to a result label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, model.ErrTooManyBookings):
		return ResultConflict
	case model.IsClientError(err):
		return ResultRejected
	default:
		return ResultError
	}
}
