/*
Package notify delivers booking notifications to the outside world.

PURPOSE:
  Cancellations, stock deletions and postponements must reach beneficiaries
  and offerers. The engine only emits a Notification; rendering and email
  delivery happen downstream.

SENDERS:
  - LogSender:     writes notifications to the structured log (dev, tests)
  - KafkaSender:   publishes JSON notifications on a Kafka topic
  - BreakerSender: wraps another Sender with a circuit breaker so a dead
                   broker fails fast instead of stalling every transition

FAILURE POLICY:
  Senders return errors; callers in lifecycle/ log them and move on. A
  notification failure never fails the state transition that caused it.
*/
package notify

import (
	"context"
	"time"

	"github.com/warp/booking-engine/model"
)

// Kind identifies what happened.
type Kind string

const (
	// KindCancelledByOfferer tells beneficiaries their booking was cancelled.
	KindCancelledByOfferer Kind = "cancelled_by_offerer"
	// KindCancelledByBeneficiary tells the offerer a beneficiary cancelled.
	KindCancelledByBeneficiary Kind = "cancelled_by_beneficiary"
	// KindStockDeleted tells beneficiaries and the offerer a stock was withdrawn.
	KindStockDeleted Kind = "stock_deleted"
	// KindPostponed tells beneficiaries the event moved.
	KindPostponed Kind = "postponed"
)

// Recipient is one affected booking.
type Recipient struct {
	BookingID model.BookingID `json:"booking_id"`
	UserID    model.UserID    `json:"user_id"`
	Token     string          `json:"token"`
}

// Notification is the message handed to a Sender.
type Notification struct {
	Kind              Kind          `json:"kind"`
	StockID           model.StockID `json:"stock_id"`
	BeginningDatetime *time.Time    `json:"beginning_datetime,omitempty"`
	Recipients        []Recipient   `json:"recipients"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Sender delivers notifications.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// New builds a notification about bookings of one stock.
func New(kind Kind, s model.Stock, bookings []model.Booking, now time.Time) Notification {
	recipients := make([]Recipient, 0, len(bookings))
	for _, b := range bookings {
		recipients = append(recipients, Recipient{BookingID: b.ID, UserID: b.UserID, Token: b.Token})
	}
	return Notification{
		Kind:              kind,
		StockID:           s.ID,
		BeginningDatetime: s.BeginningDatetime,
		Recipients:        recipients,
		CreatedAt:         now,
	}
}
