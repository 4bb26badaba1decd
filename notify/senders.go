package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/warp/booking-engine/logging"
	"github.com/warp/booking-engine/metrics"
)

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender writes notifications to the log.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notification) error {
	logging.Info().
		Str("kind", string(n.Kind)).
		Str("stock_id", string(n.StockID)).
		Int("recipients", len(n.Recipients)).
		Msg("notification")
	return nil
}

// =============================================================================
// KAFKA SENDER
// =============================================================================

// MessageWriter is the part of *kafka.Writer the sender uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender publishes notifications as JSON, keyed by stock so that all
// messages about one stock land on the same partition in order.
type KafkaSender struct {
	writer MessageWriter
}

// NewKafkaSender returns a sender writing to topic on brokers.
func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return NewKafkaSenderWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	})
}

// NewKafkaSenderWithWriter returns a sender over an existing writer.
func NewKafkaSenderWithWriter(w MessageWriter) *KafkaSender {
	return &KafkaSender{writer: w}
}

func (k *KafkaSender) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.StockID),
		Value: data,
		Time:  n.CreatedAt,
	})
}

func (k *KafkaSender) Close() error {
	return k.writer.Close()
}

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

// BreakerSender stops calling next after maxFailures consecutive failures
// and retries after timeout.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// NewBreakerSender wraps next. A zero maxFailures defaults to 5.
func NewBreakerSender(name string, next Sender, maxFailures uint32, timeout time.Duration) *BreakerSender {
	if maxFailures == 0 {
		maxFailures = 5
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("notifier breaker state change")
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &BreakerSender{next: next, cb: cb}
}

func (b *BreakerSender) Send(ctx context.Context, n Notification) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("notifier unavailable: %w", err)
	}
	return err
}

// State returns the breaker state.
func (b *BreakerSender) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
