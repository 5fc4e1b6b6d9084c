// Package notify delivers operator notifications. Delivery is best effort:
// the engine never retries a notification and never lets a failure stop a
// cycle.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/metrics"
)

// Message kinds.
const (
	KindNewPosition       = "new_position"
	KindPositionIncreased = "position_increased"
	KindPositionClosed    = "position_closed"
	KindRewardsCollected  = "rewards_collected"
	KindHeartbeat         = "heartbeat"
	KindOutOfRange        = "out_of_range"
	KindWithdrawal        = "withdrawal"
)

// Message is one notification. Text is the human readable body; Fields
// carries the same figures for machine consumers.
type Message struct {
	Kind       string            `json:"kind"`
	PositionID string            `json:"position_id,omitempty"`
	Text       string            `json:"text"`
	Fields     map[string]string `json:"fields,omitempty"`
	Time       time.Time         `json:"time"`
}

// Notifier sends a message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	fields := make([]zap.Field, 0, len(msg.Fields)+2)
	fields = append(fields, zap.String("kind", msg.Kind))
	if msg.PositionID != "" {
		fields = append(fields, zap.String("position_id", msg.PositionID))
	}
	for k, v := range msg.Fields {
		fields = append(fields, zap.String(k, v))
	}
	n.logger.Info(msg.Text, fields...)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Best wraps a notifier so that failures are logged, counted and
// swallowed.
type Best struct {
	next   Notifier
	logger *zap.Logger
	now    func() time.Time
}

// NewBest wraps next.
func NewBest(next Notifier, logger *zap.Logger) *Best {
	return &Best{next: next, logger: logger.Named("notify"), now: time.Now}
}

// Send stamps and delivers msg. It never fails.
func (b *Best) Send(ctx context.Context, msg Message) {
	if msg.Time.IsZero() {
		msg.Time = b.now().UTC()
	}
	if err := b.next.Notify(ctx, msg); err != nil {
		metrics.NotificationFailures.Inc()
		b.logger.Warn("notification failed",
			zap.String("kind", msg.Kind),
			zap.String("position_id", msg.PositionID),
			zap.Error(err),
		)
	}
}

// Notify implements Notifier and always returns nil.
func (b *Best) Notify(ctx context.Context, msg Message) error {
	b.Send(ctx, msg)
	return nil
}
