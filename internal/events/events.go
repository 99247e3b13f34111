// Package events fans domain events out to Kafka and to connected users.
// Events are published after the originating transaction commits; a failed
// publish never changes the result of the operation that produced it.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/fcartres/proyectofinal-sub001/internal/observability"
)

type Type string

const (
	RequestCreated   Type = "request.created"
	RequestResolved  Type = "request.resolved"
	RequestCancelled Type = "request.cancelled"
	ServiceCreated   Type = "service.created"
	ServiceUpdated   Type = "service.updated"
	PaymentApplied   Type = "payment.applied"
	RatingUpdated    Type = "rating.updated"
)

type Event struct {
	Type Type `json:"type"`
	// Key identifies the aggregate; Kafka partitions by it.
	Key     string    `json:"key"`
	UserIDs []int64   `json:"user_ids,omitempty"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// RatingUpdate is the payload of RatingUpdated.
type RatingUpdate struct {
	UserID  int64   `json:"user_id"`
	Average float64 `json:"average"`
	Count   int     `json:"count"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func New(t Type, id int64, payload any, userIDs ...int64) Event {
	return Event{Type: t, Key: strconv.FormatInt(id, 10), UserIDs: userIDs, Payload: payload, At: time.Now().UTC()}
}

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes best-effort, logging failures.
func Emit(ctx context.Context, logger *slog.Logger, pub Publisher, evs ...Event) {
	if pub == nil {
		return
	}
	for _, ev := range evs {
		if err := pub.Publish(ctx, ev); err != nil {
			logger.Warn("event publish failed", "type", ev.Type, "key", ev.Key, "error", err)
		}
	}
}

func record(sink string, err error) error {
	observability.EventsPublished.WithLabelValues(sink, observability.Outcome(err)).Inc()
	return err
}
