// Package relay carries "link clicked" facts from the simulation side to the
// management side over a durable, acknowledge-based channel.
//
// Delivery is at-least-once. Dispatch owns the acknowledgement discipline:
// a handler that succeeds, or fails with a Permanent error, gets its message
// acknowledged; any other failure is negatively acknowledged with requeue.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{ErrPermanent, e.err} }

// Permanent marks err as not worth retrying. The message is acknowledged
// and dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Handler processes one fact.
type Handler func(ctx context.Context, fact models.ClickFact) error

type Publisher interface {
	Publish(ctx context.Context, fact models.ClickFact) error
	Ping(ctx context.Context) error
}

// Consumer delivers facts to h until ctx is cancelled.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Delivery is the broker-side handle for one received message.
type Delivery interface {
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Dispatch runs h for fact and settles the delivery.
func Dispatch(ctx context.Context, d Delivery, fact models.ClickFact, h Handler) error {
	err := h(ctx, fact)
	switch {
	case err == nil:
		return d.Ack(ctx)
	case errors.Is(err, ErrPermanent):
		slog.Warn("dropping relay fact",
			"attempt_id", fact.AttemptID,
			"error", err,
		)
		return d.Ack(ctx)
	default:
		slog.Error("relay handler failed, requeueing",
			"attempt_id", fact.AttemptID,
			"error", err,
		)
		return d.Nack(ctx, true)
	}
}

// envelope is the {"pattern","data"} framing every relay message uses.
type envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

func encodeFact(fact models.ClickFact) ([]byte, error) {
	data, err := json.Marshal(fact)
	if err != nil {
		return nil, fmt.Errorf("marshal click fact: %w", err)
	}
	body, err := json.Marshal(envelope{Pattern: models.EventLinkClicked, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

func decodeFact(body []byte) (models.ClickFact, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return models.ClickFact{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Pattern != models.EventLinkClicked {
		return models.ClickFact{}, fmt.Errorf("unexpected pattern %q", env.Pattern)
	}
	var fact models.ClickFact
	if err := json.Unmarshal(env.Data, &fact); err != nil {
		return models.ClickFact{}, fmt.Errorf("unmarshal click fact: %w", err)
	}
	if fact.AttemptID == "" {
		return models.ClickFact{}, errors.New("click fact without attemptId")
	}
	return fact, nil
}

// ClickPublisher adapts a Publisher to the tracking handler's notifier.
type ClickPublisher struct {
	pub Publisher
	now func() time.Time
}

func NewClickPublisher(pub Publisher) *ClickPublisher {
	return &ClickPublisher{pub: pub, now: time.Now}
}

func (c *ClickPublisher) ClickObserved(ctx context.Context, attempt *models.Attempt, previous models.Status) error {
	observedAt := c.now()
	if attempt.ClickedAt != nil {
		observedAt = *attempt.ClickedAt
	}
	if err := c.pub.Publish(ctx, models.NewClickFact(attempt.ID, observedAt, previous)); err != nil {
		return fmt.Errorf("publish %s: %w", models.EventLinkClicked, err)
	}
	return nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
