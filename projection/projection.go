// Package projection applies relayed click facts to the canonical attempt
// record and hands the result to the realtime gateway.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DavidGasparyan/phishing-simulator/models"
	"github.com/DavidGasparyan/phishing-simulator/relay"
	"github.com/DavidGasparyan/phishing-simulator/store"
)

type Store interface {
	FindByID(ctx context.Context, id string) (*models.Attempt, error)
	Update(ctx context.Context, a *models.Attempt) error
}

// Notifier receives the two notifications produced per applied fact.
type Notifier interface {
	NotifyUpdate(attempt *models.Attempt)
	NotifyStatusChange(attempt *models.Attempt, previous models.Status)
}

type Projector struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

func New(st Store, notifier Notifier) *Projector {
	return &Projector{store: st, notifier: notifier, now: time.Now}
}

// Apply marks the referenced attempt CLICKED and notifies subscribers.
// Errors wrapped with relay.Permanent will never succeed on redelivery.
func (p *Projector) Apply(ctx context.Context, fact models.ClickFact) (*models.Attempt, error) {
	attempt, err := p.store.FindByID(ctx, fact.AttemptID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, relay.Permanent(fmt.Errorf("attempt %s: %w", fact.AttemptID, err))
	}
	if err != nil {
		return nil, fmt.Errorf("load attempt %s: %w", fact.AttemptID, err)
	}

	previous := attempt.Status
	if fact.PreviousStatus != "" {
		if s, err := models.ParseStatus(string(fact.PreviousStatus)); err == nil {
			previous = s
		}
	}

	if _, err := attempt.Transition(models.StatusClicked, fact.ObservedAt(p.now())); err != nil {
		return nil, relay.Permanent(fmt.Errorf("attempt %s: %w", fact.AttemptID, err))
	}

	err = p.store.Update(ctx, attempt)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrStaleStatus):
		return nil, relay.Permanent(fmt.Errorf("persist attempt %s: %w", fact.AttemptID, err))
	case err != nil:
		return nil, fmt.Errorf("persist attempt %s: %w", fact.AttemptID, err)
	}

	slog.Info("attempt marked clicked",
		"attempt_id", attempt.ID,
		"previous_status", string(previous),
		"clicked_at", attempt.ClickedAt,
	)

	p.notifier.NotifyUpdate(attempt)
	p.notifier.NotifyStatusChange(attempt, previous)
	return attempt, nil
}

// Handle adapts Apply to relay.Handler.
func (p *Projector) Handle(ctx context.Context, fact models.ClickFact) error {
	_, err := p.Apply(ctx, fact)
	return err
}

// Direct forwards clicks straight to the gateway, for deployments where the
// tracking endpoint and the dashboards share one process and no relay sits
// between them. The tracking handler has already persisted the transition.
type Direct struct {
	notifier Notifier
}

func NewDirect(notifier Notifier) *Direct {
	return &Direct{notifier: notifier}
}

func (d *Direct) ClickObserved(_ context.Context, attempt *models.Attempt, previous models.Status) error {
	d.notifier.NotifyUpdate(attempt)
	d.notifier.NotifyStatusChange(attempt, previous)
	return nil
}
