// Package store persists phishing attempts. It is the single source of
// truth for attempt status; writers may only move a record forward.
package store

import (
	"context"
	"errors"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

var (
	ErrNotFound       = errors.New("phishing attempt not found")
	ErrDuplicateToken = errors.New("tracking token already in use")
	// ErrStaleStatus is returned by Update when the stored record is
	// already terminal in a different status than the one being written.
	ErrStaleStatus = errors.New("attempt status already final")
)

// ListFilter selects a page of attempts. An empty CreatedBy means all owners.
type ListFilter struct {
	CreatedBy string
	Offset    int
	Limit     int
}

type AttemptStore interface {
	Create(ctx context.Context, a *models.Attempt) error
	FindByID(ctx context.Context, id string) (*models.Attempt, error)
	FindByToken(ctx context.Context, token string) (*models.Attempt, error)
	Update(ctx context.Context, a *models.Attempt) error
	List(ctx context.Context, f ListFilter) ([]*models.Attempt, int, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context, createdBy string) (models.Stats, error)
	Ping(ctx context.Context) error
}

// writable reports whether a record stored as `current` may be overwritten
// with status `next`.
func writable(current, next models.Status) bool {
	return !current.Terminal() || current == next
}
