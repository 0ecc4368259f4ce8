package tracker

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/DavidGasparyan/phishing-simulator/models"
	"github.com/DavidGasparyan/phishing-simulator/store"
	"github.com/DavidGasparyan/phishing-simulator/utils"
)

// Outcome classifies what happened to a tracking request. It is internal
// only: every outcome produces the same pixel response.
type Outcome int

const (
	OutcomeTracked Outcome = iota
	OutcomeInvalidToken
	OutcomeNotFound
	OutcomeTokenMismatch
	OutcomeRejected
	OutcomeStoreFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTracked:
		return "tracked"
	case OutcomeInvalidToken:
		return "invalid_token"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTokenMismatch:
		return "token_mismatch"
	case OutcomeRejected:
		return "rejected"
	case OutcomeStoreFailure:
		return "store_failure"
	}
	return "unknown"
}

// Result is the single value every tracking branch collapses into.
type Result struct {
	Outcome  Outcome
	Attempt  *models.Attempt
	Previous models.Status
	Err      error
}

type Store interface {
	FindByID(ctx context.Context, id string) (*models.Attempt, error)
	Update(ctx context.Context, a *models.Attempt) error
}

// ClickNotifier is told about a committed click. Implementations either
// publish to the relay or, in standalone mode, notify dashboards directly.
type ClickNotifier interface {
	ClickObserved(ctx context.Context, attempt *models.Attempt, previous models.Status) error
}

type Options struct {
	StoreTimeout   time.Duration
	PublishTimeout time.Duration
	// ResponseFloor is the minimum time between request arrival and the
	// pixel being written, whatever the outcome.
	ResponseFloor time.Duration
}

type Handler struct {
	codec    *Codec
	store    Store
	notifier ClickNotifier
	opts     Options
	now      func() time.Time
	inflight sync.WaitGroup
}

func NewHandler(codec *Codec, st Store, notifier ClickNotifier, opts Options) *Handler {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	return &Handler{
		codec:    codec,
		store:    st,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// TrackClick handles GET /track/:token. The response is the same pixel
// regardless of what Resolve reports.
func (h *Handler) TrackClick(w http.ResponseWriter, r *http.Request, token string) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tracking handler panicked", "panic", p)
		}
		h.awaitFloor(r, start)
		servePixel(w)
	}()

	res := h.Resolve(r.Context(), token)
	h.logResult(r, res)

	if res.Outcome == OutcomeTracked && h.notifier != nil {
		h.notify(res.Attempt, res.Previous)
	}
}

func (h *Handler) awaitFloor(r *http.Request, start time.Time) {
	wait := h.opts.ResponseFloor - time.Since(start)
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.Context().Done():
	}
}

// Resolve decodes the token, checks it against the stored attempt and
// commits the CLICKED transition. Failures are reported through Result.
func (h *Handler) Resolve(ctx context.Context, token string) Result {
	payload, err := h.codec.Decode(token)
	if err != nil {
		return Result{Outcome: OutcomeInvalidToken, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	attempt, err := h.store.FindByID(ctx, payload.AttemptID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Outcome: OutcomeNotFound, Err: err}
	}
	if err != nil {
		return Result{Outcome: OutcomeStoreFailure, Err: err}
	}
	if attempt == nil {
		return Result{Outcome: OutcomeNotFound, Err: store.ErrNotFound}
	}

	if subtle.ConstantTimeCompare([]byte(attempt.TrackingToken), []byte(token)) != 1 {
		return Result{Outcome: OutcomeTokenMismatch, Attempt: attempt, Err: ErrInvalidToken}
	}

	previous := attempt.Status
	if _, err := attempt.Transition(models.StatusClicked, h.now()); err != nil {
		return Result{Outcome: OutcomeRejected, Attempt: attempt, Previous: previous, Err: err}
	}

	switch err := h.store.Update(ctx, attempt); {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return Result{Outcome: OutcomeNotFound, Err: err}
	case errors.Is(err, store.ErrStaleStatus):
		return Result{Outcome: OutcomeRejected, Attempt: attempt, Previous: previous, Err: err}
	default:
		return Result{Outcome: OutcomeStoreFailure, Attempt: attempt, Previous: previous, Err: err}
	}

	return Result{Outcome: OutcomeTracked, Attempt: attempt, Previous: previous}
}

// notify runs after the click is committed and is never awaited by the
// response.
func (h *Handler) notify(attempt *models.Attempt, previous models.Status) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), h.opts.PublishTimeout)
		defer cancel()

		if err := h.notifier.ClickObserved(ctx, attempt, previous); err != nil {
			slog.Error("failed to signal click",
				"attempt_id", attempt.ID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until in-flight click notifications finish.
func (h *Handler) Wait() {
	h.inflight.Wait()
}

func (h *Handler) logResult(r *http.Request, res Result) {
	attrs := append([]any{"outcome", res.Outcome.String()}, utils.NewClickSource(r).LogAttrs()...)
	if res.Attempt != nil {
		attrs = append(attrs, "attempt_id", res.Attempt.ID)
	}

	switch res.Outcome {
	case OutcomeTracked:
		slog.Info("phishing link clicked", append(attrs, "previous_status", string(res.Previous))...)
	case OutcomeStoreFailure:
		slog.Error("tracking store failure", append(attrs, "error", res.Err)...)
	default:
		slog.Warn("tracking request not applied", append(attrs, "error", res.Err)...)
	}
}
