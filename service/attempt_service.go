package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DavidGasparyan/phishing-simulator/models"
	"github.com/DavidGasparyan/phishing-simulator/notification"
	"github.com/DavidGasparyan/phishing-simulator/store"
	"github.com/DavidGasparyan/phishing-simulator/tracker"
	"github.com/DavidGasparyan/phishing-simulator/utils"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	// ErrDelivery means the attempt was persisted as FAILED because the
	// mail could not be handed to the transport.
	ErrDelivery = errors.New("email delivery failed")
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Caller identifies who is asking. Admins see every attempt; other users
// only their own.
type Caller struct {
	UserID string
	Admin  bool
}

type Notifier interface {
	NotifyUpdate(attempt *models.Attempt)
	NotifyStatusChange(attempt *models.Attempt, previous models.Status)
}

type Options struct {
	BaseURL     string
	Subject     string
	MailTimeout time.Duration
}

type AttemptService struct {
	store    store.AttemptStore
	codec    *tracker.Codec
	mailer   notification.Mailer
	notifier Notifier
	opts     Options
	now      func() time.Time
}

// NewAttemptService wires the attempt use cases. mailer and notifier may be
// nil on sides of the deployment that do not send mail or host dashboards.
func NewAttemptService(st store.AttemptStore, codec *tracker.Codec, mailer notification.Mailer, notifier Notifier, opts Options) *AttemptService {
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = 10 * time.Second
	}
	return &AttemptService{
		store:    st,
		codec:    codec,
		mailer:   mailer,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
	}
}

// Create persists a PENDING attempt with a fresh tracking token. EmailContent
// keeps the sanitised template; the tracking link is only rendered into the
// outgoing mail, so the token never leaves through the API or dashboards.
func (s *AttemptService) Create(ctx context.Context, req models.CreateAttemptRequest) (*models.Attempt, error) {
	recipient := utils.NormalizeEmail(req.RecipientEmail)
	if !utils.ValidateEmail(recipient) {
		return nil, fmt.Errorf("%w: invalid recipient email", ErrValidation)
	}
	if strings.TrimSpace(req.EmailTemplate) == "" {
		return nil, fmt.Errorf("%w: email template is required", ErrValidation)
	}

	now := s.now().UTC()
	id := uuid.NewString()

	token, err := s.codec.Issue(id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to issue tracking token: %w", err)
	}

	a := &models.Attempt{
		ID:             id,
		RecipientEmail: recipient,
		EmailContent:   utils.SanitizeHTML(req.EmailTemplate),
		Status:         models.StatusPending,
		TrackingToken:  token,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}

	slog.Info("phishing attempt created", "attempt_id", a.ID, "email", a.RecipientEmail, "created_by", a.CreatedBy)
	if s.notifier != nil {
		s.notifier.NotifyUpdate(a)
	}
	return a, nil
}

// Send creates an attempt and mails it. The attempt ends SENT, or FAILED
// together with an ErrDelivery error.
func (s *AttemptService) Send(ctx context.Context, req models.CreateAttemptRequest) (*models.Attempt, error) {
	if s.mailer == nil {
		return nil, errors.New("no mailer configured")
	}

	a, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	body := tracker.EmbedTrackingLink(a.EmailContent, tracker.TrackingURL(s.opts.BaseURL, a.TrackingToken))
	msg, err := notification.Compose(a.RecipientEmail, s.opts.Subject, body)
	if err != nil {
		return nil, err
	}

	mailCtx, cancel := context.WithTimeout(ctx, s.opts.MailTimeout)
	sendErr := s.mailer.Send(mailCtx, msg)
	cancel()

	next := models.StatusSent
	if sendErr != nil {
		next = models.StatusFailed
		slog.Error("failed to send phishing email", "attempt_id", a.ID, "email", a.RecipientEmail, "error", sendErr)
	}

	updated, err := s.advance(ctx, a, next)
	if err != nil {
		return nil, err
	}
	if sendErr != nil {
		return updated, fmt.Errorf("%w: %v", ErrDelivery, sendErr)
	}
	return updated, nil
}

// advance applies a transition to a, persists it and notifies dashboards. A
// click that lands between Create and the SENT write wins: the stored record
// is returned unchanged.
func (s *AttemptService) advance(ctx context.Context, a *models.Attempt, to models.Status) (*models.Attempt, error) {
	previous := a.Status
	changed, err := a.Transition(to, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !changed {
		return a, nil
	}

	err = s.store.Update(ctx, a)
	if errors.Is(err, store.ErrStaleStatus) {
		current, ferr := s.store.FindByID(ctx, a.ID)
		if ferr != nil {
			return nil, fmt.Errorf("failed to reload attempt: %w", ferr)
		}
		if to == models.StatusSent && current.Status == models.StatusClicked {
			return current, nil
		}
		return nil, fmt.Errorf("%w: attempt is already %s", ErrValidation, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update attempt: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NotifyUpdate(a)
		s.notifier.NotifyStatusChange(a, previous)
	}
	return a, nil
}

func (s *AttemptService) List(ctx context.Context, caller Caller, page, limit int) (*models.AttemptPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	filter := store.ListFilter{Offset: (page - 1) * limit, Limit: limit}
	if !caller.Admin {
		filter.CreatedBy = caller.UserID
	}

	attempts, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	if attempts == nil {
		attempts = []*models.Attempt{}
	}

	return &models.AttemptPage{
		Attempts:   attempts,
		Total:      total,
		Page:       page,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

func (s *AttemptService) Get(ctx context.Context, caller Caller, id string) (*models.Attempt, error) {
	a, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Admin && a.CreatedBy != caller.UserID {
		return nil, ErrForbidden
	}
	return a, nil
}

// Update changes the status of an attempt along the forward path only.
func (s *AttemptService) Update(ctx context.Context, caller Caller, id string, req models.UpdateAttemptRequest) (*models.Attempt, error) {
	status, err := models.ParseStatus(req.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	a, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return s.advance(ctx, a, status)
}

func (s *AttemptService) Delete(ctx context.Context, caller Caller, id string) error {
	if _, err := s.Get(ctx, caller, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("phishing attempt deleted", "attempt_id", id, "deleted_by", caller.UserID)
	return nil
}

func (s *AttemptService) Stats(ctx context.Context, caller Caller) (models.Stats, error) {
	owner := ""
	if !caller.Admin {
		owner = caller.UserID
	}
	return s.store.Stats(ctx, owner)
}
