package models

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusClicked Status = "CLICKED"
	StatusFailed  Status = "FAILED"
)

var ErrInvalidTransition = errors.New("invalid status transition")

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSent, StatusClicked, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusClicked || s == StatusFailed
}

// Attempt is one phishing-simulation send-and-track unit.
type Attempt struct {
	ID             string     `json:"id"`
	RecipientEmail string     `json:"recipientEmail"`
	EmailContent   string     `json:"emailContent"`
	Status         Status     `json:"status"`
	TrackingToken  string     `json:"-"`
	SentAt         *time.Time `json:"sentAt"`
	ClickedAt      *time.Time `json:"clickedAt"`
	CreatedBy      string     `json:"createdBy,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Transition moves the attempt to status `to` at time `at`.
//
// It returns changed=false without error when the request is absorbed:
// SENT arriving after CLICKED is ignored because CLICKED dominates.
// A repeated CLICKED re-stamps ClickedAt (last click wins).
func (a *Attempt) Transition(to Status, at time.Time) (changed bool, err error) {
	from := a.Status
	switch {
	case from == StatusClicked && to == StatusClicked:
	case from == StatusClicked && to == StatusSent:
		return false, nil
	case from.Terminal():
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case to == StatusPending:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	case from == StatusSent && to == StatusSent:
		return false, nil
	}

	at = at.UTC()
	switch to {
	case StatusSent:
		a.SentAt = &at
	case StatusClicked:
		a.ClickedAt = &at
	case StatusFailed:
	default:
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	a.Status = to
	a.UpdatedAt = at
	return true, nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.SentAt != nil {
		t := *a.SentAt
		c.SentAt = &t
	}
	if a.ClickedAt != nil {
		t := *a.ClickedAt
		c.ClickedAt = &t
	}
	return &c
}

type Stats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Clicked int `json:"clicked"`
	Failed  int `json:"failed"`
}

func (s *Stats) Add(status Status, n int) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusSent:
		s.Sent += n
	case StatusClicked:
		s.Clicked += n
	case StatusFailed:
		s.Failed += n
	}
}
