package models

import "time"

// EventLinkClicked names the relay fact emitted when a tracking link is opened.
const EventLinkClicked = "phishing.link.clicked"

// ClickFact is the relay payload for EventLinkClicked. PreviousStatus is
// optional on the wire; older publishers only send attemptId and timestamp.
type ClickFact struct {
	AttemptID      string `json:"attemptId"`
	Timestamp      string `json:"timestamp"`
	PreviousStatus Status `json:"previousStatus,omitempty"`
}

func NewClickFact(attemptID string, observedAt time.Time, previous Status) ClickFact {
	return ClickFact{
		AttemptID:      attemptID,
		Timestamp:      observedAt.UTC().Format(time.RFC3339Nano),
		PreviousStatus: previous,
	}
}

// ObservedAt parses Timestamp, falling back to now when absent or malformed.
func (f ClickFact) ObservedAt(now time.Time) time.Time {
	if f.Timestamp == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return now
	}
	return t
}

// StatusChange is the payload broadcast on a status transition.
type StatusChange struct {
	PhishingAttempt *Attempt `json:"phishingAttempt"`
	PreviousStatus  Status   `json:"previousStatus"`
}
