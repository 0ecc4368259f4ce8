// Package gateway fans attempt updates out to connected dashboard sessions.
//
// The Gateway owns the connection registry. Sessions are added and removed
// only through Connect and Disconnect, and joined to the update topic only
// through Subscribe; broadcasts read the topic but never mutate it except to
// drop sessions whose outbound buffer is full.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

// Topic is the broadcast group dashboard sessions subscribe to.
const Topic = "phishing-updates"

const (
	EventSubscribe    = "subscribeToPhishingAttempts"
	EventUnsubscribe  = "unsubscribeFromPhishingAttempts"
	EventAuthenticate = "authenticate"
	EventStatus       = "status"

	EventSubscriptionConfirmed = "subscriptionConfirmed"
	EventAuthRequired          = "authRequired"
	EventAttemptUpdated        = "phishingAttemptUpdated"
	EventStatusChanged         = "phishingAttemptStatusChanged"
	EventConnectionStatus      = "connectionStatus"
	EventError                 = "error"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrAuthRequired   = errors.New("authentication required")
)

// Policy decides how sessions obtain an identity.
type Policy string

const (
	// PolicyStrict admits a session to the topic only after it presents a
	// valid signed credential.
	PolicyStrict Policy = "strict"
	// PolicyPermissive grants every session a synthetic identity on connect.
	PolicyPermissive Policy = "permissive"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyStrict, PolicyPermissive:
		return p, nil
	}
	return "", fmt.Errorf("unknown realtime policy %q", s)
}

type State string

const (
	StateConnected     State = "CONNECTED"
	StateAuthenticated State = "AUTHENTICATED"
	StateSubscribed    State = "SUBSCRIBED"
	StateDisconnected  State = "DISCONNECTED"
)

// Identity is who a verified credential belongs to.
type Identity struct {
	UserID string
	Role   string
}

type Verifier interface {
	VerifyIdentity(credential string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(credential string) (Identity, error)

func (f VerifierFunc) VerifyIdentity(credential string) (Identity, error) { return f(credential) }

// Registration is the per-session identity record.
type Registration struct {
	SessionID string
	UserID    string
	Role      string
}

// Sink delivers frames to one connected client. Send must not block; it
// returns false when the frame could not be queued.
type Sink interface {
	Send(frame []byte) bool
	Close()
}

type Stats struct {
	Connected  int `json:"connected"`
	Subscribed int `json:"subscribed"`
}

type session struct {
	id   string
	sink Sink
	reg  *Registration
}

type Gateway struct {
	policy   Policy
	verifier Verifier

	mu       sync.RWMutex
	sessions map[string]*session
	topic    map[string]*session
}

func New(policy Policy, verifier Verifier) *Gateway {
	return &Gateway{
		policy:   policy,
		verifier: verifier,
		sessions: make(map[string]*session),
		topic:    make(map[string]*session),
	}
}

func (g *Gateway) Policy() Policy { return g.policy }

// Connect registers a session. Under the strict policy a missing or invalid
// credential leaves the session connected but unauthenticated; it can still
// authenticate later.
func (g *Gateway) Connect(sessionID, credential string, sink Sink) State {
	s := &session{id: sessionID, sink: sink}

	switch g.policy {
	case PolicyPermissive:
		s.reg = &Registration{
			SessionID: sessionID,
			UserID:    "guest-" + sessionID,
			Role:      "USER",
		}
	default:
		if credential == "" {
			slog.Warn("session connected without credential", "session_id", sessionID)
			break
		}
		reg, err := g.verify(sessionID, credential)
		if err != nil {
			slog.Warn("session credential rejected", "session_id", sessionID, "error", err)
			break
		}
		s.reg = reg
	}

	g.mu.Lock()
	g.sessions[sessionID] = s
	g.mu.Unlock()

	state := StateConnected
	if s.reg != nil {
		state = StateAuthenticated
		slog.Info("session authenticated", "session_id", sessionID, "user_id", s.reg.UserID)
	}
	slog.Info("session connected", "session_id", sessionID, "state", state)
	return state
}

func (g *Gateway) verify(sessionID, credential string) (*Registration, error) {
	if g.verifier == nil {
		return nil, errors.New("no credential verifier configured")
	}
	id, err := g.verifier.VerifyIdentity(credential)
	if err != nil {
		return nil, err
	}
	return &Registration{SessionID: sessionID, UserID: id.UserID, Role: id.Role}, nil
}

// Authenticate attaches an identity to an already connected session.
func (g *Gateway) Authenticate(sessionID, credential string) error {
	reg, err := g.verify(sessionID, credential)
	if err != nil {
		g.sendTo(sessionID, EventAuthRequired, fields{"message": "Authentication required"})
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}

	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if ok {
		s.reg = reg
	}
	g.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	slog.Info("session authenticated", "session_id", sessionID, "user_id", reg.UserID)
	g.sendStatus(sessionID)
	return nil
}

// Disconnect removes every trace of the session and closes its sink.
func (g *Gateway) Disconnect(sessionID string) {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	delete(g.topic, sessionID)
	g.mu.Unlock()

	if ok {
		s.sink.Close()
		slog.Info("session disconnected", "session_id", sessionID)
	}
}

// Subscribe joins the session to the update topic. It is idempotent.
// Unauthenticated sessions get an authRequired event instead.
func (g *Gateway) Subscribe(sessionID string) error {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if ok && s.reg != nil {
		g.topic[sessionID] = s
	}
	g.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}
	if s.reg == nil {
		slog.Warn("unauthenticated session attempted to subscribe", "session_id", sessionID)
		g.sendTo(sessionID, EventAuthRequired, fields{"message": "Authentication required"})
		return ErrAuthRequired
	}

	slog.Info("session subscribed", "session_id", sessionID, "topic", Topic)
	g.sendTo(sessionID, EventSubscriptionConfirmed, fields{
		"message": "Successfully subscribed to phishing attempt updates",
		"userId":  s.reg.UserID,
	})
	return nil
}

// Unsubscribe leaves the topic. Not being subscribed is not an error.
func (g *Gateway) Unsubscribe(sessionID string) {
	g.mu.Lock()
	_, was := g.topic[sessionID]
	delete(g.topic, sessionID)
	g.mu.Unlock()

	if was {
		slog.Info("session unsubscribed", "session_id", sessionID, "topic", Topic)
	}
}

// NotifyUpdate broadcasts the full record to the topic.
func (g *Gateway) NotifyUpdate(attempt *models.Attempt) {
	n := g.broadcast(EventAttemptUpdated, attempt)
	slog.Info("notified sessions about updated attempt", "attempt_id", attempt.ID, "sessions", n)
}

// NotifyStatusChange broadcasts the (record, previous status) pair.
func (g *Gateway) NotifyStatusChange(attempt *models.Attempt, previous models.Status) {
	n := g.broadcast(EventStatusChanged, models.StatusChange{
		PhishingAttempt: attempt,
		PreviousStatus:  previous,
	})
	slog.Info("notified sessions about status change",
		"attempt_id", attempt.ID,
		"from", string(previous),
		"to", string(attempt.Status),
		"sessions", n,
	)
}

// State reports where a session is in its lifecycle.
func (g *Gateway) State(sessionID string) State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.sessions[sessionID]
	switch {
	case !ok:
		return StateDisconnected
	case g.topic[sessionID] != nil:
		return StateSubscribed
	case s.reg != nil:
		return StateAuthenticated
	}
	return StateConnected
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Stats{Connected: len(g.sessions), Subscribed: len(g.topic)}
}

// HandleMessage dispatches one client frame.
func (g *Gateway) HandleMessage(sessionID string, raw []byte) {
	var msg struct {
		Event string `json:"event"`
		Data  struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendTo(sessionID, EventError, fields{"message": "malformed message"})
		return
	}

	switch msg.Event {
	case EventSubscribe:
		g.Subscribe(sessionID)
	case EventUnsubscribe:
		g.Unsubscribe(sessionID)
	case EventAuthenticate:
		if err := g.Authenticate(sessionID, msg.Data.Token); err != nil {
			slog.Warn("late authentication failed", "session_id", sessionID, "error", err)
		}
	case EventStatus:
		g.sendStatus(sessionID)
	default:
		g.sendTo(sessionID, EventError, fields{"message": "unknown event " + msg.Event})
	}
}

func (g *Gateway) sendStatus(sessionID string) {
	state := g.State(sessionID)
	g.sendTo(sessionID, EventConnectionStatus, fields{
		"state":      state,
		"subscribed": state == StateSubscribed,
	})
}

type fields map[string]any

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(frame{Event: event, Data: data})
}

func (g *Gateway) sendTo(sessionID, event string, data any) {
	payload, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("failed to encode frame", "event", event, "error", err)
		return
	}

	g.mu.RLock()
	s, ok := g.sessions[sessionID]
	g.mu.RUnlock()
	if !ok {
		return
	}
	if !s.sink.Send(payload) {
		slog.Warn("session outbound buffer full, disconnecting", "session_id", sessionID)
		g.Disconnect(sessionID)
	}
}

// broadcast sends to every subscribed session and returns how many were
// reached. An empty topic is not an error.
func (g *Gateway) broadcast(event string, data any) int {
	payload, err := encodeFrame(event, data)
	if err != nil {
		slog.Error("failed to encode frame", "event", event, "error", err)
		return 0
	}

	g.mu.RLock()
	targets := make([]*session, 0, len(g.topic))
	for _, s := range g.topic {
		targets = append(targets, s)
	}
	g.mu.RUnlock()

	if len(targets) == 0 {
		slog.Info("no subscribed sessions", "event", event, "topic", Topic)
		return 0
	}

	var slow []string
	for _, s := range targets {
		if !s.sink.Send(payload) {
			slow = append(slow, s.id)
		}
	}
	for _, id := range slow {
		slog.Warn("session outbound buffer full, disconnecting", "session_id", id)
		g.Disconnect(id)
	}
	return len(targets) - len(slow)
}
