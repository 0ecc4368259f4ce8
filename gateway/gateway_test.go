package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []frame
	full   bool
	closed bool
}

func (s *recordingSink) Send(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return false
	}
	var f struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &f); err != nil {
		panic(err)
	}
	s.frames = append(s.frames, frame{Event: f.Event, Data: f.Data})
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

func (s *recordingSink) count(event string) int {
	n := 0
	for _, e := range s.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (s *recordingSink) last() frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

var testVerifier = VerifierFunc(func(credential string) (Identity, error) {
	if credential == "good" {
		return Identity{UserID: "user-1", Role: "ADMIN"}, nil
	}
	return Identity{}, errors.New("bad credential")
})

func clickedAttempt() *models.Attempt {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Attempt{
		ID:             "a1",
		RecipientEmail: "target@example.com",
		Status:         models.StatusClicked,
		ClickedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestStrictConnectWithoutCredential(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	sink := &recordingSink{}

	assert.Equal(t, StateConnected, g.Connect("s1", "", sink))

	err := g.Subscribe("s1")
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, []string{EventAuthRequired}, sink.events())
	assert.Equal(t, StateConnected, g.State("s1"))

	g.NotifyUpdate(clickedAttempt())
	assert.Equal(t, 0, sink.count(EventAttemptUpdated))
}

func TestStrictConnectWithInvalidCredential(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	sink := &recordingSink{}

	assert.Equal(t, StateConnected, g.Connect("s1", "forged", sink))
	assert.ErrorIs(t, g.Subscribe("s1"), ErrAuthRequired)
}

func TestStrictLateAuthentication(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)

	require.NoError(t, g.Authenticate("s1", "good"))
	assert.Equal(t, StateAuthenticated, g.State("s1"))

	require.NoError(t, g.Subscribe("s1"))
	assert.Equal(t, StateSubscribed, g.State("s1"))
}

func TestAuthenticateRejected(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)

	err := g.Authenticate("s1", "nope")
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Equal(t, 1, sink.count(EventAuthRequired))
}

func TestSubscribeIsIdempotent(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	sink := &recordingSink{}
	g.Connect("s1", "good", sink)

	require.NoError(t, g.Subscribe("s1"))
	require.NoError(t, g.Subscribe("s1"))
	assert.Equal(t, 2, sink.count(EventSubscriptionConfirmed))
	assert.Equal(t, Stats{Connected: 1, Subscribed: 1}, g.Stats())

	g.NotifyUpdate(clickedAttempt())
	assert.Equal(t, 1, sink.count(EventAttemptUpdated))
}

func TestSubscriptionConfirmationIsPrivate(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	a, b := &recordingSink{}, &recordingSink{}
	g.Connect("a", "good", a)
	g.Connect("b", "good", b)
	require.NoError(t, g.Subscribe("b"))

	require.NoError(t, g.Subscribe("a"))
	assert.Equal(t, 1, a.count(EventSubscriptionConfirmed))
	assert.Equal(t, 1, b.count(EventSubscriptionConfirmed))

	var data map[string]string
	require.NoError(t, json.Unmarshal(a.last().Data.(json.RawMessage), &data))
	assert.Equal(t, "user-1", data["userId"])
}

func TestPermissiveAssignsSyntheticIdentity(t *testing.T) {
	g := New(PolicyPermissive, nil)
	sink := &recordingSink{}

	assert.Equal(t, StateAuthenticated, g.Connect("s1", "", sink))
	require.NoError(t, g.Subscribe("s1"))

	var data map[string]string
	require.NoError(t, json.Unmarshal(sink.last().Data.(json.RawMessage), &data))
	assert.Equal(t, "guest-s1", data["userId"])
}

func TestStatusChangeCarriesPreviousStatus(t *testing.T) {
	g := New(PolicyPermissive, nil)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)
	require.NoError(t, g.Subscribe("s1"))

	g.NotifyStatusChange(clickedAttempt(), models.StatusSent)

	f := sink.last()
	assert.Equal(t, EventStatusChanged, f.Event)

	var change struct {
		PhishingAttempt models.Attempt `json:"phishingAttempt"`
		PreviousStatus  models.Status  `json:"previousStatus"`
	}
	require.NoError(t, json.Unmarshal(f.Data.(json.RawMessage), &change))
	assert.Equal(t, models.StatusSent, change.PreviousStatus)
	assert.Equal(t, models.StatusClicked, change.PhishingAttempt.Status)
	assert.Equal(t, "a1", change.PhishingAttempt.ID)
}

func TestGuestFramesCarryNoTrackingToken(t *testing.T) {
	g := New(PolicyPermissive, nil)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)
	require.NoError(t, g.Subscribe("s1"))

	a := clickedAttempt()
	a.TrackingToken = "c2VjcmV0LXRyYWNraW5nLXRva2Vu"
	a.EmailContent = `<a href="{{.TrackingURL}}">verify</a>`
	g.NotifyUpdate(a)
	g.NotifyStatusChange(a, models.StatusSent)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.frames, 3)
	for _, f := range sink.frames[1:] {
		raw := string(f.Data.(json.RawMessage))
		assert.NotContains(t, raw, a.TrackingToken, f.Event)
		assert.NotContains(t, raw, "/track/", f.Event)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	g := New(PolicyPermissive, nil)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)
	require.NoError(t, g.Subscribe("s1"))

	g.Unsubscribe("s1")
	g.Unsubscribe("s1")
	g.NotifyUpdate(clickedAttempt())

	assert.Equal(t, 0, sink.count(EventAttemptUpdated))
	assert.Equal(t, StateAuthenticated, g.State("s1"))
}

func TestDisconnectRemovesSession(t *testing.T) {
	g := New(PolicyPermissive, nil)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)
	require.NoError(t, g.Subscribe("s1"))

	g.Disconnect("s1")
	g.Disconnect("s1")

	assert.True(t, sink.closed)
	assert.Equal(t, StateDisconnected, g.State("s1"))
	assert.Equal(t, Stats{}, g.Stats())
	assert.ErrorIs(t, g.Subscribe("s1"), ErrUnknownSession)
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	assert.NotPanics(t, func() {
		g.NotifyUpdate(clickedAttempt())
		g.NotifyStatusChange(clickedAttempt(), models.StatusPending)
	})
}

func TestSlowSessionIsDisconnected(t *testing.T) {
	g := New(PolicyPermissive, nil)
	slow, fast := &recordingSink{}, &recordingSink{}
	g.Connect("slow", "", slow)
	g.Connect("fast", "", fast)
	require.NoError(t, g.Subscribe("slow"))
	require.NoError(t, g.Subscribe("fast"))

	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	assert.Equal(t, 1, g.broadcast(EventAttemptUpdated, clickedAttempt()))
	assert.Equal(t, StateDisconnected, g.State("slow"))
	assert.Equal(t, StateSubscribed, g.State("fast"))
	assert.Equal(t, 1, fast.count(EventAttemptUpdated))
}

func TestHandleMessage(t *testing.T) {
	g := New(PolicyStrict, testVerifier)
	sink := &recordingSink{}
	g.Connect("s1", "", sink)

	g.HandleMessage("s1", []byte(`{"event":"authenticate","data":{"token":"good"}}`))
	assert.Equal(t, EventConnectionStatus, sink.last().Event)

	g.HandleMessage("s1", []byte(`{"event":"subscribeToPhishingAttempts"}`))
	assert.Equal(t, EventSubscriptionConfirmed, sink.last().Event)

	g.HandleMessage("s1", []byte(`{"event":"status"}`))
	var status map[string]any
	require.NoError(t, json.Unmarshal(sink.last().Data.(json.RawMessage), &status))
	assert.Equal(t, "SUBSCRIBED", status["state"])
	assert.Equal(t, true, status["subscribed"])

	g.HandleMessage("s1", []byte(`{"event":"unsubscribeFromPhishingAttempts"}`))
	assert.Equal(t, StateAuthenticated, g.State("s1"))

	g.HandleMessage("s1", []byte(`{"event":"dance"}`))
	assert.Equal(t, EventError, sink.last().Event)

	g.HandleMessage("s1", []byte(`not json`))
	assert.Equal(t, EventError, sink.last().Event)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("permissive")
	require.NoError(t, err)
	assert.Equal(t, PolicyPermissive, p)

	_, err = ParsePolicy("open")
	assert.Error(t, err)
}
