package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidGasparyan/phishing-simulator/models"
	"github.com/DavidGasparyan/phishing-simulator/store"
)

type observedClick struct {
	attemptID   string
	previous    models.Status
	storedAtRun models.Status
}

// recordingNotifier captures clicks and what the store held when the
// notification ran.
type recordingNotifier struct {
	store   *store.Memory
	mu      sync.Mutex
	clicks  []observedClick
	block   chan struct{}
	started chan struct{}
}

func (n *recordingNotifier) ClickObserved(ctx context.Context, a *models.Attempt, previous models.Status) error {
	if n.started != nil {
		close(n.started)
	}
	if n.block != nil {
		<-n.block
	}
	stored, err := n.store.FindByID(ctx, a.ID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clicks = append(n.clicks, observedClick{attemptID: a.ID, previous: previous, storedAtRun: stored.Status})
	return nil
}

func (n *recordingNotifier) all() []observedClick {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]observedClick(nil), n.clicks...)
}

type failingStore struct{}

func (failingStore) FindByID(context.Context, string) (*models.Attempt, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) Update(context.Context, *models.Attempt) error {
	return errors.New("connection refused")
}

// nilStore answers lookups with neither a record nor an error.
type nilStore struct{}

func (nilStore) FindByID(context.Context, string) (*models.Attempt, error) { return nil, nil }
func (nilStore) Update(context.Context, *models.Attempt) error             { return nil }

type panickingStore struct{}

func (panickingStore) FindByID(context.Context, string) (*models.Attempt, error) {
	panic("driver bug")
}
func (panickingStore) Update(context.Context, *models.Attempt) error { panic("driver bug") }

type fixture struct {
	codec    *Codec
	store    *store.Memory
	notifier *recordingNotifier
	handler  *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{codec: testCodec(t), store: store.NewMemory()}
	f.notifier = &recordingNotifier{store: f.store}
	f.handler = NewHandler(f.codec, f.store, f.notifier, Options{})
	return f
}

func (f *fixture) seed(t *testing.T, id string, status models.Status) string {
	t.Helper()
	tok, err := f.codec.Issue(id, time.Now())
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.store.Create(context.Background(), &models.Attempt{
		ID:             id,
		RecipientEmail: id + "@example.com",
		Status:         status,
		TrackingToken:  tok,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	return tok
}

func track(h *Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/track/"+token, nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0")
	w := httptest.NewRecorder()
	h.TrackClick(w, req, token)
	return w
}

func TestTrackClickMarksClicked(t *testing.T) {
	f := newFixture(t)
	tok := f.seed(t, "a1", models.StatusSent)

	res := f.handler.Resolve(context.Background(), tok)
	require.Equal(t, OutcomeTracked, res.Outcome)
	assert.Equal(t, models.StatusSent, res.Previous)

	stored, err := f.store.FindByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClicked, stored.Status)
	assert.NotNil(t, stored.ClickedAt)
}

func TestNotifyRunsAfterCommit(t *testing.T) {
	f := newFixture(t)
	tok := f.seed(t, "a1", models.StatusPending)

	w := track(f.handler, tok)
	f.handler.Wait()

	assert.Equal(t, http.StatusOK, w.Code)
	clicks := f.notifier.all()
	require.Len(t, clicks, 1)
	assert.Equal(t, "a1", clicks[0].attemptID)
	assert.Equal(t, models.StatusPending, clicks[0].previous)
	assert.Equal(t, models.StatusClicked, clicks[0].storedAtRun)
}

func TestResponseDoesNotWaitForNotifier(t *testing.T) {
	f := newFixture(t)
	f.notifier.block = make(chan struct{})
	f.notifier.started = make(chan struct{})
	tok := f.seed(t, "a1", models.StatusSent)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- track(f.handler, tok) }()

	select {
	case w := <-done:
		assert.Equal(t, http.StatusOK, w.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("tracking response blocked on notifier")
	}

	<-f.notifier.started
	close(f.notifier.block)
	f.handler.Wait()
	assert.Len(t, f.notifier.all(), 1)
}

func TestResponsesAreIdentical(t *testing.T) {
	f := newFixture(t)
	valid := f.seed(t, "a1", models.StatusSent)
	ghost, err := f.codec.Issue("does-not-exist", time.Now())
	require.NoError(t, err)

	broken := NewHandler(f.codec, failingStore{}, f.notifier, Options{})

	responses := map[string]*httptest.ResponseRecorder{
		"valid":         track(f.handler, valid),
		"unknown id":    track(f.handler, ghost),
		"garbage":       track(f.handler, "!!garbage!!"),
		"store failure": track(broken, valid),
		"empty lookup":  track(NewHandler(f.codec, nilStore{}, f.notifier, Options{}), valid),
		"store panic":   track(NewHandler(f.codec, panickingStore{}, f.notifier, Options{}), valid),
	}
	f.handler.Wait()

	want := responses["valid"]
	assert.Equal(t, http.StatusOK, want.Code)
	assert.Equal(t, "image/gif", want.Header().Get("Content-Type"))
	assert.Equal(t, Pixel(), want.Body.Bytes())

	for name, got := range responses {
		assert.Equal(t, want.Code, got.Code, name)
		assert.Equal(t, want.Header(), got.Header(), name)
		assert.Equal(t, want.Body.Bytes(), got.Body.Bytes(), name)
	}
}

func TestTrackClickSurvivesPanics(t *testing.T) {
	f := newFixture(t)
	valid := f.seed(t, "a1", models.StatusSent)
	h := NewHandler(f.codec, panickingStore{}, f.notifier, Options{ResponseFloor: 20 * time.Millisecond})

	start := time.Now()
	var w *httptest.ResponseRecorder
	require.NotPanics(t, func() { w = track(h, valid) })

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Pixel(), w.Body.Bytes())
	assert.Empty(t, f.notifier.all())
}

func TestResolveTreatsEmptyLookupAsNotFound(t *testing.T) {
	f := newFixture(t)
	valid := f.seed(t, "a1", models.StatusSent)

	res := NewHandler(f.codec, nilStore{}, nil, Options{}).Resolve(context.Background(), valid)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.ErrorIs(t, res.Err, store.ErrNotFound)
}

func TestResolveOutcomes(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", models.StatusSent)
	failedTok := f.seed(t, "failed", models.StatusFailed)
	forged, err := f.codec.Issue("a1", time.Now())
	require.NoError(t, err)
	ghost, err := f.codec.Issue("ghost", time.Now())
	require.NoError(t, err)

	tests := []struct {
		name  string
		h     *Handler
		token string
		want  Outcome
	}{
		{"garbage", f.handler, "garbage", OutcomeInvalidToken},
		{"unknown attempt", f.handler, ghost, OutcomeNotFound},
		{"token for another issue", f.handler, forged, OutcomeTokenMismatch},
		{"failed attempt", f.handler, failedTok, OutcomeRejected},
		{"store down", NewHandler(f.codec, failingStore{}, nil, Options{}), ghost, OutcomeStoreFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.h.Resolve(context.Background(), tt.token)
			assert.Equal(t, tt.want, res.Outcome, res.Outcome.String())
			assert.Error(t, res.Err)
		})
	}

	stored, err := f.store.FindByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)

	failed, err := f.store.FindByID(context.Background(), "failed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Nil(t, failed.ClickedAt)
}

func TestRepeatedClickIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tok := f.seed(t, "a1", models.StatusSent)

	first := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	f.handler.now = func() time.Time { return first }
	require.Equal(t, OutcomeTracked, f.handler.Resolve(context.Background(), tok).Outcome)

	f.handler.now = func() time.Time { return second }
	res := f.handler.Resolve(context.Background(), tok)
	require.Equal(t, OutcomeTracked, res.Outcome)
	assert.Equal(t, models.StatusClicked, res.Previous)

	stored, err := f.store.FindByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusClicked, stored.Status)
	assert.True(t, stored.ClickedAt.Equal(second))
}

func TestResponseFloor(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.codec, f.store, nil, Options{ResponseFloor: 40 * time.Millisecond})

	start := time.Now()
	w := track(h, "garbage")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, Pixel(), w.Body.Bytes())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "tracked", OutcomeTracked.String())
	assert.Equal(t, "token_mismatch", OutcomeTokenMismatch.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
