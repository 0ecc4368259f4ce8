package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

func attempt(id, owner string, status models.Status, created time.Time) *models.Attempt {
	return &models.Attempt{
		ID:             id,
		RecipientEmail: id + "@example.com",
		Status:         status,
		TrackingToken:  "tok-" + id,
		CreatedBy:      owner,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestMemoryCreateAndFind(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := attempt("a1", "alice", models.StatusPending, time.Now())
	require.NoError(t, m.Create(ctx, a))

	dup := attempt("a2", "alice", models.StatusPending, time.Now())
	dup.TrackingToken = a.TrackingToken
	assert.ErrorIs(t, m.Create(ctx, dup), ErrDuplicateToken)

	byID, err := m.FindByID(ctx, "a1")
	require.NoError(t, err)
	byToken, err := m.FindByToken(ctx, "tok-a1")
	require.NoError(t, err)
	assert.Equal(t, byID, byToken)

	_, err = m.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.FindByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := attempt("a1", "alice", models.StatusPending, time.Now())
	require.NoError(t, m.Create(ctx, a))

	a.Status = models.StatusFailed
	got, err := m.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	got.Status = models.StatusFailed
	again, err := m.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestMemoryUpdateNeverMovesBackward(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		stored models.Status
		next   models.Status
		want   error
	}{
		{models.StatusPending, models.StatusSent, nil},
		{models.StatusSent, models.StatusClicked, nil},
		{models.StatusClicked, models.StatusClicked, nil},
		{models.StatusClicked, models.StatusSent, ErrStaleStatus},
		{models.StatusClicked, models.StatusPending, ErrStaleStatus},
		{models.StatusFailed, models.StatusClicked, ErrStaleStatus},
		{models.StatusFailed, models.StatusFailed, nil},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.stored, tt.next), func(t *testing.T) {
			m := NewMemory()
			require.NoError(t, m.Create(ctx, attempt("a1", "", tt.stored, time.Now())))

			next := attempt("a1", "", tt.next, time.Now())
			err := m.Update(ctx, next)
			if tt.want == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}

			got, err := m.FindByID(ctx, "a1")
			require.NoError(t, err)
			if tt.want == nil {
				assert.Equal(t, tt.next, got.Status)
			} else {
				assert.Equal(t, tt.stored, got.Status)
			}
		})
	}

	assert.ErrorIs(t, NewMemory().Update(ctx, attempt("ghost", "", models.StatusSent, time.Now())), ErrNotFound)
}

func TestMemoryListAndStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.Create(ctx, attempt("a1", "alice", models.StatusSent, base)))
	require.NoError(t, m.Create(ctx, attempt("a2", "alice", models.StatusClicked, base.Add(time.Hour))))
	require.NoError(t, m.Create(ctx, attempt("a3", "bob", models.StatusPending, base.Add(2*time.Hour))))

	page, total, err := m.List(ctx, ListFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "a3", page[0].ID)
	assert.Equal(t, "a2", page[1].ID)

	page, total, err = m.List(ctx, ListFilter{CreatedBy: "alice", Offset: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "a1", page[0].ID)

	page, _, err = m.List(ctx, ListFilter{Offset: 10, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, page)

	stats, err := m.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: 3, Pending: 1, Sent: 1, Clicked: 1}, stats)

	stats, err = m.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Total: 2, Sent: 1, Clicked: 1}, stats)
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Create(ctx, attempt("a1", "", models.StatusPending, time.Now())))

	require.NoError(t, m.Delete(ctx, "a1"))
	assert.ErrorIs(t, m.Delete(ctx, "a1"), ErrNotFound)
	_, err := m.FindByToken(ctx, "tok-a1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Create(ctx, attempt("a1", "", models.StatusPending, time.Now())))
}
