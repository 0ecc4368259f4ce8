package store

import (
	"context"
	"sort"
	"sync"

	"github.com/DavidGasparyan/phishing-simulator/models"
)

// Memory is an in-process AttemptStore used by standalone mode and tests.
type Memory struct {
	mu      sync.RWMutex
	byID    map[string]*models.Attempt
	byToken map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		byID:    make(map[string]*models.Attempt),
		byToken: make(map[string]string),
	}
}

func (m *Memory) Create(_ context.Context, a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byToken[a.TrackingToken]; exists {
		return ErrDuplicateToken
	}
	m.byID[a.ID] = a.Clone()
	m.byToken[a.TrackingToken] = a.ID
	return nil
}

func (m *Memory) FindByID(_ context.Context, id string) (*models.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) FindByToken(_ context.Context, token string) (*models.Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return m.byID[id].Clone(), nil
}

func (m *Memory) Update(_ context.Context, a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.byID[a.ID]
	if !ok {
		return ErrNotFound
	}
	if !writable(current.Status, a.Status) {
		return ErrStaleStatus
	}
	if a.TrackingToken != current.TrackingToken {
		if _, taken := m.byToken[a.TrackingToken]; taken {
			return ErrDuplicateToken
		}
		delete(m.byToken, current.TrackingToken)
		m.byToken[a.TrackingToken] = a.ID
	}
	m.byID[a.ID] = a.Clone()
	return nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]*models.Attempt, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*models.Attempt
	for _, a := range m.byID {
		if f.CreatedBy != "" && a.CreatedBy != f.CreatedBy {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}

	page := make([]*models.Attempt, 0, end-start)
	for _, a := range matched[start:end] {
		page = append(page, a.Clone())
	}
	return page, total, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.byToken, a.TrackingToken)
	delete(m.byID, id)
	return nil
}

func (m *Memory) Stats(_ context.Context, createdBy string) (models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s models.Stats
	for _, a := range m.byID {
		if createdBy != "" && a.CreatedBy != createdBy {
			continue
		}
		s.Add(a.Status, 1)
	}
	return s, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
