// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord // keyed by session ID
	events   map[string][]*EventRecord // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*SessionRecord),
		events:   make(map[string][]*EventRecord),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[rec.ID]; ok {
		return ErrDuplicateSession
	}
	r := *rec
	m.sessions[r.ID] = &r
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *r
	return &result, nil
}

// CloseSession marks a session closed.
func (m *MockStore) CloseSession(ctx context.Context, id string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if r.ClosedAt == nil {
		t := closedAt
		r.ClosedAt = &t
	}
	return nil
}

// SaveEvent appends an event.
func (m *MockStore) SaveEvent(ctx context.Context, ev *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[ev.SessionID]; !ok {
		return ErrNotFound
	}
	e := *ev
	m.events[ev.SessionID] = append(m.events[ev.SessionID], &e)
	return nil
}

// ListEvents returns the most recent events of a session, oldest first.
func (m *MockStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*EventRecord, len(m.events[sessionID]))
	copy(all, m.events[sessionID])
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	limit = clampLimit(limit)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}

	result := make([]*EventRecord, len(all))
	for i, ev := range all {
		e := *ev
		result[i] = &e
	}
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
