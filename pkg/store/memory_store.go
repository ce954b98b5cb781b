package store

import (
	"context"
	"sync"
	"time"

	"teachforge/pkg/domain"
)

// MemoryStore keeps ledger and profile state in-process. Used in tests and
// single-node development setups.
type MemoryStore struct {
	mu       sync.RWMutex
	usage    []domain.UsageLogEntry
	profiles map[string]domain.ProfileState
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]domain.ProfileState),
	}
}

// AppendUsage appends one entry. Entries are never rewritten.
func (m *MemoryStore) AppendUsage(_ context.Context, entry domain.UsageLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, entry)
	return nil
}

// ListUsageInRange filters the user's entries by the inclusive window.
func (m *MemoryStore) ListUsageInRange(_ context.Context, userID string, from, to time.Time) ([]domain.UsageLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.UsageLogEntry
	for _, entry := range m.usage {
		if entry.UserID != userID {
			continue
		}
		if entry.CreatedAt.Before(from) || entry.CreatedAt.After(to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetProfile returns a profile row.
func (m *MemoryStore) GetProfile(_ context.Context, userID string) (domain.ProfileState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[userID]
	if !ok {
		return domain.ProfileState{}, ErrProfileNotFound
	}
	return profile, nil
}

// UpdateProfile runs mutate under the store lock, serializing concurrent
// transitions for the same user.
func (m *MemoryStore) UpdateProfile(_ context.Context, userID string, mutate func(domain.ProfileState) domain.ProfileState) (domain.ProfileState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.profiles[userID]
	if !ok {
		current = defaultProfile(userID)
	}
	next := mutate(current)
	next.UserID = userID
	next.UpdatedAt = time.Now().UTC()
	m.profiles[userID] = next
	return next, nil
}
