// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-memory map. It is safe for
// concurrent use and suitable for development and testing; production
// deployments use the Postgres store.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	tokens map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: map[string]*Record{}}
}

// Add inserts a record, enforcing the token_hash unique invariant.
func (m *MemoryStore) Add(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[record.TokenHash]; exists {
		return ErrAlreadyExists
	}
	m.nextID++
	stored := *record
	stored.ID = m.nextID
	m.tokens[record.TokenHash] = &stored
	record.ID = stored.ID
	return nil
}

// UpdateState sets the state of an existing record.
func (m *MemoryStore) UpdateState(_ context.Context, tokenHash string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.tokens[tokenHash]
	if !exists {
		return ErrNotFound
	}
	record.State = state
	return nil
}

// Get returns a copy of the record with the given hash.
func (m *MemoryStore) Get(_ context.Context, tokenHash string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.tokens[tokenHash]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// Remove hard-deletes a record; absent hashes are a no-op.
func (m *MemoryStore) Remove(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tokens, tokenHash)
	return nil
}

// RemoveForUser hard-deletes every record owned by the given email.
func (m *MemoryStore) RemoveForUser(_ context.Context, userEmail string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, record := range m.tokens {
		if strings.EqualFold(record.UserEmail, userEmail) {
			delete(m.tokens, hash)
			removed++
		}
	}
	return removed, nil
}

// RemoveExpired hard-deletes records expiring before the given time.
func (m *MemoryStore) RemoveExpired(_ context.Context, userEmail string, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, record := range m.tokens {
		if userEmail != "" && !strings.EqualFold(record.UserEmail, userEmail) {
			continue
		}
		if record.ExpiresAt.Before(before) {
			delete(m.tokens, hash)
			removed++
		}
	}
	return removed, nil
}

// Query returns matching records ordered by expires_at descending.
func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*Record, 0)
	for _, record := range m.tokens {
		if !matches(record, filter) {
			continue
		}
		copied := *record
		matched = append(matched, &copied)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ExpiresAt.Equal(matched[j].ExpiresAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].ExpiresAt.After(matched[j].ExpiresAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Record{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close is a no-op for the in-memory store.
func (*MemoryStore) Close() error { return nil }

func matches(record *Record, filter Filter) bool {
	if filter.UserID != "" && record.UserID != filter.UserID {
		return false
	}
	if filter.UserEmail != "" && !strings.EqualFold(record.UserEmail, filter.UserEmail) {
		return false
	}
	if filter.ProjectID != "" && record.ProjectID != filter.ProjectID {
		return false
	}
	if filter.TokenHash != "" && record.TokenHash != filter.TokenHash {
		return false
	}
	if !filter.ExpiresBefore.IsZero() && !record.ExpiresAt.Before(filter.ExpiresBefore) {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, s := range filter.States {
			if record.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
