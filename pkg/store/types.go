// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package store persists token records. The store is the sole writer of
// token rows; it never derives expiry state, callers do that when
// presenting rows.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fabric-testbed/credmgr/pkg/errors"
)

// State is the lifecycle state of a token record.
type State int

// Token states. Nascent is reserved for a future two-phase mint and is
// never written today.
const (
	StateNascent   State = 1
	StateValid     State = 2
	StateRefreshed State = 3
	StateRevoked   State = 4
	StateExpired   State = 5
)

var stateNames = map[State]string{
	StateNascent:   "Nascent",
	StateValid:     "Valid",
	StateRefreshed: "Refreshed",
	StateRevoked:   "Revoked",
	StateExpired:   "Expired",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// ParseState parses a state name, case-insensitive.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, errors.BadRequest("unknown token state: %s", name)
}

// ParseStates parses a list of state names.
func ParseStates(names []string) ([]State, error) {
	states := make([]State, 0, len(names))
	for _, name := range names {
		s, err := ParseState(name)
		if err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, nil
}

// Record is one issued token. TokenHash is a keyed hash of the signed
// JWT; the token itself is never stored.
type Record struct {
	ID          int64     `db:"token_id"`
	UserID      string    `db:"user_id"`
	UserEmail   string    `db:"user_email"`
	ProjectID   string    `db:"project_id"`
	TokenHash   string    `db:"token_hash"`
	State       State     `db:"state"`
	CreatedAt   time.Time `db:"created_at"`
	ExpiresAt   time.Time `db:"expires_at"`
	CreatedFrom string    `db:"created_from"`
	Comment     string    `db:"comment"`
}

// Filter narrows a Query. Zero-valued fields match everything; Limit 0
// means no limit.
type Filter struct {
	UserID        string
	UserEmail     string
	ProjectID     string
	TokenHash     string
	ExpiresBefore time.Time
	States        []State
	Offset        int
	Limit         int
}

// Sentinel store errors.
var (
	ErrNotFound      = errors.NotFound("token not found")
	ErrAlreadyExists = errors.Conflict("token already exists")
)

// Store is the token record store. Implementations are safe for
// concurrent use.
type Store interface {
	// Add inserts a record. The token_hash unique invariant is
	// enforced; a duplicate yields ErrAlreadyExists.
	Add(ctx context.Context, record *Record) error

	// UpdateState sets the state of the record with the given hash.
	// Idempotent for an identical state; unknown hash yields
	// ErrNotFound.
	UpdateState(ctx context.Context, tokenHash string, state State) error

	// Get returns the record with the given hash or ErrNotFound.
	Get(ctx context.Context, tokenHash string) (*Record, error)

	// Remove hard-deletes the record with the given hash. Removing an
	// absent record is not an error.
	Remove(ctx context.Context, tokenHash string) error

	// RemoveForUser hard-deletes every record owned by the given
	// email and returns the number removed.
	RemoveForUser(ctx context.Context, userEmail string) (int, error)

	// RemoveExpired hard-deletes records expiring before the given
	// time, limited to one user when userEmail is non-empty, and
	// returns the number removed.
	RemoveExpired(ctx context.Context, userEmail string, before time.Time) (int, error)

	// Query returns records matching the filter ordered by expires_at
	// descending.
	Query(ctx context.Context, filter Filter) ([]*Record, error)

	// Close releases the underlying resources.
	Close() error
}
