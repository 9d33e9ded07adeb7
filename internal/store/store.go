// ABOUTME: Store interface and record types for the sidecar's session ledger
// ABOUTME: Defines SessionRecord, EventRecord and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session id is recorded twice
var ErrDuplicateSession = errors.New("session already exists")

// Limits for ListEvents
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// SessionRecord is the persisted summary of a session
type SessionRecord struct {
	ID             string
	AgentSessionID string
	CreatedAt      time.Time
	ClosedAt       *time.Time // nil while the session is open
}

// EventRecord is one event emitted on a session's stream
type EventRecord struct {
	SessionID string          `json:"sessionId"`
	Seq       uint64          `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists sessions and their events so history survives session close
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	CloseSession(ctx context.Context, id string, closedAt time.Time) error

	// Events
	SaveEvent(ctx context.Context, ev *EventRecord) error
	// ListEvents returns the most recent events of a session in seq order.
	ListEvents(ctx context.Context, sessionID string, limit int) ([]*EventRecord, error)

	// Close releases any resources held by the store
	Close() error
}

// clampLimit applies the default and maximum to a caller-supplied limit
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	if limit > MaxEventLimit {
		return MaxEventLimit
	}
	return limit
}
