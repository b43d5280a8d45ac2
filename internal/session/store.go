// Package session keeps per-conversation state across turns: turn counts,
// the last classified intent, and the typed pending-action slot that lets
// a later turn resume a sub-flow the previous turn started.
package session

import (
	"context"
	"time"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// DefaultTTL is how long a session survives without being touched.
const DefaultTTL = 30 * time.Minute

// Session is one conversation's durable state.
type Session struct {
	ID             string             `json:"id"`
	CreatedAt      time.Time          `json:"created_at"`
	LastAccess     time.Time          `json:"last_access"`
	TurnCount      int                `json:"turn_count"`
	LastIntent     string             `json:"last_intent,omitempty"`
	LastQuery      string             `json:"last_query,omitempty"`
	PendingKind    schema.PendingKind `json:"pending_kind,omitempty"`
	PendingPayload map[string]any     `json:"pending_payload,omitempty"`
}

// Store persists sessions. Operations on missing sessions are no-ops,
// not errors; the turn flow must never fail because a session aged out
// between two calls.
type Store interface {
	// GetOrCreate returns the live session for id, replacing any expired
	// record with a fresh one under the same ID. A live hit refreshes the
	// TTL clock, so reading a session keeps it alive.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Touch records a completed turn: increments the turn counter,
	// updates the last intent and query, and refreshes the TTL clock.
	Touch(ctx context.Context, id, intent, query string) error

	// SetPending stores the typed pending action for the next turn and
	// refreshes the TTL clock.
	SetPending(ctx context.Context, id string, kind schema.PendingKind, payload map[string]any) error

	// GetPending returns the stored pending action. The kind is re-parsed
	// through the closed enum, so a value written by an incompatible
	// build reads back as none while the payload is still returned.
	GetPending(ctx context.Context, id string) (schema.PendingKind, map[string]any, error)

	// HasPending reports whether a recognized pending action is stored.
	HasPending(ctx context.Context, id string) (bool, error)

	// ClearPending unconditionally drops the pending slot.
	ClearPending(ctx context.Context, id string) error

	// ClearPendingIfKind drops the pending slot only when it holds kind,
	// reporting whether a clear happened.
	ClearPendingIfKind(ctx context.Context, id string, kind schema.PendingKind) (bool, error)

	// ClearPendingIfPrefix drops the pending slot when its kind belongs
	// to the named family, e.g. "record_create.", reporting whether a
	// clear happened.
	ClearPendingIfPrefix(ctx context.Context, id, prefix string) (bool, error)

	// PruneExpired deletes every session past its TTL and returns their IDs.
	PruneExpired(ctx context.Context) ([]string, error)

	// Delete removes the session outright.
	Delete(ctx context.Context, id string) error

	Close() error
}
