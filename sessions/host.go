package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Host.Get when no live record exists for the
// given session ID, whether because it never existed, was deleted, or its
// TTL lapsed. Callers treat all three identically.
var ErrNotFound = errors.New("sessions: not found")

// Host persists session records for the duration of their lifetime.
// Implementations must be safe for concurrent use.
type Host interface {
	// Put stores rec under rec.SessionID for at most ttl. Storing a record
	// under an ID that already exists replaces the previous record.
	Put(ctx context.Context, rec Record, ttl time.Duration) error

	// Get returns the record stored under sessionID, or ErrNotFound once the
	// record's TTL has lapsed or it was deleted.
	Get(ctx context.Context, sessionID string) (Record, error)

	// Delete removes the record stored under sessionID. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, sessionID string) error
}
