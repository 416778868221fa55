package sessions

import (
	"time"

	"github.com/manlab/nodescope-go/wire"
)

// RecordVersion is stamped into every persisted record so that future
// revisions of the layout can be migrated (or rejected) on read.
const RecordVersion = 1

// Record is the authoritative persisted form of one scoped session. Every
// field is fixed at creation time. Timestamps are UTC.
type Record struct {
	Version         int       `json:"v"`
	SessionID       string    `json:"sessionId"`
	Subject         string    `json:"subject"`
	Kind            wire.Kind `json:"kind"`
	PolicyID        string    `json:"policyId,omitempty"`
	RootPath        string    `json:"rootPath"`
	MaxBytesPerRead int       `json:"maxBytesPerRead"`
	CreatedAt       time.Time `json:"createdAt"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Expired reports whether the record is no longer usable at now. The expiry
// instant itself counts as expired.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Session converts the record into its wire representation.
func (r Record) Session() wire.Session {
	return wire.Session{
		SessionID:       r.SessionID,
		Subject:         r.Subject,
		Kind:            r.Kind,
		RootPath:        r.RootPath,
		MaxBytesPerRead: r.MaxBytesPerRead,
		ExpiresAt:       r.ExpiresAt,
	}
}
