package wire

import "time"

// Kind identifies the resource family a session grants access to.
type Kind string

const (
	// KindFiles serves a hierarchical directory tree beneath the session
	// root.
	KindFiles Kind = "files"
	// KindLogs serves a flat, pattern-filtered set of log files in a single
	// directory level.
	KindLogs Kind = "logs"
	// KindTerminal serves a read-only, offset-addressed view of a live
	// output stream. Terminal sessions do not support listing.
	KindTerminal Kind = "terminal"
)

// IsValidKind reports whether kind is one of the protocol-defined resource
// kinds.
func IsValidKind(kind Kind) bool {
	switch kind {
	case KindFiles, KindLogs, KindTerminal:
		return true
	default:
		return false
	}
}

// Session is the capability token issued for scoped access to one subject
// and one root. Sessions are immutable value objects: they are never renewed
// in place, and a new session never reuses a prior SessionID.
type Session struct {
	// SessionID is opaque to clients, unguessable, and scoped to exactly one
	// subject and root.
	SessionID string `json:"sessionId"`
	// Subject is the node this session grants access to.
	Subject string `json:"subject"`
	Kind    Kind   `json:"kind"`
	// RootPath is the virtual root every path requested through the session
	// must resolve under.
	RootPath string `json:"rootPath"`
	// MaxBytesPerRead caps the byte length of every chunk. Servers clamp
	// oversized read requests to this bound rather than rejecting them.
	MaxBytesPerRead int `json:"maxBytesPerRead"`
	// ExpiresAt is the absolute UTC instant after which the session is
	// invalid server-side. Clients must treat any local copy as stale once
	// now >= ExpiresAt.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is stale at the given instant.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CreateSessionRequest is the body of a session creation call. PolicyID may
// be empty for subjects and deployments that allow the unrestricted system
// scope.
type CreateSessionRequest struct {
	Kind     Kind   `json:"kind"`
	PolicyID string `json:"policyId,omitempty"`
}

// DirectoryEntry describes one file or directory within a listing.
type DirectoryEntry struct {
	// Path is absolute within the session's virtual root and always sits
	// directly under the listed directory (listings never flatten).
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	// Size is the byte length for files and nil for directories.
	Size *int64 `json:"size"`
	// UpdatedAt is the last-modified timestamp when known.
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Listing is the bounded result of one directory list call.
type Listing struct {
	Entries []DirectoryEntry `json:"entries"`
	// Truncated reports that the directory holds more entries than the
	// request's maxEntries bound.
	Truncated bool `json:"truncated"`
}

// ReadResult is one chunk of content.
type ReadResult struct {
	// Path echoes the file read so clients can verify the reassembly target.
	Path string `json:"path"`
	// ContentBase64 carries the chunk bytes, length <= the session's
	// MaxBytesPerRead once decoded.
	ContentBase64 string `json:"contentBase64"`
	// Truncated reports that more bytes remain beyond this chunk. False is
	// the end-of-content signal; an empty chunk with Truncated=false is a
	// clean EOF.
	Truncated bool `json:"truncated"`
}

// NodeSummary describes one subject for dashboard listings.
type NodeSummary struct {
	Subject string `json:"subject"`
	Name    string `json:"name,omitempty"`
	// Features lists the resource kinds the subject's agent advertised.
	Features    []Kind     `json:"features"`
	Online      bool       `json:"online"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// NodeList is the dashboard listing envelope.
type NodeList struct {
	Nodes []NodeSummary `json:"nodes"`
}

// NodeEventType enumerates real-time node lifecycle events.
type NodeEventType string

const (
	NodeOnline  NodeEventType = "node.online"
	NodeOffline NodeEventType = "node.offline"
)

// NodeEvent is one event on the real-time channel. Clients holding a session
// for Subject should treat NodeOffline as an implicit invalidation ahead of
// the timer-based expiry.
type NodeEvent struct {
	Type    NodeEventType `json:"type"`
	Subject string        `json:"subject"`
	At      time.Time     `json:"at"`
}
