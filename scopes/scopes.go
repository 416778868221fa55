package scopes

import (
	"context"

	"github.com/manlab/nodescope-go/wire"
)

// Listing bounds for list calls. Callers asking for zero or fewer entries
// receive DefaultMaxEntries; nothing can raise the bound past
// MaxEntriesLimit.
const (
	DefaultMaxEntries = 500
	MaxEntriesLimit   = 10000
)

// Capabilities reports the resource kinds one subject can serve and opens
// scoped sources for them. Implementations include the static Service
// container in this package and the server-side handle of a connected agent
// link.
type Capabilities interface {
	// Open prepares a source of the given kind confined beneath root. The
	// boolean reports whether the subject serves the kind at all; callers
	// map a false value to wire.ErrFeatureDisabled. A true value with a
	// non-nil error means the kind is supported but the root could not be
	// opened.
	Open(ctx context.Context, kind wire.Kind, root string) (Source, bool, error)
}

// CapabilitiesFunc adapts a function to the Capabilities interface.
type CapabilitiesFunc func(ctx context.Context, kind wire.Kind, root string) (Source, bool, error)

// Open implements Capabilities.
func (f CapabilitiesFunc) Open(ctx context.Context, kind wire.Kind, root string) (Source, bool, error) {
	return f(ctx, kind, root)
}

// Source is the unified scoped-session abstraction: one open source serves
// bounded listings and offset-addressed chunk reads beneath its root.
// Sources must be safe for concurrent use; reads are pure and never mutate
// the underlying resource.
type Source interface {
	// List returns up to maxEntries direct children of path. Path may be
	// empty or "/" for the source root, an absolute path under the root, or
	// a root-relative path. Kinds without listing support (terminal) fail
	// with wire.ErrFeatureDisabled.
	List(ctx context.Context, path string, maxEntries int) (Listing, error)
	// ReadAt returns up to length bytes of path starting at offset. Reads
	// at or past the end of content return an empty chunk with More=false.
	ReadAt(ctx context.Context, path string, offset int64, length int) (Chunk, error)
	// Close releases any per-open state. Sources backed by shared buffers
	// detach without disturbing other readers.
	Close() error
}

// Listing is the bounded result of one list call.
type Listing struct {
	Entries   []wire.DirectoryEntry
	Truncated bool
}

// Chunk is one bounded slice of content. More reports that bytes remain
// past offset+len(Data); a false value signals clean end-of-content.
type Chunk struct {
	Data []byte
	More bool
}

// An Opener binds one resource kind: it opens sources confined beneath a
// requested root.
type Opener interface {
	Open(ctx context.Context, root string) (Source, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, root string) (Source, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, root string) (Source, error) {
	return f(ctx, root)
}

// clampMaxEntries applies the listing bounds shared by every source.
func clampMaxEntries(n int) int {
	if n <= 0 {
		return DefaultMaxEntries
	}
	if n > MaxEntriesLimit {
		return MaxEntriesLimit
	}
	return n
}
