package scopes

import (
	"context"
	"sync"

	"github.com/manlab/nodescope-go/wire"
)

// DefaultStreamBufferSize is the default terminal backlog in bytes. 1 MiB
// holds a long stretch of typical console output, comfortably more than one
// session TTL of interactive reading.
const DefaultStreamBufferSize = 1 << 20

// StreamBuffer is a fixed-capacity circular byte history of a live output
// stream. Writers append through io.Writer; readers address the retained
// window by offset, where offset 0 is the oldest retained byte. Once
// capacity is exceeded the oldest bytes drop off and the window slides: a
// reader that falls behind retention observes a spliced stream, the same
// best-effort semantics as reading a file under concurrent mutation.
//
// All methods are safe for concurrent use.
type StreamBuffer struct {
	mu sync.Mutex

	data []byte
	// writePos is the next position to write within the circular buffer.
	writePos int
	// total counts every byte ever written. The retained window holds
	// min(total, capacity) bytes ending at writePos.
	total int64
}

// NewStreamBuffer creates a stream buffer with the given byte capacity.
// Non-positive capacities select DefaultStreamBufferSize.
func NewStreamBuffer(capacity int) *StreamBuffer {
	if capacity <= 0 {
		capacity = DefaultStreamBufferSize
	}
	return &StreamBuffer{data: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes once the buffer is full.
// It implements io.Writer and never fails.
func (b *StreamBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for off := 0; off < len(p); {
		n := len(p) - off
		if avail := len(b.data) - b.writePos; n > avail {
			n = avail
		}
		copy(b.data[b.writePos:b.writePos+n], p[off:off+n])
		b.writePos = (b.writePos + n) % len(b.data)
		off += n
	}
	b.total += int64(len(p))
	return len(p), nil
}

// Len returns the retained window length. It grows monotonically until the
// buffer reaches capacity and stays there.
func (b *StreamBuffer) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stored()
}

// ReadRange copies up to max bytes of the retained window starting at
// offset, and reports the window length sampled in the same critical
// section so callers can derive a consistent continuation flag. Offsets at
// or past the window return no data.
func (b *StreamBuffer) ReadRange(offset int64, max int) ([]byte, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.stored()
	if offset < 0 || offset >= stored || max <= 0 {
		return nil, stored
	}
	n := stored - offset
	if n > int64(max) {
		n = int64(max)
	}
	out := make([]byte, n)
	pos := (b.writePos - int(stored) + int(offset)) % len(b.data)
	if pos < 0 {
		pos += len(b.data)
	}
	for copied := 0; copied < len(out); {
		c := len(out) - copied
		if avail := len(b.data) - pos; c > avail {
			c = avail
		}
		copy(out[copied:copied+c], b.data[pos:pos+c])
		pos = (pos + c) % len(b.data)
		copied += c
	}
	return out, stored
}

func (b *StreamBuffer) stored() int64 {
	if b.total > int64(len(b.data)) {
		return int64(len(b.data))
	}
	return b.total
}

// StreamSource serves a StreamBuffer as the terminal resource kind: one
// anonymous, read-only stream addressed by offset. Listing is not part of
// the terminal surface.
type StreamSource struct {
	buf *StreamBuffer
}

var _ Source = (*StreamSource)(nil)

// NewStreamSource returns a read view over buf. Views are cheap; every
// session open gets its own.
func NewStreamSource(buf *StreamBuffer) *StreamSource {
	return &StreamSource{buf: buf}
}

// List implements Source. Terminal streams have no listable entries.
func (s *StreamSource) List(ctx context.Context, p string, maxEntries int) (Listing, error) {
	return Listing{}, wire.Errorf(wire.CodeFeatureDisabled, "terminal sessions do not support listing")
}

// ReadAt implements Source. The stream is anonymous: only the root path is
// readable. Reads at the stream tip return a clean EOF; pollers re-read
// from their last offset to follow new output.
func (s *StreamSource) ReadAt(ctx context.Context, p string, offset int64, length int) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if p != "" && p != "/" {
		return Chunk{}, wire.Errorf(wire.CodeNotFound, "stream has no path: %s", p)
	}
	if offset < 0 {
		return Chunk{}, wire.Errorf(wire.CodeFailure, "offset must be non-negative")
	}
	if length <= 0 {
		return Chunk{}, wire.Errorf(wire.CodeFailure, "length must be positive")
	}
	data, size := s.buf.ReadRange(offset, length)
	return Chunk{Data: data, More: offset+int64(len(data)) < size}, nil
}

// Close implements Source. The view detaches; the buffer lives on.
func (s *StreamSource) Close() error { return nil }

// NewStreamOpener serves a shared live stream buffer as the terminal kind.
// The requested root is ignored: a terminal session exposes exactly one
// anonymous stream.
func NewStreamOpener(buf *StreamBuffer) Opener {
	return OpenerFunc(func(ctx context.Context, root string) (Source, error) {
		return NewStreamSource(buf), nil
	})
}
