package scopeclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/manlab/nodescope-go/wire"
)

// maxReadIterations bounds one reassembly loop. A server that keeps
// promising more data never holds a fetch hostage: crossing the cap fails
// the read with a protocol violation instead of looping forever.
const maxReadIterations = 50000

// Fetch reassembles the complete content of path through sess. Chunks are
// requested sequentially at ascending offsets, each asking for the session's
// full per-read budget, until the server reports the end of content. On any
// error the partial buffer is discarded, never returned.
func (c *Client) Fetch(ctx context.Context, sess wire.Session, path string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.FetchTo(ctx, &buf, sess, path); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchTo streams the complete content of path into w. Bytes already written
// before a failure stay written; callers that need all-or-nothing semantics
// write to a temporary destination and discard it on error.
func (c *Client) FetchTo(ctx context.Context, w io.Writer, sess wire.Session, path string) error {
	if sess.MaxBytesPerRead <= 0 {
		return wire.Errorf(wire.CodeFailure, "session carries no per-read byte budget")
	}

	var offset int64
	for i := 0; i < maxReadIterations; i++ {
		chunk, err := c.Read(ctx, sess.SessionID, path, offset, sess.MaxBytesPerRead)
		if err != nil {
			return err
		}
		if len(chunk.Data) == 0 && chunk.Truncated {
			return wire.Errorf(wire.CodeProtocolViolation,
				"empty chunk with more promised at offset %d", offset)
		}
		if len(chunk.Data) > 0 {
			if _, err := w.Write(chunk.Data); err != nil {
				return fmt.Errorf("write chunk: %w", err)
			}
			offset += int64(len(chunk.Data))
		}
		if !chunk.Truncated {
			return nil
		}
	}
	return wire.Errorf(wire.CodeProtocolViolation,
		"read loop exceeded %d iterations for %s", maxReadIterations, path)
}

// Preview fetches at most limit bytes of path in a single bounded read, so a
// multi-gigabyte file never gets pulled into memory for display. The boolean
// reports whether content continues past the preview; limit <= 0 selects the
// session's per-read cap.
func (c *Client) Preview(ctx context.Context, sess wire.Session, path string, limit int) ([]byte, bool, error) {
	if limit <= 0 || limit > sess.MaxBytesPerRead {
		limit = sess.MaxBytesPerRead
	}
	chunk, err := c.Read(ctx, sess.SessionID, path, 0, limit)
	if err != nil {
		return nil, false, err
	}
	return chunk.Data, chunk.Truncated, nil
}

// textLikeExtensions drive the preview-or-download decision for files whose
// content type is unknown. The set errs toward download: binary content
// rendered as text is worse than one extra download.
var textLikeExtensions = map[string]struct{}{
	".txt": {}, ".log": {}, ".md": {}, ".json": {}, ".yaml": {}, ".yml": {},
	".xml": {}, ".csv": {}, ".toml": {}, ".ini": {}, ".conf": {}, ".cfg": {},
	".env": {}, ".sh": {}, ".service": {}, ".properties": {},
}

// IsTextLike reports whether p's extension suggests previewable text.
func IsTextLike(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	_, ok := textLikeExtensions[ext]
	return ok
}
