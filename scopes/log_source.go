package scopes

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/manlab/nodescope-go/wire"
)

// defaultLogPatterns hides everything but conventional log files when an
// opener is built without explicit patterns.
var defaultLogPatterns = []string{"*.log"}

// LogSource serves a flat set of log files: the direct children of a single
// directory, filtered by glob patterns. Subdirectories are hidden and cannot
// be listed or read through it.
type LogSource struct {
	dir      string
	display  string
	patterns []string
}

var _ Source = (*LogSource)(nil)

// NewLogSource opens the log directory at root. Patterns are matched against
// bare file names with path.Match semantics; when none are given, "*.log"
// applies.
func NewLogSource(root string, patterns ...string) (*LogSource, error) {
	dir, display, err := openRoot(root)
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		patterns = defaultLogPatterns
	}
	return &LogSource{dir: dir, display: display, patterns: patterns}, nil
}

func (s *LogSource) matches(name string) bool {
	for _, pat := range s.patterns {
		if ok, err := path.Match(pat, name); err == nil && ok {
			return true
		}
	}
	return false
}

// List implements Source. Only the root of the source can be listed; the
// log view has no hierarchy.
func (s *LogSource) List(ctx context.Context, p string, maxEntries int) (Listing, error) {
	if err := ctx.Err(); err != nil {
		return Listing{}, err
	}
	rel, ok := relativize(s.display, p)
	if !ok || rel != "" {
		return Listing{}, wire.Errorf(wire.CodeNotFound, "path not found: %s", p)
	}
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return Listing{}, fmt.Errorf("list logs: %w", err)
	}

	maxEntries = clampMaxEntries(maxEntries)
	var out Listing
	for _, d := range ents {
		if d.IsDir() || d.Type()&fs.ModeSymlink != 0 || !s.matches(d.Name()) {
			continue
		}
		if len(out.Entries) >= maxEntries {
			out.Truncated = true
			break
		}
		e := wire.DirectoryEntry{Path: path.Join(s.display, d.Name())}
		if info, ierr := d.Info(); ierr == nil {
			size := info.Size()
			e.Size = &size
			mod := info.ModTime().UTC()
			e.UpdatedAt = &mod
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// ReadAt implements Source. Only files the listing exposes are readable.
func (s *LogSource) ReadAt(ctx context.Context, p string, offset int64, length int) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	rel, ok := relativize(s.display, p)
	if !ok || rel == "" || strings.Contains(rel, "/") || !s.matches(rel) {
		return Chunk{}, wire.Errorf(wire.CodeNotFound, "file not found: %s", p)
	}
	real, err := resolveUnder(s.dir, rel, p)
	if err != nil {
		return Chunk{}, err
	}
	return readFileChunk(real, p, offset, length)
}

// Close implements Source. Log sources hold no per-open state.
func (s *LogSource) Close() error { return nil }

// NewLogOpener returns an Opener serving flat log directories. When base is
// non-empty, requested roots must resolve within it.
func NewLogOpener(base string, patterns ...string) Opener {
	return OpenerFunc(func(ctx context.Context, root string) (Source, error) {
		if err := confineRoot(base, root); err != nil {
			return nil, err
		}
		return NewLogSource(root, patterns...)
	})
}
