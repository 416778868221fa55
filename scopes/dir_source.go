package scopes

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/manlab/nodescope-go/wire"
)

// DirSource serves a hierarchical directory tree beneath a single root.
//
// Security: the root is symlink-resolved at open time and every requested
// path is symlink-resolved before use; anything escaping the root is
// reported as not found, never served. Symlinked directory entries are
// omitted from listings.
type DirSource struct {
	dir     string // symlink-resolved absolute directory on disk
	display string // virtual root prefix used in entry paths
}

var _ Source = (*DirSource)(nil)

// NewDirSource opens a directory tree rooted at root. The root must exist
// and be a directory; entry paths are reported beneath the root as given,
// even when symlink resolution relocates it on disk.
func NewDirSource(root string) (*DirSource, error) {
	dir, display, err := openRoot(root)
	if err != nil {
		return nil, err
	}
	return &DirSource{dir: dir, display: display}, nil
}

// List implements Source.
func (s *DirSource) List(ctx context.Context, p string, maxEntries int) (Listing, error) {
	if err := ctx.Err(); err != nil {
		return Listing{}, err
	}
	rel, ok := relativize(s.display, p)
	if !ok {
		return Listing{}, wire.Errorf(wire.CodeNotFound, "path not found: %s", p)
	}
	real, err := resolveUnder(s.dir, rel, p)
	if err != nil {
		return Listing{}, err
	}
	fi, err := os.Stat(real)
	if err != nil {
		return Listing{}, wire.Errorf(wire.CodeNotFound, "path not found: %s", p)
	}
	if !fi.IsDir() {
		return Listing{}, wire.Errorf(wire.CodeNotFound, "not a directory: %s", p)
	}
	ents, err := os.ReadDir(real)
	if err != nil {
		return Listing{}, fmt.Errorf("list %s: %w", p, err)
	}

	maxEntries = clampMaxEntries(maxEntries)
	vbase := path.Join(s.display, rel)
	out := Listing{Entries: make([]wire.DirectoryEntry, 0, min(len(ents), maxEntries))}
	for _, d := range ents {
		if d.Type()&fs.ModeSymlink != 0 {
			continue
		}
		if len(out.Entries) >= maxEntries {
			out.Truncated = true
			break
		}
		e := wire.DirectoryEntry{
			Path:        path.Join(vbase, d.Name()),
			IsDirectory: d.IsDir(),
		}
		if info, ierr := d.Info(); ierr == nil {
			if !d.IsDir() {
				size := info.Size()
				e.Size = &size
			}
			mod := info.ModTime().UTC()
			e.UpdatedAt = &mod
		}
		out.Entries = append(out.Entries, e)
	}
	return out, nil
}

// ReadAt implements Source.
func (s *DirSource) ReadAt(ctx context.Context, p string, offset int64, length int) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	rel, ok := relativize(s.display, p)
	if !ok || rel == "" {
		return Chunk{}, wire.Errorf(wire.CodeNotFound, "file not found: %s", p)
	}
	real, err := resolveUnder(s.dir, rel, p)
	if err != nil {
		return Chunk{}, err
	}
	return readFileChunk(real, p, offset, length)
}

// Close implements Source. Directory sources hold no per-open state.
func (s *DirSource) Close() error { return nil }

// NewDirOpener returns an Opener serving hierarchical directory trees. When
// base is non-empty, requested roots must resolve within it; anything else
// is reported as not found.
func NewDirOpener(base string) Opener {
	return OpenerFunc(func(ctx context.Context, root string) (Source, error) {
		if err := confineRoot(base, root); err != nil {
			return nil, err
		}
		return NewDirSource(root)
	})
}

// openRoot resolves and validates a source root, returning the on-disk
// directory and the virtual display prefix.
func openRoot(root string) (dir, display string, err error) {
	if root == "" {
		return "", "", wire.Errorf(wire.CodeNotFound, "empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", "", fmt.Errorf("resolve root %s: %w", root, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", "", wire.Errorf(wire.CodeNotFound, "root not found: %s", root)
	}
	fi, err := os.Stat(real)
	if err != nil || !fi.IsDir() {
		return "", "", wire.Errorf(wire.CodeNotFound, "root is not a directory: %s", root)
	}
	display = filepath.ToSlash(abs)
	if display != "/" {
		display = strings.TrimRight(display, "/")
	}
	return real, display, nil
}

// confineRoot rejects roots that resolve outside base. An empty base allows
// any root.
func confineRoot(base, root string) error {
	if base == "" {
		return nil
	}
	realBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		return wire.Errorf(wire.CodeNotFound, "export base not found")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return wire.Errorf(wire.CodeNotFound, "root not found: %s", root)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return wire.Errorf(wire.CodeNotFound, "root not found: %s", root)
	}
	if !within(real, realBase) {
		return wire.Errorf(wire.CodeNotFound, "root not found: %s", root)
	}
	return nil
}

// relativize maps a requested path onto the source's virtual root. It
// accepts "", "/", the root itself, absolute paths under the root, and
// root-relative paths. The boolean is false when the path textually escapes
// the root.
func relativize(display, p string) (string, bool) {
	if p == "" || p == "/" {
		return "", true
	}
	q := path.Clean(p)
	switch {
	case q == display:
		return "", true
	case display == "/" && strings.HasPrefix(q, "/"):
		q = strings.TrimPrefix(q, "/")
	case strings.HasPrefix(q, display+"/"):
		q = strings.TrimPrefix(q, display+"/")
	case strings.HasPrefix(q, "/"):
		// Absolute, not under the root.
		return "", false
	}
	if q == "" || q == "." {
		return "", true
	}
	if q == ".." || strings.HasPrefix(q, "../") {
		return "", false
	}
	// Reject Windows volume roots or scheme-looking segments.
	if strings.Contains(q, ":") {
		return "", false
	}
	if !fs.ValidPath(q) {
		return "", false
	}
	return q, true
}

// resolveUnder joins rel beneath dir and symlink-resolves it, requiring the
// result to stay within dir. orig is the request path, used for error text.
func resolveUnder(dir, rel, orig string) (string, error) {
	abs := dir
	if rel != "" {
		abs = filepath.Join(dir, filepath.FromSlash(rel))
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", wire.Errorf(wire.CodeNotFound, "path not found: %s", orig)
	}
	if !within(real, dir) {
		return "", wire.Errorf(wire.CodeNotFound, "path not found: %s", orig)
	}
	return real, nil
}

// within reports whether target is root itself or a descendant of root.
func within(target, root string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || strings.HasPrefix(rel, "../") {
		return false
	}
	return true
}

// readFileChunk serves one offset-addressed chunk of a regular file. vpath
// is the request path, used for error text. Size is sampled once up front:
// concurrent writers get best-effort snapshot semantics.
func readFileChunk(real, vpath string, offset int64, length int) (Chunk, error) {
	if offset < 0 {
		return Chunk{}, wire.Errorf(wire.CodeFailure, "offset must be non-negative")
	}
	if length <= 0 {
		return Chunk{}, wire.Errorf(wire.CodeFailure, "length must be positive")
	}
	fi, err := os.Stat(real)
	if err != nil {
		return Chunk{}, wire.Errorf(wire.CodeNotFound, "file not found: %s", vpath)
	}
	if fi.IsDir() {
		return Chunk{}, wire.Errorf(wire.CodeNotFound, "not a file: %s", vpath)
	}
	size := fi.Size()
	if offset >= size {
		return Chunk{}, nil
	}
	want := size - offset
	if want > int64(length) {
		want = int64(length)
	}
	f, err := os.Open(real)
	if err != nil {
		return Chunk{}, wire.Errorf(wire.CodeNotFound, "file not found: %s", vpath)
	}
	defer f.Close()
	buf := make([]byte, want)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return Chunk{}, fmt.Errorf("read %s: %w", vpath, err)
	}
	return Chunk{Data: buf[:n], More: offset+int64(n) < size}, nil
}
