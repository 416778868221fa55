package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPolicy is returned by Resolve for IDs absent from the document.
var ErrUnknownPolicy = errors.New("policy: unknown policy id")

const reloadDebounce = 250 * time.Millisecond

// Store holds the current policy document and serves point-in-time resolved
// policies. When constructed from a file it can hot-reload via Watch.
type Store struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	doc Document
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used by reload and watch paths.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStatic builds a Store around a fixed document. Reload and Watch are
// no-ops for static stores.
func NewStatic(doc Document, opts ...Option) (*Store, error) {
	s := &Store{log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if err := doc.Normalize(); err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// Load reads, parses, and normalizes the YAML document at path.
func Load(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	doc, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

func parseFile(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read policy file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := doc.Normalize(); err != nil {
		return Document{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return doc, nil
}

// Resolve returns the policy stored under id, or the system policy when id
// is empty. The returned value is a copy; mutating it does not affect the
// store.
func (s *Store) Resolve(id string) (Policy, error) {
	if id == "" {
		id = SystemPolicyID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, id)
	}
	return p, nil
}

// Document returns a copy of the current document.
func (s *Store) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Document{Version: s.doc.Version, Policies: make(map[string]Policy, len(s.doc.Policies))}
	for id, p := range s.doc.Policies {
		out.Policies[id] = p
	}
	return out
}

// Reload re-reads the backing file. A document that fails to parse or
// validate leaves the previous document in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	doc, err := parseFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Watch reloads the store whenever the backing file changes, until ctx is
// done. The parent directory is watched rather than the file itself so
// editor save strategies (write to temp, rename over) keep working.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(s.path)
	var debounce *time.Timer
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			}
			pending = debounce.C
		case <-pending:
			pending = nil
			if err := s.Reload(); err != nil {
				s.log.Warn("policy.reload_failed", slog.String("err", err.Error()))
				continue
			}
			s.log.Info("policy.reloaded", slog.String("path", s.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Debug("policy.watch_error", slog.String("err", err.Error()))
		}
	}
}
