package memoryhost

import (
	"context"
	"sync"
	"time"

	"github.com/manlab/nodescope-go/sessions"
)

const defaultSweepInterval = 30 * time.Second

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu   sync.RWMutex
	recs map[string]entry

	now   func() time.Time
	sweep time.Duration
}

var _ sessions.Host = (*Host)(nil)

type entry struct {
	rec      sessions.Record
	deadline time.Time
}

// Option customizes a Host.
type Option func(*Host)

// WithClock overrides the time source. Tests use this to drive expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// WithSweepInterval overrides how often Run evicts lapsed records.
func WithSweepInterval(d time.Duration) Option {
	return func(h *Host) { h.sweep = d }
}

func New(opts ...Option) *Host {
	h := &Host{
		recs:  make(map[string]entry),
		now:   time.Now,
		sweep: defaultSweepInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) Put(ctx context.Context, rec sessions.Record, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs[rec.SessionID] = entry{rec: rec, deadline: h.now().Add(ttl)}
	return nil
}

func (h *Host) Get(ctx context.Context, sessionID string) (sessions.Record, error) {
	h.mu.RLock()
	e, ok := h.recs[sessionID]
	h.mu.RUnlock()
	if !ok {
		return sessions.Record{}, sessions.ErrNotFound
	}
	if !h.now().Before(e.deadline) {
		h.mu.Lock()
		// Recheck under the write lock; Put may have replaced the record.
		if cur, ok := h.recs[sessionID]; ok && !h.now().Before(cur.deadline) {
			delete(h.recs, sessionID)
		}
		h.mu.Unlock()
		return sessions.Record{}, sessions.ErrNotFound
	}
	return e.rec, nil
}

func (h *Host) Delete(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.recs, sessionID)
	return nil
}

// Len reports the number of stored records, including any whose TTL lapsed
// but have not been swept yet.
func (h *Host) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.recs)
}

// Run evicts lapsed records on a fixed interval until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.evictLapsed()
		}
	}
}

func (h *Host) evictLapsed() {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, e := range h.recs {
		if !now.Before(e.deadline) {
			delete(h.recs, id)
		}
	}
}
