package memoryhost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manlab/nodescope-go/sessions"
	"github.com/manlab/nodescope-go/sessions/hosttest"
	"github.com/manlab/nodescope-go/wire"
)

func TestHostConformance(t *testing.T) {
	hosttest.RunHostTests(t, func(t *testing.T) sessions.Host {
		return New()
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func rec(id string) sessions.Record {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return sessions.Record{
		Version:         sessions.RecordVersion,
		SessionID:       id,
		Subject:         "node-1",
		Kind:            wire.KindFiles,
		RootPath:        "/data",
		MaxBytesPerRead: 65536,
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func TestExpiryWithVirtualClock(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := New(WithClock(clock.Now))
	ctx := context.Background()

	if err := h.Put(ctx, rec("sess-1"), 5*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(5*time.Minute - time.Second)
	if _, err := h.Get(ctx, "sess-1"); err != nil {
		t.Fatalf("Get just before deadline: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := h.Get(ctx, "sess-1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound at deadline, got %v", err)
	}
}

func TestLazyExpiryEvictsRecord(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := New(WithClock(clock.Now))
	ctx := context.Background()

	if err := h.Put(ctx, rec("sess-1"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := h.Get(ctx, "sess-1"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := h.Len(); got != 0 {
		t.Fatalf("expected lapsed record to be evicted, still holding %d", got)
	}
}

func TestEvictLapsedSweepsOnlyLapsed(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	h := New(WithClock(clock.Now))
	ctx := context.Background()

	if err := h.Put(ctx, rec("short"), time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Put(ctx, rec("long"), time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	clock.Advance(10 * time.Minute)
	h.evictLapsed()

	if got := h.Len(); got != 1 {
		t.Fatalf("expected 1 surviving record, got %d", got)
	}
	if _, err := h.Get(ctx, "long"); err != nil {
		t.Fatalf("long-lived record should survive sweep: %v", err)
	}
}
