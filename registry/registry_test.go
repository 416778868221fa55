package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/manlab/nodescope-go/scopes"
	"github.com/manlab/nodescope-go/wire"
)

func noCaps() scopes.Capabilities {
	return scopes.CapabilitiesFunc(func(ctx context.Context, kind wire.Kind, root string) (scopes.Source, bool, error) {
		return nil, false, nil
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

func TestRegisterLookupDeregister(t *testing.T) {
	t.Parallel()

	r := New()
	if r.Online("node-1") {
		t.Fatal("unknown subject should be offline")
	}

	reg := r.Register("node-1", "build box", []wire.Kind{wire.KindFiles}, noCaps())
	caps, ok := r.Lookup("node-1")
	if !ok || caps == nil {
		t.Fatal("expected live capabilities after register")
	}

	reg.Deregister()
	if _, ok := r.Lookup("node-1"); ok {
		t.Fatal("expected no capabilities after deregister")
	}
	if !r.Known("node-1") {
		t.Fatal("departed node should remain known for the retention window")
	}
}

func TestStaleDeregisterDoesNotRemoveReplacement(t *testing.T) {
	t.Parallel()

	r := New()
	old := r.Register("node-1", "first link", []wire.Kind{wire.KindFiles}, noCaps())
	_ = r.Register("node-1", "second link", []wire.Kind{wire.KindFiles}, noCaps())

	// The first connection's deferred cleanup fires after the agent already
	// reconnected. It must not knock the fresh link offline.
	old.Deregister()

	if !r.Online("node-1") {
		t.Fatal("replacement link should stay online")
	}
}

func TestSnapshotSortedAndAnnotated(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(WithClock(clock.Now))

	r.Register("node-b", "b", []wire.Kind{wire.KindLogs}, noCaps())
	regA := r.Register("node-a", "a", []wire.Kind{wire.KindFiles, wire.KindTerminal}, noCaps())
	clock.Advance(time.Minute)
	regA.Deregister()

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(snap))
	}
	if snap[0].Subject != "node-a" || snap[1].Subject != "node-b" {
		t.Fatalf("snapshot not sorted by subject: %+v", snap)
	}

	a, b := snap[0], snap[1]
	if a.Online {
		t.Fatal("node-a should be offline")
	}
	if a.LastSeen == nil || !a.LastSeen.Equal(clock.Now().UTC()) {
		t.Fatalf("node-a LastSeen = %v", a.LastSeen)
	}
	if !b.Online || b.ConnectedAt == nil {
		t.Fatalf("node-b should be online with ConnectedAt, got %+v", b)
	}
	if len(a.Features) != 2 || a.Features[0] != wire.KindFiles {
		t.Fatalf("node-a features = %v", a.Features)
	}
}

func TestEventsFanOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	r := New()
	ch1 := r.Subscribe()
	ch2 := r.Subscribe()
	defer r.Unsubscribe(ch1)
	defer r.Unsubscribe(ch2)

	reg := r.Register("node-1", "", []wire.Kind{wire.KindFiles}, noCaps())
	reg.Deregister()

	for _, ch := range []chan wire.NodeEvent{ch1, ch2} {
		ev := <-ch
		if ev.Type != wire.NodeOnline || ev.Subject != "node-1" {
			t.Fatalf("first event = %+v, want online node-1", ev)
		}
		ev = <-ch
		if ev.Type != wire.NodeOffline || ev.Subject != "node-1" {
			t.Fatalf("second event = %+v, want offline node-1", ev)
		}
	}
}

func TestReplacementEmitsOfflineThenOnline(t *testing.T) {
	t.Parallel()

	r := New()
	r.Register("node-1", "", []wire.Kind{wire.KindFiles}, noCaps())

	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	r.Register("node-1", "", []wire.Kind{wire.KindFiles}, noCaps())

	ev := <-ch
	if ev.Type != wire.NodeOffline {
		t.Fatalf("expected offline for the dead link first, got %+v", ev)
	}
	ev = <-ch
	if ev.Type != wire.NodeOnline {
		t.Fatalf("expected online for the new link, got %+v", ev)
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	r := New()
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	// Never drain ch; overflow must be dropped, not block registration.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			reg := r.Register("node-1", "", nil, noCaps())
			reg.Deregister()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestPruneOfflineRespectsRetention(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	r := New(WithClock(clock.Now), WithOfflineRetention(10*time.Minute))

	reg := r.Register("node-1", "", []wire.Kind{wire.KindFiles}, noCaps())
	reg.Deregister()
	r.Register("node-2", "", []wire.Kind{wire.KindFiles}, noCaps())

	clock.Advance(5 * time.Minute)
	if removed := r.PruneOffline(); removed != 0 {
		t.Fatalf("pruned %d nodes inside the retention window", removed)
	}

	clock.Advance(6 * time.Minute)
	if removed := r.PruneOffline(); removed != 1 {
		t.Fatalf("pruned %d nodes, want 1", removed)
	}
	if r.Known("node-1") {
		t.Fatal("node-1 should be gone after pruning")
	}
	if !r.Online("node-2") {
		t.Fatal("online nodes must never be pruned")
	}
}
