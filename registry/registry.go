// Package registry tracks which subjects currently have a live agent link
// and fans node lifecycle events out to real-time subscribers.
//
// The registry is the single authority the engine consults for reachability:
// a subject is online exactly while its agent connection holds a live
// registration. Offline subjects linger in snapshots (with LastSeen set) for
// a retention window so dashboards can show recently departed nodes.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/manlab/nodescope-go/scopes"
	"github.com/manlab/nodescope-go/wire"
)

const defaultOfflineRetention = time.Hour

// Registry is safe for concurrent use.
type Registry struct {
	log   *slog.Logger
	now   func() time.Time
	keep  time.Duration
	nextG uint64

	mu    sync.RWMutex
	nodes map[string]*entry
	subs  map[chan wire.NodeEvent]struct{}
}

type entry struct {
	gen         uint64
	name        string
	kinds       []wire.Kind
	caps        scopes.Capabilities
	connectedAt time.Time
	lastSeen    time.Time
	online      bool
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithOfflineRetention overrides how long departed nodes stay visible in
// snapshots.
func WithOfflineRetention(d time.Duration) Option {
	return func(r *Registry) { r.keep = d }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		log:   slog.Default(),
		now:   time.Now,
		keep:  defaultOfflineRetention,
		nodes: make(map[string]*entry),
		subs:  make(map[chan wire.NodeEvent]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registration is the handle returned by Register. Deregister is safe to
// call from a deferred cleanup even after the subject re-registered: it only
// removes the generation it created.
type Registration struct {
	r       *Registry
	subject string
	gen     uint64
}

// Register records subject as online and returns the handle that undoes it.
// Registering a subject that is already online replaces the previous link;
// the replaced link's Deregister becomes a no-op.
func (r *Registry) Register(subject, name string, kinds []wire.Kind, caps scopes.Capabilities) *Registration {
	now := r.now().UTC()

	r.mu.Lock()
	r.nextG++
	gen := r.nextG
	prev, had := r.nodes[subject]
	r.nodes[subject] = &entry{
		gen:         gen,
		name:        name,
		kinds:       append([]wire.Kind(nil), kinds...),
		caps:        caps,
		connectedAt: now,
		lastSeen:    now,
		online:      true,
	}
	r.mu.Unlock()

	if had && prev.online {
		// The old link died without deregistering; surface the gap.
		r.publish(wire.NodeEvent{Type: wire.NodeOffline, Subject: subject, At: now})
	}
	r.publish(wire.NodeEvent{Type: wire.NodeOnline, Subject: subject, At: now})
	r.log.Info("registry.node_online",
		slog.String("subject", subject),
		slog.String("name", name),
		slog.Int("kinds", len(kinds)))
	return &Registration{r: r, subject: subject, gen: gen}
}

// Deregister marks the subject offline if this registration is still the
// live one.
func (reg *Registration) Deregister() {
	r := reg.r
	now := r.now().UTC()

	r.mu.Lock()
	e, ok := r.nodes[reg.subject]
	if !ok || e.gen != reg.gen {
		r.mu.Unlock()
		return
	}
	e.online = false
	e.caps = nil
	e.lastSeen = now
	r.mu.Unlock()

	r.publish(wire.NodeEvent{Type: wire.NodeOffline, Subject: reg.subject, At: now})
	r.log.Info("registry.node_offline", slog.String("subject", reg.subject))
}

// Lookup returns the capability surface for an online subject.
func (r *Registry) Lookup(subject string) (scopes.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[subject]
	if !ok || !e.online {
		return nil, false
	}
	return e.caps, true
}

// Online reports whether the subject has a live agent link.
func (r *Registry) Online(subject string) bool {
	_, ok := r.Lookup(subject)
	return ok
}

// Features returns the kinds advertised by an online subject's agent. It is
// how capability questions are answered without touching the node itself.
func (r *Registry) Features(subject string) ([]wire.Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[subject]
	if !ok || !e.online {
		return nil, false
	}
	return append([]wire.Kind(nil), e.kinds...), true
}

// Known reports whether the subject is present at all, online or recently
// departed.
func (r *Registry) Known(subject string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[subject]
	return ok
}

// Snapshot lists all known nodes sorted by subject.
func (r *Registry) Snapshot() []wire.NodeSummary {
	r.mu.RLock()
	out := make([]wire.NodeSummary, 0, len(r.nodes))
	for subject, e := range r.nodes {
		s := wire.NodeSummary{
			Subject:  subject,
			Name:     e.name,
			Features: append([]wire.Kind(nil), e.kinds...),
			Online:   e.online,
		}
		if e.online {
			connectedAt := e.connectedAt
			s.ConnectedAt = &connectedAt
		} else {
			lastSeen := e.lastSeen
			s.LastSeen = &lastSeen
		}
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// Subscribe adds a subscriber and returns its event channel. The caller must
// call Unsubscribe when done.
func (r *Registry) Subscribe() chan wire.NodeEvent {
	ch := make(chan wire.NodeEvent, 64)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Registry) Unsubscribe(ch chan wire.NodeEvent) {
	r.mu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.mu.Unlock()
}

// publish sends an event to all subscribers. Non-blocking: drops events for
// slow consumers.
func (r *Registry) publish(ev wire.NodeEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// PruneOffline drops departed nodes whose retention window has lapsed and
// returns how many were removed.
func (r *Registry) PruneOffline() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for subject, e := range r.nodes {
		if !e.online && now.Sub(e.lastSeen) > r.keep {
			delete(r.nodes, subject)
			removed++
		}
	}
	return removed
}

// Run prunes departed nodes on a fixed interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.keep / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.PruneOffline()
		}
	}
}
