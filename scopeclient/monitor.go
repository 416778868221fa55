package scopeclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/manlab/nodescope-go/wire"
)

// SessionState is the lifecycle monitor's view of one session slot.
type SessionState int

const (
	// StateNoSession means no session is held; the next step is issuance.
	StateNoSession SessionState = iota
	// StateActive means a session is held and not yet expired.
	StateActive
	// StateExpired marks the instant a held session lapsed. It is transient:
	// the monitor settles in StateNoSession immediately after publishing it,
	// so it appears in change notifications but never from Current.
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is one published view of the monitor.
type Snapshot struct {
	State SessionState
	// Session is the held session while Active, or the session that just
	// lapsed on an Expired notification.
	Session   wire.Session
	Remaining time.Duration
	// Countdown is the display string, "4m 32s" or "17s" under a minute.
	Countdown string
}

// Monitor owns one session slot and its countdown. Sessions are never
// renewed in place: once the monitor fires the expiry transition it discards
// the session and the owner must issue a new one explicitly.
type Monitor struct {
	now      func() time.Time
	tick     time.Duration
	onChange func(Snapshot)

	mu    sync.Mutex
	state SessionState
	sess  wire.Session
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTickInterval overrides the 1 second countdown interval used by Run.
func WithTickInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithOnChange registers the snapshot consumer. It is invoked synchronously
// on every transition and every Active tick, outside the monitor's lock.
func WithOnChange(fn func(Snapshot)) MonitorOption {
	return func(m *Monitor) { m.onChange = fn }
}

// NewMonitor builds a monitor in the NoSession state.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		now:   time.Now,
		tick:  time.Second,
		state: StateNoSession,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set installs a freshly issued session and enters Active.
func (m *Monitor) Set(sess wire.Session) {
	m.mu.Lock()
	m.sess = sess
	m.state = StateActive
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish(snap)
}

// Clear drops the held session without an expiry notification, for explicit
// close and navigation-away paths.
func (m *Monitor) Clear() {
	m.mu.Lock()
	if m.state == StateNoSession {
		m.mu.Unlock()
		return
	}
	m.sess = wire.Session{}
	m.state = StateNoSession
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.publish(snap)
}

// MarkOffline invalidates the held session when its subject drops off the
// fleet, ahead of the timer-based expiry. Sessions for other subjects are
// untouched.
func (m *Monitor) MarkOffline(subject string) {
	m.mu.Lock()
	if m.state != StateActive || m.sess.Subject != subject {
		m.mu.Unlock()
		return
	}
	snap := m.expireLocked()
	m.mu.Unlock()
	m.publish(snap)
}

// HandleEvent applies one node lifecycle event from the console's event
// stream.
func (m *Monitor) HandleEvent(ev wire.NodeEvent) {
	if ev.Type == wire.NodeOffline {
		m.MarkOffline(ev.Subject)
	}
}

// Tick re-derives the countdown and fires the expiry transition the moment
// the session lapsed. Exported so tests and alternative schedulers can drive
// the monitor without wall-clock waits.
func (m *Monitor) Tick() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	var snap Snapshot
	if m.sess.Expired(m.now()) {
		snap = m.expireLocked()
	} else {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()
	m.publish(snap)
}

// Current returns the present view without side effects. Between ticks an
// already-lapsed session still reads Active with a zero countdown; the
// transition itself belongs to Tick.
func (m *Monitor) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Run drives Tick on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Tick()
		}
	}
}

// expireLocked discards the session and builds the transition notification.
func (m *Monitor) expireLocked() Snapshot {
	old := m.sess
	m.sess = wire.Session{}
	m.state = StateNoSession
	return Snapshot{State: StateExpired, Session: old, Countdown: "0s"}
}

func (m *Monitor) snapshotLocked() Snapshot {
	if m.state != StateActive {
		return Snapshot{State: StateNoSession}
	}
	remaining := m.sess.ExpiresAt.Sub(m.now())
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		State:     StateActive,
		Session:   m.sess,
		Remaining: remaining,
		Countdown: formatCountdown(remaining),
	}
}

func (m *Monitor) publish(s Snapshot) {
	if m.onChange != nil {
		m.onChange(s)
	}
}

// formatCountdown renders remaining time as "4m 32s", or "17s" under a
// minute. Partial seconds round up so the display reads "1s" until expiry
// actually arrives.
func formatCountdown(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs >= 60 {
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	}
	return fmt.Sprintf("%ds", secs)
}
