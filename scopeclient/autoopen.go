package scopeclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/manlab/nodescope-go/wire"
)

// AutoOpener re-issues a session whenever its subject comes online. A
// feature_disabled answer latches the opener off: the server will never
// satisfy that request, so retrying on every online transition would be a
// retry storm against a permanent refusal. Rearm clears the latch after
// explicit user action. Transient failures (offline race, expired issuance)
// leave the opener armed for the next online transition.
type AutoOpener struct {
	client  *Client
	subject string
	req     wire.CreateSessionRequest
	log     *slog.Logger

	onOpen  func(wire.Session)
	onError func(error)

	mu       sync.Mutex
	disabled bool
}

// AutoOpenerOption configures an AutoOpener.
type AutoOpenerOption func(*AutoOpener)

// WithOnOpen registers the consumer of freshly opened sessions.
func WithOnOpen(fn func(wire.Session)) AutoOpenerOption {
	return func(a *AutoOpener) { a.onOpen = fn }
}

// WithOnError registers an observer for failed open attempts.
func WithOnError(fn func(error)) AutoOpenerOption {
	return func(a *AutoOpener) { a.onError = fn }
}

// WithAutoOpenerLogger sets the logger for open attempts.
func WithAutoOpenerLogger(log *slog.Logger) AutoOpenerOption {
	return func(a *AutoOpener) { a.log = log }
}

// NewAutoOpener watches subject and issues sessions shaped by req.
func NewAutoOpener(client *Client, subject string, req wire.CreateSessionRequest, opts ...AutoOpenerOption) *AutoOpener {
	a := &AutoOpener{
		client:  client,
		subject: subject,
		req:     req,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// HandleEvent reacts to one node lifecycle event: an online transition of
// the watched subject triggers an open attempt.
func (a *AutoOpener) HandleEvent(ctx context.Context, ev wire.NodeEvent) {
	if ev.Type != wire.NodeOnline || ev.Subject != a.subject {
		return
	}
	a.TryOpen(ctx)
}

// TryOpen attempts one issuance now. It reports false when the opener is
// latched off or the attempt failed.
func (a *AutoOpener) TryOpen(ctx context.Context) (wire.Session, bool) {
	a.mu.Lock()
	if a.disabled {
		a.mu.Unlock()
		return wire.Session{}, false
	}
	a.mu.Unlock()

	sess, err := a.client.CreateSession(ctx, a.subject, a.req)
	if err != nil {
		if errors.Is(err, wire.ErrFeatureDisabled) {
			a.mu.Lock()
			a.disabled = true
			a.mu.Unlock()
			a.log.Info("autoopen.latched",
				slog.String("subject", a.subject),
				slog.String("err", err.Error()))
		} else {
			a.log.Warn("autoopen.fail",
				slog.String("subject", a.subject),
				slog.String("err", err.Error()))
		}
		if a.onError != nil {
			a.onError(err)
		}
		return wire.Session{}, false
	}

	a.log.Info("autoopen.ok",
		slog.String("subject", a.subject),
		slog.String("kind", string(sess.Kind)))
	if a.onOpen != nil {
		a.onOpen(sess)
	}
	return sess, true
}

// Disabled reports whether the feature_disabled latch is set.
func (a *AutoOpener) Disabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled
}

// Rearm clears the feature_disabled latch so explicit user action can try
// again.
func (a *AutoOpener) Rearm() {
	a.mu.Lock()
	a.disabled = false
	a.mu.Unlock()
}

// Run consumes the console event stream until ctx ends, attempting an open
// on every online transition of the watched subject.
func (a *AutoOpener) Run(ctx context.Context) error {
	return a.client.Events(ctx, func(ev wire.NodeEvent) { a.HandleEvent(ctx, ev) })
}
