// Package engine coordinates session issuance and scoped access on the
// console side. It is transport-agnostic: consolehttp exposes it over JSON,
// and tests drive it directly.
//
// The engine owns every protocol decision that is not confinement:
// policy resolution, the no-filesystem-touch capability check at creation,
// token verification, expiry, reachability, and the silent clamp of read
// lengths to the session cap. Confinement itself lives with the source that
// serves the node's data.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/manlab/nodescope-go/internal/logctx"
	"github.com/manlab/nodescope-go/internal/sesstoken"
	"github.com/manlab/nodescope-go/policy"
	"github.com/manlab/nodescope-go/registry"
	"github.com/manlab/nodescope-go/scopes"
	"github.com/manlab/nodescope-go/sessions"
	"github.com/manlab/nodescope-go/wire"
)

// Engine is the protocol core. It validates every call against the session
// host, the node registry, and the policy store before any node is asked to
// do work.
type Engine struct {
	host     sessions.Host
	nodes    *registry.Registry
	policies *policy.Store
	keyring  *sesstoken.Keyring

	log     *slog.Logger
	now     func() time.Time
	metrics MetricsSink
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the time source. Expiry decisions and issued
// timestamps all flow through it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

func New(host sessions.Host, nodes *registry.Registry, policies *policy.Store, keyring *sesstoken.Keyring, opts ...Option) *Engine {
	e := &Engine{
		host:     host,
		nodes:    nodes,
		policies: policies,
		keyring:  keyring,
		log:      slog.Default(),
		now:      time.Now,
		metrics:  NopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Chunk is the transport-agnostic read result. Data is raw bytes; JSON
// transports encode at their own boundary.
type Chunk struct {
	Path string
	Data []byte
	// Truncated reports that more bytes remain past this chunk. False with
	// empty Data is a clean end of content.
	Truncated bool
}

// CreateSession issues a session against subject from the named policy. The
// subject's filesystem is never touched here: capability questions are
// answered from what the agent advertised at connect time, so creation stays
// cheap and side-effect free.
func (e *Engine) CreateSession(ctx context.Context, subject string, req wire.CreateSessionRequest) (wire.Session, error) {
	start := time.Now()

	if subject == "" {
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "subject is required"))
	}
	if !wire.IsValidKind(req.Kind) {
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "unknown kind %q", req.Kind))
	}

	pol, err := e.policies.Resolve(req.PolicyID)
	if err != nil {
		if errors.Is(err, policy.ErrUnknownPolicy) {
			return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeNotFound, "unknown policy %q", req.PolicyID))
		}
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "resolve policy: %v", err))
	}
	if pol.Kind != "" && pol.Kind != req.Kind {
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "policy %q does not permit kind %q", req.PolicyID, req.Kind))
	}

	features, online := e.nodes.Features(subject)
	if !online {
		if e.nodes.Known(subject) {
			return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeOffline, "subject %q is offline", subject))
		}
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeNotFound, "unknown subject %q", subject))
	}
	if !kindIn(features, req.Kind) {
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFeatureDisabled, "subject %q does not support %q scopes", subject, req.Kind))
	}

	sid := uuid.NewString()
	now := e.now().UTC()
	ttl := pol.TTL.Std()
	expiresAt := now.Add(ttl)

	rootPath := pol.RootPath
	if rootPath == "" {
		rootPath = "/"
	}

	token, err := sesstoken.Mint(e.keyring, sesstoken.Claims{
		SessionID: sid,
		Subject:   subject,
		Kind:      string(req.Kind),
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		e.log.ErrorContext(ctx, "engine.create_session.fail", slog.String("err", err.Error()))
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "mint session token"))
	}

	rec := sessions.Record{
		Version:         sessions.RecordVersion,
		SessionID:       sid,
		Subject:         subject,
		Kind:            req.Kind,
		PolicyID:        req.PolicyID,
		RootPath:        rootPath,
		MaxBytesPerRead: pol.MaxBytesPerRead,
		CreatedAt:       now,
		ExpiresAt:       expiresAt,
	}
	if err := e.host.Put(ctx, rec, ttl); err != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, Subject: subject, Kind: string(req.Kind)})
		e.log.ErrorContext(ctx, "engine.create_session.fail", slog.String("err", err.Error()))
		return wire.Session{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "persist session"))
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sid, Subject: subject, Kind: string(req.Kind)})
	e.log.InfoContext(ctx, "engine.create_session.ok",
		slog.String("policy", orDefault(req.PolicyID, policy.SystemPolicyID)),
		slog.Time("expires_at", expiresAt),
		slog.Duration("dur", time.Since(start)))
	e.metrics.SessionCreated(req.Kind)

	return wire.Session{
		SessionID:       token,
		Subject:         subject,
		Kind:            req.Kind,
		RootPath:        rootPath,
		MaxBytesPerRead: pol.MaxBytesPerRead,
		ExpiresAt:       expiresAt,
	}, nil
}

// List serves one bounded directory listing within the session's root.
func (e *Engine) List(ctx context.Context, token, path string, maxEntries int) (wire.Listing, error) {
	rec, err := e.resolve(ctx, token)
	if err != nil {
		return wire.Listing{}, e.deny(ctx, err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: rec.SessionID, Subject: rec.Subject, Kind: string(rec.Kind)})

	src, err := e.open(ctx, rec)
	if err != nil {
		return wire.Listing{}, e.deny(ctx, err)
	}
	defer func() { _ = src.Close() }()

	listing, err := src.List(ctx, path, maxEntries)
	if err != nil {
		return wire.Listing{}, e.deny(ctx, err)
	}

	e.log.InfoContext(ctx, "engine.list.ok",
		slog.String("path", path),
		slog.Int("entries", len(listing.Entries)),
		slog.Bool("truncated", listing.Truncated))
	e.metrics.ListServed(rec.Kind, len(listing.Entries))
	return wire.Listing{Entries: listing.Entries, Truncated: listing.Truncated}, nil
}

// Read serves one bounded chunk at (path, offset). Oversized length requests
// are clamped to the session cap, never rejected; a non-positive length
// selects the cap itself.
func (e *Engine) Read(ctx context.Context, token, path string, offset int64, length int) (Chunk, error) {
	rec, err := e.resolve(ctx, token)
	if err != nil {
		return Chunk{}, e.deny(ctx, err)
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: rec.SessionID, Subject: rec.Subject, Kind: string(rec.Kind)})

	if offset < 0 {
		return Chunk{}, e.deny(ctx, wire.Errorf(wire.CodeFailure, "offset must be non-negative"))
	}
	if length <= 0 || length > rec.MaxBytesPerRead {
		length = rec.MaxBytesPerRead
	}

	src, err := e.open(ctx, rec)
	if err != nil {
		return Chunk{}, e.deny(ctx, err)
	}
	defer func() { _ = src.Close() }()

	chunk, err := src.ReadAt(ctx, path, offset, length)
	if err != nil {
		return Chunk{}, e.deny(ctx, err)
	}

	e.log.InfoContext(ctx, "engine.read.ok",
		slog.String("path", path),
		slog.Int64("offset", offset),
		slog.Int("bytes", len(chunk.Data)),
		slog.Bool("more", chunk.More))
	e.metrics.ReadServed(rec.Kind, len(chunk.Data))
	return Chunk{Path: path, Data: chunk.Data, Truncated: chunk.More}, nil
}

// CloseSession releases the session early. Closing a session that is already
// expired, unknown, or forged succeeds without effect: the caller's goal
// state (no live session) already holds.
func (e *Engine) CloseSession(ctx context.Context, token string) error {
	claims, err := sesstoken.Parse(e.keyring, token, e.now())
	if err != nil {
		return nil
	}
	if err := e.host.Delete(ctx, claims.SessionID); err != nil {
		e.log.WarnContext(ctx, "engine.close_session.fail", slog.String("err", err.Error()))
		return e.deny(ctx, wire.Errorf(wire.CodeFailure, "release session"))
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: claims.SessionID, Subject: claims.Subject, Kind: claims.Kind})
	e.log.InfoContext(ctx, "engine.close_session.ok")
	e.metrics.SessionClosed()
	return nil
}

// Nodes surfaces the registry snapshot for the dashboard listing.
func (e *Engine) Nodes(ctx context.Context) wire.NodeList {
	return wire.NodeList{Nodes: e.nodes.Snapshot()}
}

// resolve turns a bearer token into a live session record. Forged, expired,
// and unknown tokens are indistinguishable to the caller so probing tokens
// leaks nothing.
func (e *Engine) resolve(ctx context.Context, token string) (sessions.Record, error) {
	claims, err := sesstoken.Parse(e.keyring, token, e.now())
	if err != nil {
		return sessions.Record{}, wire.Errorf(wire.CodeSessionExpired, "session expired")
	}
	rec, err := e.host.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return sessions.Record{}, wire.Errorf(wire.CodeSessionExpired, "session expired")
		}
		return sessions.Record{}, fmt.Errorf("load session: %w", err)
	}
	if rec.Expired(e.now()) {
		_ = e.host.Delete(ctx, rec.SessionID)
		return sessions.Record{}, wire.Errorf(wire.CodeSessionExpired, "session expired")
	}
	return rec, nil
}

// open obtains the scope source for a live session's node.
func (e *Engine) open(ctx context.Context, rec sessions.Record) (scopes.Source, error) {
	caps, ok := e.nodes.Lookup(rec.Subject)
	if !ok {
		return nil, wire.Errorf(wire.CodeUnreachable, "subject %q became unreachable", rec.Subject)
	}
	src, ok, err := caps.Open(ctx, rec.Kind, rec.RootPath)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wire.Errorf(wire.CodeFeatureDisabled, "subject %q does not support %q scopes", rec.Subject, rec.Kind)
	}
	return src, nil
}

// deny records the protocol code of a failed call before handing the error
// back to the transport.
func (e *Engine) deny(ctx context.Context, err error) error {
	code := wire.CodeOf(err)
	if code != wire.CodeFailure {
		e.log.InfoContext(ctx, "engine.denied", slog.String("code", string(code)))
	}
	e.metrics.ErrorReturned(code)
	return err
}

func kindIn(kinds []wire.Kind, k wire.Kind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
