package consolehttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/manlab/nodescope-go/auth"
	"github.com/manlab/nodescope-go/internal/engine"
	"github.com/manlab/nodescope-go/internal/logctx"
	"github.com/manlab/nodescope-go/internal/wellknown"
	"github.com/manlab/nodescope-go/policy"
	"github.com/manlab/nodescope-go/registry"
	"github.com/manlab/nodescope-go/wire"
)

var _ http.Handler = (*ConsoleHandler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultKeepAlive = 25 * time.Second
	maxBodyBytes     = 1 << 20
)

// Option configures the ConsoleHandler.
type Option func(*newConfig)

type newConfig struct {
	serverName     string
	logger         *slog.Logger
	securityConfig *auth.SecurityConfig
	realm          string
	keepAlive      time.Duration
}

// WithServerName sets a human-readable name surfaced in protected resource
// metadata.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// go to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithSecurityConfig provides an explicit security configuration for
// advertisement, overriding whatever the authenticator describes.
func WithSecurityConfig(sc auth.SecurityConfig) Option {
	return func(c *newConfig) { cc := sc.Copy(); c.securityConfig = &cc }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithKeepAlive sets the comment-frame interval on the events stream. Zero
// restores the default.
func WithKeepAlive(d time.Duration) Option {
	return func(c *newConfig) { c.keepAlive = d }
}

// ConsoleHandler serves the operator-facing REST and SSE surface: session
// issuance, scoped listing and reads, the node dashboard, the live event
// stream, and policy introspection.
type ConsoleHandler struct {
	mux            *http.ServeMux
	log            *slog.Logger
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
	serverURL      *url.URL

	auth      auth.Authenticator
	eng       *engine.Engine
	nodes     *registry.Registry
	policies  *policy.Store
	realm     string
	keepAlive time.Duration
}

// New constructs a ConsoleHandler.
//
// Required:
//   - publicEndpoint: externally visible base URL of the console (scheme, host)
//   - eng: the session engine
//   - nodes: the live node registry (event stream, dashboard)
//   - policies: the policy store (introspection endpoints)
//   - authenticator: bearer token validator; may also implement
//     auth.SecurityDescriptor to drive metadata advertisement
//
// Advertisement resolution order: explicit WithSecurityConfig, then an
// authenticator implementing auth.SecurityDescriptor. With neither, the
// handler serves no well-known metadata and challenges omit it.
func New(publicEndpoint string, eng *engine.Engine, nodes *registry.Registry, policies *policy.Store, authenticator auth.Authenticator, opts ...Option) (*ConsoleHandler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if nodes == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	baseURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid console URL %q: %w", publicEndpoint, err)
	}
	if baseURL.Scheme != "https" && baseURL.Scheme != "http" {
		return nil, fmt.Errorf("console URL must use HTTP or HTTPS scheme, got %q", baseURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), keepAlive: defaultKeepAlive}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.keepAlive <= 0 {
		cfg.keepAlive = defaultKeepAlive
	}

	var resolved *auth.SecurityConfig
	if cfg.securityConfig != nil {
		cc := cfg.securityConfig.Copy()
		resolved = &cc
	}
	if resolved == nil {
		if sd, ok := authenticator.(auth.SecurityDescriptor); ok {
			cc := sd.SecurityConfig().Copy()
			resolved = &cc
		}
	}

	h := &ConsoleHandler{
		log:       slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		serverURL: baseURL,
		auth:      authenticator,
		eng:       eng,
		nodes:     nodes,
		policies:  policies,
		realm:     cfg.realm,
		keepAlive: cfg.keepAlive,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/nodes/{subject}/sessions", h.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{session}/entries", h.handleListEntries)
	mux.HandleFunc("GET /api/v1/sessions/{session}/content", h.handleReadContent)
	mux.HandleFunc("DELETE /api/v1/sessions/{session}", h.handleCloseSession)
	mux.HandleFunc("GET /api/v1/nodes", h.handleNodes)
	mux.HandleFunc("GET /api/v1/events", h.handleEvents)
	mux.HandleFunc("GET /api/v1/schema/policy", h.handlePolicySchema)
	mux.HandleFunc("GET /api/v1/policies", h.handlePolicies)

	if resolved != nil && resolved.Advertise {
		var scopes []string
		if resolved.OIDC != nil {
			scopes = resolved.OIDC.ScopesSupported
		}
		h.prmDocument = wellknown.ProtectedResourceMetadata{
			Resource:               baseURL.String(),
			AuthorizationServers:   []string{resolved.Issuer},
			JwksURI:                resolved.JWKSURL,
			ScopesSupported:        scopes,
			BearerMethodsSupported: []string{"authorization_header"},
			ResourceName:           cfg.serverName,
		}
		h.prmDocumentURL = &url.URL{Scheme: baseURL.Scheme, Host: baseURL.Host, Path: "/.well-known/oauth-protected-resource"}
		mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleGetProtectedResourceMetadata)
		mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", h.handleOptionsProtectedResourceMetadata)
	}

	h.mux = mux
	return h, nil
}

func (h *ConsoleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// statusForCode maps protocol error codes onto HTTP statuses. protocol_violation
// never appears here: it is client-detected and never crosses the wire.
func statusForCode(code wire.Code) int {
	switch code {
	case wire.CodeNotFound:
		return http.StatusNotFound
	case wire.CodeOffline:
		return http.StatusServiceUnavailable
	case wire.CodeUnreachable:
		return http.StatusBadGateway
	case wire.CodeFeatureDisabled:
		return http.StatusNotImplemented
	case wire.CodeSessionExpired:
		return http.StatusGone
	default:
		return http.StatusBadRequest
	}
}

// writeErrorBody emits the transport error envelope: {"error":{"code","message"}}.
func writeErrorBody(w http.ResponseWriter, status int, code wire.Code, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": &wire.Error{Code: code, Message: msg}})
}

func writeError(w http.ResponseWriter, err error) {
	var we *wire.Error
	if !errors.As(err, &we) {
		we = &wire.Error{Code: wire.CodeFailure, Message: err.Error()}
	}
	writeErrorBody(w, statusForCode(we.Code), we.Code, we.Message)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (h *ConsoleHandler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	if ctype, err := contenttype.GetMediaType(r); err != nil || !ctype.Matches(jsonMediaType) {
		writeErrorBody(w, http.StatusUnsupportedMediaType, wire.CodeFailure, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.create_session.content_type")
		return
	}

	var req wire.CreateSessionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, wire.CodeFailure, "invalid JSON body")
		h.log.WarnContext(ctx, "http.create_session.decode", slog.String("err", err.Error()))
		return
	}

	subject := r.PathValue("subject")
	sess, err := h.eng.CreateSession(ctx, subject, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := writeJSON(w, http.StatusCreated, sess); err != nil {
		h.log.ErrorContext(ctx, "http.create_session.write", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.create_session.ok",
		slog.String("user", userInfo.UserID()),
		slog.Duration("dur", time.Since(start)))
}

func (h *ConsoleHandler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	q := r.URL.Query()
	maxEntries := 0
	if raw := q.Get("maxEntries"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, wire.CodeFailure, "maxEntries must be an integer")
			return
		}
		maxEntries = n
	}

	listing, err := h.eng.List(ctx, r.PathValue("session"), q.Get("path"), maxEntries)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, listing); err != nil {
		h.log.ErrorContext(ctx, "http.list_entries.write", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.list_entries.ok",
		slog.Int("entries", len(listing.Entries)),
		slog.Duration("dur", time.Since(start)))
}

func (h *ConsoleHandler) handleReadContent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	q := r.URL.Query()
	var offset int64
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, wire.CodeFailure, "offset must be an integer")
			return
		}
		offset = n
	}
	length := 0
	if raw := q.Get("length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, wire.CodeFailure, "length must be an integer")
			return
		}
		length = n
	}

	chunk, err := h.eng.Read(ctx, r.PathValue("session"), q.Get("path"), offset, length)
	if err != nil {
		writeError(w, err)
		return
	}

	res := wire.ReadResult{
		Path:          chunk.Path,
		ContentBase64: base64.StdEncoding.EncodeToString(chunk.Data),
		Truncated:     chunk.Truncated,
	}
	if err := writeJSON(w, http.StatusOK, res); err != nil {
		h.log.ErrorContext(ctx, "http.read_content.write", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.read_content.ok",
		slog.Int("bytes", len(chunk.Data)),
		slog.Bool("truncated", chunk.Truncated),
		slog.Duration("dur", time.Since(start)))
}

func (h *ConsoleHandler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	if err := h.eng.CloseSession(ctx, r.PathValue("session")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.close_session.ok", slog.Duration("dur", time.Since(start)))
}

func (h *ConsoleHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	if err := writeJSON(w, http.StatusOK, h.eng.Nodes(ctx)); err != nil {
		h.log.ErrorContext(ctx, "http.nodes.write", slog.String("err", err.Error()))
	}
}

func (h *ConsoleHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "sse.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	// Subscribe before committing headers so a client that has seen the
	// response start never misses an event published in between.
	events := h.nodes.Subscribe()
	defer h.nodes.Unsubscribe(events)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.String("user", userInfo.UserID()))

	keepalive := time.NewTicker(h.keepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case ev, ok := <-events:
			if !ok {
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				h.log.ErrorContext(ctx, "sse.event.marshal", slog.String("err", err.Error()))
				continue
			}
			if err := writeSSEEvent(wf, "", b); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-keepalive.C:
			if _, err := wf.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			wf.Flush()
		}
	}
}

func (h *ConsoleHandler) handlePolicySchema(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	if err := writeJSON(w, http.StatusOK, policy.Schema()); err != nil {
		h.log.ErrorContext(ctx, "http.policy_schema.write", slog.String("err", err.Error()))
	}
}

func (h *ConsoleHandler) handlePolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	if err := writeJSON(w, http.StatusOK, h.policies.Document()); err != nil {
		h.log.ErrorContext(ctx, "http.policies.write", slog.String("err", err.Error()))
	}
}

func (h *ConsoleHandler) handleOptionsProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetProtectedResourceMetadata serves the RFC 9728 protected resource
// metadata document.
func (h *ConsoleHandler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}

// checkAuthentication enforces bearer auth per RFC 6750, writing the
// appropriate challenge on failure. A nil return means the response has been
// written.
func (h *ConsoleHandler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// No credentials at all: bare challenge, no error attribute.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", resource_metadata="...", error="...", ...
//
// Realm and resource_metadata are omitted when empty. Known params are
// emitted in a fixed order so tests and clients see stable output.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
		if v, ok := params["scope"]; ok {
			pieces = append(pieces, fmt.Sprintf(`scope="%s"`, esc(v)))
		}
		for k, v := range params {
			if k == "error" || k == "error_description" || k == "scope" {
				continue
			}
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

// lockedWriteFlusher serializes writes and flushes on a streaming response
// and refuses to write after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Recheck after acquiring the lock to narrow the race with cancellation.
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
