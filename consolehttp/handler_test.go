package consolehttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manlab/nodescope-go/auth"
	"github.com/manlab/nodescope-go/internal/engine"
	"github.com/manlab/nodescope-go/internal/sesstoken"
	"github.com/manlab/nodescope-go/policy"
	"github.com/manlab/nodescope-go/registry"
	"github.com/manlab/nodescope-go/scopes"
	"github.com/manlab/nodescope-go/sessions/memoryhost"
	"github.com/manlab/nodescope-go/wire"
)

const (
	rigSubject = "node-1"
	rigToken   = "test-bearer"
	rigTTL     = 5 * time.Minute
)

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

type rig struct {
	srv   *httptest.Server
	clock *fakeClock
	reg   *registry.Registry
	regh  *registry.Registration
	dir   string
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	dir := t.TempDir()

	svc := scopes.NewService(scopes.WithFiles(scopes.NewDirOpener(dir)))
	reg := registry.New(registry.WithClock(clock.Now))
	regh := reg.Register(rigSubject, "console test node", svc.Kinds(), svc)

	pol, err := policy.NewStatic(policy.Document{
		Version: 1,
		Policies: map[string]policy.Policy{
			"default": {
				Kind:            wire.KindFiles,
				RootPath:        dir,
				MaxBytesPerRead: policy.MinMaxBytesPerRead,
				TTL:             policy.Duration(rigTTL),
			},
			"term": {
				Kind: wire.KindTerminal,
				TTL:  policy.Duration(rigTTL),
			},
		},
	})
	if err != nil {
		t.Fatalf("policy.NewStatic: %v", err)
	}

	keyring, err := sesstoken.NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}

	host := memoryhost.New(memoryhost.WithClock(clock.Now))
	eng := engine.New(host, reg, pol, keyring,
		engine.WithClock(clock.Now),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	authn, err := auth.NewStaticToken(rigToken, "test-operator")
	if err != nil {
		t.Fatalf("NewStaticToken: %v", err)
	}

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h, err := New("http://console.test", eng, reg, pol, authn, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &rig{srv: srv, clock: clock, reg: reg, regh: regh, dir: dir}
}

func (r *rig) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+rigToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type errorBody struct {
	Error wire.Error `json:"error"`
}

func wantStatus(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	if resp.StatusCode != status {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body: %s)", resp.StatusCode, status, b)
	}
}

func wantErrorCode(t *testing.T, resp *http.Response, status int, code wire.Code) {
	t.Helper()
	if resp.StatusCode != status {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d (body: %s)", resp.StatusCode, status, b)
	}
	var eb errorBody
	readJSON(t, resp, &eb)
	if eb.Error.Code != code {
		t.Fatalf("error code = %q, want %q", eb.Error.Code, code)
	}
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (r *rig) createSession(t *testing.T) wire.Session {
	t.Helper()
	resp := r.do(t, http.MethodPost, "/api/v1/nodes/"+rigSubject+"/sessions", wire.CreateSessionRequest{Kind: wire.KindFiles})
	wantStatus(t, resp, http.StatusCreated)
	var sess wire.Session
	readJSON(t, resp, &sess)
	return sess
}

func TestCreateListReadRoundTrip(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	const content = "0123456789"
	writeFile(t, r.dir, "nested/report.txt", content)

	sess := r.createSession(t)
	if sess.SessionID == "" || sess.Subject != rigSubject || sess.Kind != wire.KindFiles {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.MaxBytesPerRead != policy.MinMaxBytesPerRead {
		t.Fatalf("maxBytesPerRead = %d", sess.MaxBytesPerRead)
	}

	resp := r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/entries?path=/", nil)
	wantStatus(t, resp, http.StatusOK)
	var ls wire.Listing
	readJSON(t, resp, &ls)
	if len(ls.Entries) != 1 || !ls.Entries[0].IsDirectory {
		t.Fatalf("expected single nested dir, got %+v", ls.Entries)
	}

	resp = r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/entries?path="+ls.Entries[0].Path, nil)
	wantStatus(t, resp, http.StatusOK)
	readJSON(t, resp, &ls)
	if len(ls.Entries) != 1 || ls.Entries[0].Size == nil || *ls.Entries[0].Size != int64(len(content)) {
		t.Fatalf("unexpected file listing: %+v", ls.Entries)
	}
	file := ls.Entries[0].Path

	readChunk := func(offset, length int) wire.ReadResult {
		t.Helper()
		resp := r.do(t, http.MethodGet,
			"/api/v1/sessions/"+sess.SessionID+"/content?path="+file+
				"&offset="+strconv.Itoa(offset)+"&length="+strconv.Itoa(length), nil)
		wantStatus(t, resp, http.StatusOK)
		var rr wire.ReadResult
		readJSON(t, resp, &rr)
		return rr
	}

	first := readChunk(0, 4)
	fb, err := base64.StdEncoding.DecodeString(first.ContentBase64)
	if err != nil {
		t.Fatalf("first chunk base64: %v", err)
	}
	if string(fb) != "0123" || !first.Truncated {
		t.Fatalf("first chunk = %q truncated=%v", fb, first.Truncated)
	}

	second := readChunk(4, 6)
	sb, err := base64.StdEncoding.DecodeString(second.ContentBase64)
	if err != nil {
		t.Fatalf("second chunk base64: %v", err)
	}
	if string(sb) != "456789" || second.Truncated {
		t.Fatalf("second chunk = %q truncated=%v", sb, second.Truncated)
	}

	if got := string(fb) + string(sb); got != content {
		t.Fatalf("reassembled %q, want %q", got, content)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	resp := r.do(t, http.MethodPost, "/api/v1/nodes/ghost/sessions", wire.CreateSessionRequest{Kind: wire.KindFiles})
	wantErrorCode(t, resp, http.StatusNotFound, wire.CodeNotFound)

	resp = r.do(t, http.MethodPost, "/api/v1/nodes/"+rigSubject+"/sessions", wire.CreateSessionRequest{Kind: "tape"})
	wantErrorCode(t, resp, http.StatusBadRequest, wire.CodeFailure)

	// The policy allows terminal scopes but the node never advertised them.
	resp = r.do(t, http.MethodPost, "/api/v1/nodes/"+rigSubject+"/sessions", wire.CreateSessionRequest{Kind: wire.KindTerminal, PolicyID: "term"})
	wantErrorCode(t, resp, http.StatusNotImplemented, wire.CodeFeatureDisabled)

	resp = r.do(t, http.MethodPost, "/api/v1/nodes/"+rigSubject+"/sessions", wire.CreateSessionRequest{Kind: wire.KindFiles, PolicyID: "ghost"})
	wantErrorCode(t, resp, http.StatusNotFound, wire.CodeNotFound)
}

func TestCreateSessionOfflineSubject(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	r.regh.Deregister()
	resp := r.do(t, http.MethodPost, "/api/v1/nodes/"+rigSubject+"/sessions", wire.CreateSessionRequest{Kind: wire.KindFiles})
	wantErrorCode(t, resp, http.StatusServiceUnavailable, wire.CodeOffline)
}

func TestCreateSessionRejectsNonJSON(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	req, err := http.NewRequest(http.MethodPost, r.srv.URL+"/api/v1/nodes/"+rigSubject+"/sessions", strings.NewReader("kind=files"))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+rigToken)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := r.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus(t, resp, http.StatusUnsupportedMediaType)
	resp.Body.Close()
}

func TestExpiredSessionGone(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	sess := r.createSession(t)

	r.clock.Advance(rigTTL + time.Second)

	resp := r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/entries?path=/", nil)
	wantErrorCode(t, resp, http.StatusGone, wire.CodeSessionExpired)
}

func TestForgedSessionGone(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	resp := r.do(t, http.MethodGet, "/api/v1/sessions/not-a-session/entries?path=/", nil)
	wantErrorCode(t, resp, http.StatusGone, wire.CodeSessionExpired)
}

func TestUnreachableMidSession(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	sess := r.createSession(t)

	r.regh.Deregister()

	resp := r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/entries?path=/", nil)
	wantErrorCode(t, resp, http.StatusBadGateway, wire.CodeUnreachable)
}

func TestEscapingPathNotFound(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	writeFile(t, r.dir, "f.txt", "data")
	sess := r.createSession(t)

	resp := r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/content?path=../../etc/passwd", nil)
	wantErrorCode(t, resp, http.StatusNotFound, wire.CodeNotFound)
}

func TestBadQueryParams(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	sess := r.createSession(t)

	resp := r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/entries?path=/&maxEntries=abc", nil)
	wantErrorCode(t, resp, http.StatusBadRequest, wire.CodeFailure)

	resp = r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/content?path=/&offset=abc", nil)
	wantErrorCode(t, resp, http.StatusBadRequest, wire.CodeFailure)

	resp = r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/content?path=/&length=abc", nil)
	wantErrorCode(t, resp, http.StatusBadRequest, wire.CodeFailure)
}

func TestCloseSessionIdempotent(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	sess := r.createSession(t)

	resp := r.do(t, http.MethodDelete, "/api/v1/sessions/"+sess.SessionID, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = r.do(t, http.MethodDelete, "/api/v1/sessions/"+sess.SessionID, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = r.do(t, http.MethodGet, "/api/v1/sessions/"+sess.SessionID+"/entries?path=/", nil)
	wantErrorCode(t, resp, http.StatusGone, wire.CodeSessionExpired)
}

func TestAuthChallenges(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	get := func(authz string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, r.srv.URL+"/api/v1/nodes", nil)
		if err != nil {
			t.Fatal(err)
		}
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		resp, err := r.srv.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := get("")
	wantStatus(t, resp, http.StatusUnauthorized)
	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if !strings.HasPrefix(challenge, "Bearer") {
		t.Fatalf("want bare Bearer challenge, got %q", challenge)
	}
	if strings.Contains(challenge, "error=") {
		t.Fatalf("missing credentials must not carry an error attribute: %q", challenge)
	}

	resp = get("Basic dXNlcjpwYXNz")
	wantStatus(t, resp, http.StatusBadRequest)
	challenge = resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if !strings.Contains(challenge, `error="invalid_request"`) {
		t.Fatalf("want invalid_request challenge, got %q", challenge)
	}

	resp = get("Bearer wrong-token")
	wantStatus(t, resp, http.StatusUnauthorized)
	challenge = resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()
	if !strings.Contains(challenge, `error="invalid_token"`) {
		t.Fatalf("want invalid_token challenge, got %q", challenge)
	}
}

func TestNodesSnapshot(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	resp := r.do(t, http.MethodGet, "/api/v1/nodes", nil)
	wantStatus(t, resp, http.StatusOK)
	var nl wire.NodeList
	readJSON(t, resp, &nl)
	if len(nl.Nodes) != 1 || nl.Nodes[0].Subject != rigSubject || !nl.Nodes[0].Online {
		t.Fatalf("unexpected node list: %+v", nl)
	}
	if len(nl.Nodes[0].Features) != 1 || nl.Nodes[0].Features[0] != wire.KindFiles {
		t.Fatalf("unexpected features: %+v", nl.Nodes[0].Features)
	}
}

func TestNodeEventsSSE(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.srv.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+rigToken)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	wantStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	// Headers received means the subscription is active; this registration
	// must surface as an event.
	other := scopes.NewService(scopes.WithFiles(scopes.NewDirOpener(t.TempDir())))
	r.reg.Register("node-2", "second node", other.Kinds(), other)

	sc := bufio.NewScanner(resp.Body)
	var ev wire.NodeEvent
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		break
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		t.Fatalf("scan: %v", err)
	}
	if ev.Type != wire.NodeOnline || ev.Subject != "node-2" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEventsRequireEventStreamAccept(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	req, err := http.NewRequest(http.MethodGet, r.srv.URL+"/api/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+rigToken)
	req.Header.Set("Accept", "application/json")
	resp, err := r.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus(t, resp, http.StatusUnsupportedMediaType)
	resp.Body.Close()
}

func TestPolicyEndpoints(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	resp := r.do(t, http.MethodGet, "/api/v1/schema/policy", nil)
	wantStatus(t, resp, http.StatusOK)
	var schema map[string]any
	readJSON(t, resp, &schema)
	if _, ok := schema["properties"]; !ok {
		t.Fatalf("schema missing properties: %v", schema)
	}

	resp = r.do(t, http.MethodGet, "/api/v1/policies", nil)
	wantStatus(t, resp, http.StatusOK)
	var doc policy.Document
	readJSON(t, resp, &doc)
	if _, ok := doc.Policies["default"]; !ok {
		t.Fatalf("document missing default policy: %+v", doc)
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	t.Parallel()
	r := newRig(t, WithServerName("console test"), WithSecurityConfig(auth.SecurityConfig{
		Issuer:    "https://issuer.example",
		Audiences: []string{"http://console.test"},
		JWKSURL:   "https://issuer.example/keys",
		Advertise: true,
		OIDC:      &auth.OIDCExtra{ScopesSupported: []string{"nodes:read"}},
	}))

	resp, err := r.srv.Client().Get(r.srv.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatal(err)
	}
	wantStatus(t, resp, http.StatusOK)
	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		JwksURI              string   `json:"jwks_uri"`
		ScopesSupported      []string `json:"scopes_supported"`
		ResourceName         string   `json:"resource_name"`
	}
	readJSON(t, resp, &doc)
	if doc.Resource != "http://console.test" {
		t.Fatalf("resource = %q", doc.Resource)
	}
	if len(doc.AuthorizationServers) != 1 || doc.AuthorizationServers[0] != "https://issuer.example" {
		t.Fatalf("authorization servers = %v", doc.AuthorizationServers)
	}
	if doc.ResourceName != "console test" {
		t.Fatalf("resource name = %q", doc.ResourceName)
	}

	req, err := http.NewRequest(http.MethodOptions, r.srv.URL+"/.well-known/oauth-protected-resource", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = r.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()
}

func TestNoAdvertisementWithoutSecurityConfig(t *testing.T) {
	t.Parallel()
	r := newRig(t)

	resp, err := r.srv.Client().Get(r.srv.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatal(err)
	}
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
