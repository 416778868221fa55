package scopeclient

import (
	"bytes"
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
	"time"

	"github.com/manlab/nodescope-go/policy"
	"github.com/manlab/nodescope-go/wire"
)

// TokenSource supplies the bearer credential for each request. It is called
// per request so short-lived tokens can rotate under a running client.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields tok.
func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

// Client is a typed HTTP client for the console API. Protocol failures come
// back as *wire.Error values, so callers branch with errors.Is against the
// wire sentinels.
type Client struct {
	baseURL   *url.URL
	httpc     *http.Client
	token     TokenSource
	log       *slog.Logger
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client. The default carries a
// 30 second timeout; pass a client without one when consuming the event
// stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpc = hc
		}
	}
}

// WithTokenSource sets the bearer credential source.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.token = src }
}

// WithToken sets a fixed bearer credential.
func WithToken(tok string) Option {
	return func(c *Client) { c.token = StaticToken(tok) }
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New builds a client for the console at baseURL (scheme and host, no
// trailing API path).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("scopeclient: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scopeclient: base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("scopeclient: base URL host is required")
	}
	c := &Client{
		baseURL:   u,
		httpc:     &http.Client{Timeout: 30 * time.Second},
		log:       slog.Default(),
		userAgent: "nodescope-client/1",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateSession issues a fresh session against subject. The returned session
// is immutable; when it expires the caller must create a new one, there is
// no renewal.
func (c *Client) CreateSession(ctx context.Context, subject string, req wire.CreateSessionRequest) (wire.Session, error) {
	if strings.TrimSpace(subject) == "" {
		return wire.Session{}, errors.New("scopeclient: subject is required")
	}
	var sess wire.Session
	u := c.baseURL.JoinPath("api", "v1", "nodes", subject, "sessions")
	if err := c.do(ctx, http.MethodPost, u, req, &sess); err != nil {
		return wire.Session{}, err
	}
	return sess, nil
}

// List returns one bounded directory level under path. maxEntries <= 0
// selects the server default.
func (c *Client) List(ctx context.Context, sessionID, path string, maxEntries int) (wire.Listing, error) {
	q := url.Values{}
	q.Set("path", path)
	if maxEntries > 0 {
		q.Set("maxEntries", strconv.Itoa(maxEntries))
	}
	u := c.baseURL.JoinPath("api", "v1", "sessions", sessionID, "entries")
	u.RawQuery = q.Encode()

	var listing wire.Listing
	if err := c.do(ctx, http.MethodGet, u, nil, &listing); err != nil {
		return wire.Listing{}, err
	}
	return listing, nil
}

// ReadChunk is one decoded chunk of session content.
type ReadChunk struct {
	// Path echoes the file read.
	Path string
	Data []byte
	// Truncated reports that more bytes remain past this chunk.
	Truncated bool
}

// Read fetches one chunk at (path, offset). The server clamps length to the
// session's per-read cap rather than rejecting oversized requests; length <= 0
// selects the cap itself.
func (c *Client) Read(ctx context.Context, sessionID, path string, offset int64, length int) (ReadChunk, error) {
	q := url.Values{}
	q.Set("path", path)
	if offset != 0 {
		q.Set("offset", strconv.FormatInt(offset, 10))
	}
	if length > 0 {
		q.Set("length", strconv.Itoa(length))
	}
	u := c.baseURL.JoinPath("api", "v1", "sessions", sessionID, "content")
	u.RawQuery = q.Encode()

	var res wire.ReadResult
	if err := c.do(ctx, http.MethodGet, u, nil, &res); err != nil {
		return ReadChunk{}, err
	}
	data, err := base64.StdEncoding.DecodeString(res.ContentBase64)
	if err != nil {
		return ReadChunk{}, wire.Errorf(wire.CodeProtocolViolation, "malformed chunk encoding: %v", err)
	}
	return ReadChunk{Path: res.Path, Data: data, Truncated: res.Truncated}, nil
}

// CloseSession releases a session early. Closing an expired or unknown
// session succeeds: the goal state already holds. Revocation is best-effort;
// an unreachable console just means the session lapses at its natural expiry.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	u := c.baseURL.JoinPath("api", "v1", "sessions", sessionID)
	return c.do(ctx, http.MethodDelete, u, nil, nil)
}

// Nodes returns the dashboard snapshot of known subjects.
func (c *Client) Nodes(ctx context.Context) (wire.NodeList, error) {
	var list wire.NodeList
	u := c.baseURL.JoinPath("api", "v1", "nodes")
	if err := c.do(ctx, http.MethodGet, u, nil, &list); err != nil {
		return wire.NodeList{}, err
	}
	return list, nil
}

// Policies returns the console's active scope policy document.
func (c *Client) Policies(ctx context.Context) (policy.Document, error) {
	var doc policy.Document
	u := c.baseURL.JoinPath("api", "v1", "policies")
	if err := c.do(ctx, http.MethodGet, u, nil, &doc); err != nil {
		return policy.Document{}, err
	}
	return doc, nil
}

func (c *Client) do(ctx context.Context, method string, u *url.URL, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", u.Path, err)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.token == nil {
		return nil
	}
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve bearer token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}

// decodeError recovers the protocol error from a non-2xx response. Responses
// without the error envelope (auth challenges, proxies) are classified by
// status so errors.Is still works.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Err *wire.Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Err != nil && envelope.Err.Code != "" {
		return envelope.Err
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return wire.Errorf(codeForStatus(resp.StatusCode), "%s (status %d)", msg, resp.StatusCode)
}

// codeForStatus inverts the console's status mapping for bodies that carried
// no envelope.
func codeForStatus(status int) wire.Code {
	switch status {
	case http.StatusNotFound:
		return wire.CodeNotFound
	case http.StatusServiceUnavailable:
		return wire.CodeOffline
	case http.StatusBadGateway:
		return wire.CodeUnreachable
	case http.StatusNotImplemented:
		return wire.CodeFeatureDisabled
	case http.StatusGone:
		return wire.CodeSessionExpired
	default:
		return wire.CodeFailure
	}
}
