// Package jwtauth validates the JWT access tokens operators present to the
// console API. Tokens are verified against an OAuth 2.0 / OIDC authorization
// server's published keys, either located via discovery or configured
// statically.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0) followed by
	// any additional accepted audiences. The first entry should be the
	// console's public endpoint URL; extra entries exist for local and
	// staging setups where the served base URL differs.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo is the internal claims carrier for validated tokens.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Authenticator validates access tokens and returns a minimal UserInfo that
// exposes the subject and access to raw claims. Implementations must perform
// signature, issuer, audience and time validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type discoveryAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
	// advertisement fields derived from discovery
	iss                   string
	jwksURI               string
	authorizationEndpoint string
	tokenEndpoint         string
	scopes                []string
}

// DiscoveryMetadata exposes advertisement-only endpoints learned via OIDC
// discovery. Implementations may return empty strings if not applicable.
type DiscoveryMetadata interface {
	AuthorizationEndpoint() string
	TokenEndpoint() string
	JWKSURI() string
	Scopes() []string
}

func (a *discoveryAuthenticator) AuthorizationEndpoint() string { return a.authorizationEndpoint }
func (a *discoveryAuthenticator) TokenEndpoint() string         { return a.tokenEndpoint }
func (a *discoveryAuthenticator) JWKSURI() string               { return a.jwksURI }
func (a *discoveryAuthenticator) Scopes() []string              { return append([]string(nil), a.scopes...) }

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and issuer, and
// constructs an Authenticator that validates JWT access tokens using the
// configured policies in Config. JWKS keys are auto-refreshed.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*discoveryAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	// Auto-refreshing JWKS
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &discoveryAuthenticator{
		cfg:                   cfg,
		keyfunc:               restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc),
		iss:                   meta.Issuer,
		jwksURI:               meta.JwksURI,
		authorizationEndpoint: meta.Authorization,
		tokenEndpoint:         meta.Token,
		scopes:                append([]string(nil), meta.Scopes...),
	}, nil
}

// restrictAlgs wraps a keyfunc so disallowed algorithms are rejected before
// key lookup. "none" can never pass because it is never in the allow list.
func restrictAlgs(allowed []string, inner jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return inner(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func (a *discoveryAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	// If exactly one expected audience is configured the parser's built-in
	// audience enforcement applies; with multiple we intersect after parsing.
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	// RFC 9068 requires access tokens to declare themselves in typ.
	if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
		return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	now := time.Now().Add(a.cfg.Leeway)

	if iss, _ := claims["iss"].(string); iss == "" || iss != a.iss {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	}
	if len(a.cfg.ExpectedAudiences) == 1 {
		if !audContains(claims["aud"], a.cfg.ExpectedAudiences[0]) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	} else if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		iat := time.Unix(int64(iatf), 0)
		if iat.After(now.Add(5 * time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	if len(a.cfg.RequiredScopes) > 0 {
		if err := checkScopes(claims, a.cfg.RequiredScopes, a.cfg.ScopeModeAny); err != nil {
			return nil, err
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &userInfo{sub: sub, claims: claims}, nil
}

func checkScopes(claims jwt.MapClaims, required []string, anyMode bool) error {
	scopeStr, _ := claims["scope"].(string)
	have := map[string]bool{}
	for _, s := range strings.Fields(scopeStr) {
		have[s] = true
	}
	if anyMode {
		for _, want := range required {
			if have[want] {
				return nil
			}
		}
		return ErrInsufficientScope
	}
	for _, want := range required {
		if !have[want] {
			return ErrInsufficientScope
		}
	}
	return nil
}

var _ Authenticator = (*discoveryAuthenticator)(nil)
var _ DiscoveryMetadata = (*discoveryAuthenticator)(nil)

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
