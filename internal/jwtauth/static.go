package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// StaticConfig controls validation when the authorization server's JWKS
// location is pinned rather than discovered. Caller supplies issuer, one or
// more expected audiences, and the JWKS URI.
type StaticConfig struct {
	Issuer            string
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration

	// AuthorizationEndpoint and TokenEndpoint are advertisement-only. They
	// flow into protected-resource metadata and are never contacted.
	AuthorizationEndpoint string
	TokenEndpoint         string
}

// DefaultStaticConfig returns a StaticConfig with safe algorithm and leeway
// defaults.
func DefaultStaticConfig() *StaticConfig {
	return &StaticConfig{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

type staticAuthenticator struct {
	cfg     *StaticConfig
	jwksURI string
	keyfunc jwt.Keyfunc
}

// NewStatic constructs an authenticator that validates JWT access tokens
// against a statically configured issuer, audiences and JWKS URI. No
// discovery request is made.
func NewStatic(ctx context.Context, cfg *StaticConfig, jwksURI string) (*staticAuthenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &staticAuthenticator{
		cfg:     cfg,
		jwksURI: jwksURI,
		keyfunc: restrictAlgs(cfg.AllowedAlgs, kf.Keyfunc),
	}, nil
}

func (a *staticAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (a *staticAuthenticator) AuthorizationEndpoint() string { return a.cfg.AuthorizationEndpoint }
func (a *staticAuthenticator) TokenEndpoint() string         { return a.cfg.TokenEndpoint }
func (a *staticAuthenticator) JWKSURI() string               { return a.jwksURI }
func (a *staticAuthenticator) Scopes() []string              { return nil }

func audIntersects(aud any, wants []string) bool {
	for _, w := range wants {
		if audContains(aud, w) {
			return true
		}
	}
	return false
}

var _ Authenticator = (*staticAuthenticator)(nil)
var _ DiscoveryMetadata = (*staticAuthenticator)(nil)
