package auth

import (
	"context"
	"errors"
	"time"

	"github.com/manlab/nodescope-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the access token
// authenticator (scopes, algorithms, leeway). Audience is a required formal
// argument to NewFromDiscovery rather than an option.
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be
// present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAdditionalAudiences accepts extra audiences beyond the primary one.
// Useful when the console is reachable under more than one base URL, for
// example a localhost port-forward alongside the public endpoint.
func WithAdditionalAudiences(audiences ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, audiences...)
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns a SecurityProvider that verifies JWT access tokens
// using OpenID Connect discovery to locate the issuer's JWKS and metadata.
//
// Required:
//   - issuer:   authorization server issuer URL
//   - audience: expected "aud" claim, typically the console's public base URL
//
// Remaining validation knobs are configured via functional options.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (SecurityProvider, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	internal, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sec := SecurityConfig{
		Issuer:      cfg.Issuer,
		Audiences:   append([]string(nil), cfg.ExpectedAudiences...),
		AllowedAlgs: append([]string(nil), cfg.AllowedAlgs...),
		Leeway:      cfg.Leeway,
		Advertise:   true,
	}
	if dm, ok := any(internal).(jwtauth.DiscoveryMetadata); ok {
		sec.JWKSURL = dm.JWKSURI()
		if dm.AuthorizationEndpoint() != "" || dm.TokenEndpoint() != "" || len(dm.Scopes()) > 0 {
			sec.OIDC = &OIDCExtra{
				AuthorizationEndpoint: dm.AuthorizationEndpoint(),
				TokenEndpoint:         dm.TokenEndpoint(),
				ScopesSupported:       dm.Scopes(),
			}
		}
	}
	sec.Normalize()
	return &adapter{a: internal, sec: sec}, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a   jwtauth.Authenticator
	sec SecurityConfig
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to the public errors the handler keys on.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return userInfoAdapter{ui: ui}, nil
}

func (ad *adapter) SecurityConfig() SecurityConfig { return ad.sec.Copy() }

type userInfoAdapter struct{ ui jwtauth.UserInfo }

func (u userInfoAdapter) UserID() string       { return u.ui.UserID() }
func (u userInfoAdapter) Claims(ref any) error { return u.ui.Claims(ref) }
