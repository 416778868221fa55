package auth

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/manlab/nodescope-go/internal/jwtauth"
)

// SecurityConfig is the unified, immutable description of how the console
// validates and advertises bearer token authentication.
//
// A zero value is invalid; populate the required fields and call Validate, or
// obtain one from a constructed SecurityProvider.
type SecurityConfig struct {
	Issuer      string
	Audiences   []string
	AllowedAlgs []string // default: ["RS256"] if empty
	JWKSURL     string   // set explicitly or filled by discovery

	Leeway    time.Duration // clock skew tolerance (default 60s)
	Advertise bool          // transport may publish protected resource metadata

	OIDC *OIDCExtra // optional extended metadata for advertisement only
}

// OIDCExtra carries optional authorization server metadata surfaced for
// client bootstrapping. None of these fields participate in token validation.
type OIDCExtra struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	ScopesSupported       []string
}

// Normalize fills algorithm and leeway defaults in place.
func (c *SecurityConfig) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

// Validate returns an error if required invariants are not met.
func (c SecurityConfig) Validate() error {
	if c.Issuer == "" {
		return errors.New("security: issuer required")
	}
	if len(c.Audiences) == 0 {
		return errors.New("security: at least one audience required")
	}
	for _, a := range c.Audiences {
		if a == "" {
			return errors.New("security: empty audience entry")
		}
	}
	return nil
}

// Copy returns a deep copy safe for mutation by the caller.
func (c SecurityConfig) Copy() SecurityConfig {
	dup := c
	dup.Audiences = append([]string(nil), c.Audiences...)
	dup.AllowedAlgs = append([]string(nil), c.AllowedAlgs...)
	if c.OIDC != nil {
		ox := *c.OIDC
		ox.ScopesSupported = append([]string(nil), c.OIDC.ScopesSupported...)
		dup.OIDC = &ox
	}
	return dup
}

// NewManualJWTAuthenticator constructs a JWT access token authenticator from
// this configuration without performing OIDC discovery. It requires Issuer,
// at least one audience, and JWKSURL. AllowedAlgs and Leeway are honored with
// defaults applied. OIDC advertisement fields may be present for metadata
// serving but are not required.
func (c SecurityConfig) NewManualJWTAuthenticator(ctx context.Context) (SecurityProvider, error) {
	cc := c.Copy()
	cc.Normalize()
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	if cc.JWKSURL == "" {
		return nil, errors.New("security: JWKSURL required for manual JWT authenticator")
	}

	sc := &jwtauth.StaticConfig{
		Issuer:            cc.Issuer,
		ExpectedAudiences: append([]string(nil), cc.Audiences...),
		AllowedAlgs:       append([]string(nil), cc.AllowedAlgs...),
		Leeway:            cc.Leeway,
	}
	if cc.OIDC != nil {
		sc.AuthorizationEndpoint = cc.OIDC.AuthorizationEndpoint
		sc.TokenEndpoint = cc.OIDC.TokenEndpoint
	}
	a, err := jwtauth.NewStatic(ctx, sc, cc.JWKSURL)
	if err != nil {
		return nil, err
	}
	return &adapter{a: a, sec: cc}, nil
}

// EqualCore reports whether the core enforcement identity (issuer plus
// audience set) matches.
func (c SecurityConfig) EqualCore(o SecurityConfig) bool {
	if c.Issuer != o.Issuer {
		return false
	}
	if len(c.Audiences) != len(o.Audiences) {
		return false
	}
	ac := append([]string(nil), c.Audiences...)
	bc := append([]string(nil), o.Audiences...)
	sort.Strings(ac)
	sort.Strings(bc)
	for i := range ac {
		if ac[i] != bc[i] {
			return false
		}
	}
	return true
}

// SecurityDescriptor exposes security configuration for transports to
// advertise.
type SecurityDescriptor interface{ SecurityConfig() SecurityConfig }

// SecurityProvider combines validation and descriptor. Returned by
// constructors.
type SecurityProvider interface {
	Authenticator
	SecurityDescriptor
}
