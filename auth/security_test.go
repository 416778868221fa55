package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSecurityConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  SecurityConfig
		ok   bool
	}{
		{"valid", SecurityConfig{Issuer: "https://issuer", Audiences: []string{"https://console"}}, true},
		{"missing issuer", SecurityConfig{Audiences: []string{"a"}}, false},
		{"no audiences", SecurityConfig{Issuer: "https://issuer"}, false},
		{"empty audience entry", SecurityConfig{Issuer: "https://issuer", Audiences: []string{"a", ""}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSecurityConfigNormalizeDefaults(t *testing.T) {
	cfg := SecurityConfig{Issuer: "https://issuer", Audiences: []string{"a"}}
	cfg.Normalize()
	if len(cfg.AllowedAlgs) != 1 || cfg.AllowedAlgs[0] != "RS256" {
		t.Fatalf("want default RS256, got %v", cfg.AllowedAlgs)
	}
	if cfg.Leeway != 60*time.Second {
		t.Fatalf("want default 60s leeway, got %v", cfg.Leeway)
	}
}

func TestSecurityConfigCopyIsDeep(t *testing.T) {
	orig := SecurityConfig{
		Issuer:    "https://issuer",
		Audiences: []string{"a", "b"},
		OIDC: &OIDCExtra{
			AuthorizationEndpoint: "https://issuer/auth",
			ScopesSupported:       []string{"nodes:read"},
		},
	}
	dup := orig.Copy()
	dup.Audiences[0] = "mutated"
	dup.OIDC.ScopesSupported[0] = "mutated"
	dup.OIDC.AuthorizationEndpoint = "mutated"

	if orig.Audiences[0] != "a" {
		t.Fatalf("audience aliased: %v", orig.Audiences)
	}
	if orig.OIDC.ScopesSupported[0] != "nodes:read" {
		t.Fatalf("scopes aliased: %v", orig.OIDC.ScopesSupported)
	}
	if orig.OIDC.AuthorizationEndpoint != "https://issuer/auth" {
		t.Fatalf("oidc extra aliased: %v", orig.OIDC)
	}
}

func TestSecurityConfigEqualCore(t *testing.T) {
	a := SecurityConfig{Issuer: "https://issuer", Audiences: []string{"x", "y"}}
	b := SecurityConfig{Issuer: "https://issuer", Audiences: []string{"y", "x"}}
	if !a.EqualCore(b) {
		t.Fatalf("audience order should not matter")
	}
	c := SecurityConfig{Issuer: "https://other", Audiences: []string{"x", "y"}}
	if a.EqualCore(c) {
		t.Fatalf("issuer mismatch should not be equal")
	}
	d := SecurityConfig{Issuer: "https://issuer", Audiences: []string{"x"}}
	if a.EqualCore(d) {
		t.Fatalf("audience set mismatch should not be equal")
	}
}

func TestStaticTokenAuthenticator(t *testing.T) {
	ctx := context.Background()

	if _, err := NewStaticToken("", "dev"); err == nil {
		t.Fatalf("empty token must be rejected at construction")
	}

	a, err := NewStaticToken("s3cret", "dev-operator")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ui, err := a.CheckAuthentication(ctx, "s3cret")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "dev-operator" {
		t.Fatalf("want dev-operator, got %s", ui.UserID())
	}
	var claims struct {
		Sub string `json:"sub"`
	}
	if err := ui.Claims(&claims); err != nil || claims.Sub != "dev-operator" {
		t.Fatalf("claims roundtrip: %v %+v", err, claims)
	}

	if _, err := a.CheckAuthentication(ctx, "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
	if _, err := a.CheckAuthentication(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for empty token, got %v", err)
	}
}

func TestChallengeConstructors(t *testing.T) {
	required := NewAuthenticationRequired("https://console/.well-known/oauth-protected-resource")
	if required.GetAuthenticationChallenge().Status != 401 {
		t.Fatalf("authentication required should be 401")
	}
	if _, err := required.UserInfo(); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}

	scope := NewInsufficientScopeResult("console", "nodes:read")
	if scope.GetAuthenticationChallenge().Status != 403 {
		t.Fatalf("insufficient scope should be 403")
	}
	if _, err := scope.UserInfo(); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("want ErrInsufficientScope, got %v", err)
	}

	malformed := NewInvalidAuthorizationHeader("console")
	if malformed.GetAuthenticationChallenge().Status != 400 {
		t.Fatalf("malformed header should be 400")
	}
}
