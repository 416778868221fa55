package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

type mockOIDC struct {
	srv       *httptest.Server
	issuer    string
	jwksPath  string
	metaExtra map[string]any
}

func newMockOIDC(t *testing.T, keysJSON []byte, metaExtra map[string]any) *mockOIDC {
	t.Helper()
	m := &mockOIDC{jwksPath: "/keys", metaExtra: metaExtra}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"scopes_supported":         []string{"nodes:read", "nodes:admin"},
			"response_types_supported": []string{"code"},
		}
		for k, v := range m.metaExtra {
			meta[k] = v
		}
		_ = json.NewEncoder(w).Encode(meta)
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Issuer is only known once the server has a URL.
		if m.issuer == "" {
			m.issuer = m.srv.URL
		}
		handler.ServeHTTP(w, r)
	}))
	m.issuer = m.srv.URL
	return m
}

func (m *mockOIDC) Close() { m.srv.Close() }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signToken(t *testing.T, pk *rsa.PrivateKey, kid string, headerTyp string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	if headerTyp != "" {
		tok.Header["typ"] = headerTyp
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func baseConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0
	return cfg
}

func TestAuthenticator_HappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   oidc.issuer,
		"sub":   "operator-7",
		"aud":   aud,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"scope": "nodes:read nodes:admin",
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	ui, err := a.CheckAuthentication(ctx, tok)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "operator-7" {
		t.Fatalf("want sub operator-7, got %s", ui.UserID())
	}

	var out struct {
		Scope string `json:"scope"`
	}
	if err := ui.Claims(&out); err != nil {
		t.Fatalf("claims: %v", err)
	}
	if out.Scope != "nodes:read nodes:admin" {
		t.Fatalf("scope roundtrip mismatch: %q", out.Scope)
	}
}

func TestAuthenticator_AdvertisesDiscoveredEndpoints(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer, "https://console.example.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if got, want := a.AuthorizationEndpoint(), oidc.issuer+"/oauth2/auth"; got != want {
		t.Fatalf("authorization endpoint: got %q want %q", got, want)
	}
	if got, want := a.TokenEndpoint(), oidc.issuer+"/oauth2/token"; got != want {
		t.Fatalf("token endpoint: got %q want %q", got, want)
	}
	if got, want := a.JWKSURI(), oidc.issuer+"/keys"; got != want {
		t.Fatalf("jwks uri: got %q want %q", got, want)
	}
	if got := a.Scopes(); len(got) != 2 || got[0] != "nodes:read" {
		t.Fatalf("scopes: got %v", got)
	}
}

func TestAuthenticator_DiscoveryMissingJWKS(t *testing.T) {
	_, _, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, map[string]any{"jwks_uri": ""})
	defer oidc.Close()

	cfg := baseConfig(oidc.issuer, "aud")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := NewFromDiscovery(ctx, cfg); err == nil {
		t.Fatalf("expected error for discovery metadata without jwks_uri")
	}
}

func TestAuthenticator_AudienceArray(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "operator-7",
		"aud": []string{"https://other", aud},
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestAuthenticator_AdditionalAudiences(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	primary := "https://console.example.com"
	extra := "http://localhost:8080"
	cfg := baseConfig(oidc.issuer, primary)
	cfg.ExpectedAudiences = []string{primary, extra}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "operator-7",
		"aud": extra, // only the secondary audience present
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	if _, err := a.CheckAuthentication(ctx, tok); err != nil {
		t.Fatalf("check (extra audience) failed: %v", err)
	}

	claims["aud"] = "https://unknown"
	tok2 := signToken(t, pk, kid, "at+jwt", claims)
	if _, err := a.CheckAuthentication(ctx, tok2); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown audience, got %v", err)
	}
}

func TestAuthenticator_ScopePolicies(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	mint := func(scope string) string {
		now := time.Now()
		return signToken(t, pk, kid, "at+jwt", jwt.MapClaims{
			"iss":   oidc.issuer,
			"sub":   "operator-7",
			"aud":   aud,
			"exp":   now.Add(time.Hour).Unix(),
			"iat":   now.Unix(),
			"scope": scope,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allCfg := baseConfig(oidc.issuer, aud)
	allCfg.RequiredScopes = []string{"nodes:read", "nodes:admin"}
	all, err := NewFromDiscovery(ctx, allCfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := all.CheckAuthentication(ctx, mint("nodes:read")); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("all-mode with partial scopes: want ErrInsufficientScope, got %v", err)
	}
	if _, err := all.CheckAuthentication(ctx, mint("nodes:read nodes:admin")); err != nil {
		t.Fatalf("all-mode with full scopes: %v", err)
	}

	anyCfg := baseConfig(oidc.issuer, aud)
	anyCfg.RequiredScopes = []string{"nodes:read", "nodes:admin"}
	anyCfg.ScopeModeAny = true
	anyA, err := NewFromDiscovery(ctx, anyCfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := anyA.CheckAuthentication(ctx, mint("nodes:read")); err != nil {
		t.Fatalf("any-mode with one scope: %v", err)
	}
	if _, err := anyA.CheckAuthentication(ctx, mint("unrelated")); !errors.Is(err, ErrInsufficientScope) {
		t.Fatalf("any-mode with no match: want ErrInsufficientScope, got %v", err)
	}
}

func TestAuthenticator_InvalidTyp(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "operator-7",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "JWT", claims) // wrong typ

	_, err = a.CheckAuthentication(ctx, tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticator_IssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": "https://evil.example.com",
		"sub": "operator-7",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	_, err = a.CheckAuthentication(ctx, tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	cfg := baseConfig(oidc.issuer, aud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewFromDiscovery(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "operator-7",
		"aud": aud,
		"exp": now.Add(-time.Minute).Unix(),
		"iat": now.Add(-time.Hour).Unix(),
	}
	tok := signToken(t, pk, kid, "at+jwt", claims)

	_, err = a.CheckAuthentication(ctx, tok)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for expired token, got %v", err)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	oidc := newMockOIDC(t, jwks, nil)
	defer oidc.Close()

	aud := "https://console.example.com"
	cfg := DefaultStaticConfig()
	cfg.Issuer = oidc.issuer
	cfg.ExpectedAudiences = []string{aud}
	cfg.Leeway = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewStatic(ctx, cfg, oidc.issuer+"/keys")
	if err != nil {
		t.Fatalf("new static: %v", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": oidc.issuer,
		"sub": "operator-7",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	ui, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "at+jwt", claims))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ui.UserID() != "operator-7" {
		t.Fatalf("want sub operator-7, got %s", ui.UserID())
	}

	claims["aud"] = "https://unknown"
	if _, err := a.CheckAuthentication(ctx, signToken(t, pk, kid, "at+jwt", claims)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized for audience mismatch, got %v", err)
	}
}
