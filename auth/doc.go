// Package auth provides pluggable authentication primitives for the console
// HTTP surface and the agent link. It focuses on bearer token verification
// for deployments that delegate authorization to an external OAuth 2.0 / OIDC
// authorization server, with a pre-shared token mode for agents and
// development.
//
// The public surface stays small: an Authenticator validates an incoming
// bearer token string and returns a UserInfo (or an error). The transport is
// responsible for extracting the token from the HTTP request and mapping
// sentinel errors into challenges.
//
// # Access Token Authentication
//
// NewFromDiscovery constructs a SecurityProvider that validates JWT access
// tokens using OpenID Connect discovery to obtain the issuer's JWKS and
// metadata. Callers configure validation requirements via functional options.
//
//	ctx := context.Background()
//	authn, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://console.example",
//	    auth.WithRequiredScopes("nodes:read"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Later inside request handling (pseudocode):
//	ui, err := authn.CheckAuthentication(r.Context(), bearerToken)
//	if errors.Is(err, auth.ErrUnauthorized) { /* map to 401 challenge */ }
//	if errors.Is(err, auth.ErrInsufficientScope) { /* map to 403 */ }
//	operator := ui.UserID()
//
// # Scopes
//
// WithRequiredScopes enforces that all provided scopes are present in the
// token's space-delimited scope claim; WithAnyRequiredScope relaxes this so
// at least one matches. Only one of these should be used per configuration
// (subsequent calls overwrite scope mode).
//
// # Algorithms and Clock Skew
//
// By default only RS256 is accepted. Use WithAllowedAlgs to broaden the set.
// WithLeeway adds tolerance for clock skew when validating time claims.
//
// # Pre-shared Tokens
//
// NewStaticToken accepts a single fixed token and attributes it to a
// configured subject. Agent links authenticate this way; so can a
// single-operator development console.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience).
// ErrInsufficientScope signals successful authentication but missing required
// scope(s). HTTP challenge detail is carried by AuthenticationResult, which
// the transport constructs; typical callers never build one directly.
package auth
