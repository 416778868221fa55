package auth

import (
	"fmt"
	"net/http"
)

// AuthenticationResult represents the outcome of an authentication attempt.
// Success implementations return non-nil user info; failure variants expose a
// challenge for the transport to write.
type AuthenticationResult interface {
	UserInfo() (UserInfo, error)
	GetAuthenticationChallenge() *AuthenticationChallenge
}

// AuthenticationChallenge describes an HTTP challenge (status plus
// WWW-Authenticate header value).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

var _ AuthenticationResult = (*authenticationFailure)(nil)

// authenticationFailure carries RFC 6750 challenge information for a failed
// authentication attempt.
type authenticationFailure struct {
	challenge *AuthenticationChallenge
	err       error
}

// NewAuthenticationRequired builds a challenge indicating credentials are
// required, pointing clients at the protected resource metadata document.
func NewAuthenticationRequired(resourceMetadataURL string) *authenticationFailure {
	return &authenticationFailure{
		challenge: &AuthenticationChallenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer resource_metadata="%s"`, resourceMetadataURL),
		},
		err: fmt.Errorf("%w: credentials required", ErrUnauthorized),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed
// Authorization header.
func NewInvalidAuthorizationHeader(realm string) *authenticationFailure {
	return &authenticationFailure{
		challenge: &AuthenticationChallenge{
			Status:          http.StatusBadRequest,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s" error="invalid_request", error_description="Invalid Authorization header"`, realm),
		},
		err: fmt.Errorf("%w: invalid authorization header", ErrUnauthorized),
	}
}

// NewInvalidTokenResult builds a challenge indicating the presented token is
// invalid.
func NewInvalidTokenResult(realm string, description string) *authenticationFailure {
	return &authenticationFailure{
		challenge: &AuthenticationChallenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s" error="invalid_token", error_description="%s"`, realm, description),
		},
		err: fmt.Errorf("%w: %s", ErrUnauthorized, description),
	}
}

// NewInsufficientScopeResult builds a challenge indicating a missing required
// scope.
func NewInsufficientScopeResult(realm string, scope string) *authenticationFailure {
	return &authenticationFailure{
		challenge: &AuthenticationChallenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s" error="insufficient_scope", error_description="Insufficient scope: %s"`, realm, scope),
		},
		err: fmt.Errorf("%w: %s", ErrInsufficientScope, scope),
	}
}

func (f *authenticationFailure) UserInfo() (UserInfo, error) {
	return nil, f.err
}

func (f *authenticationFailure) GetAuthenticationChallenge() *AuthenticationChallenge {
	return f.challenge
}
