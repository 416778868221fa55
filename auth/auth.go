package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks a
// required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// UserInfo represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the operator.
	UserID() string
	// Claims unmarshals the principal's claims into the provided struct
	// reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns the associated principal.
// Implementations return an error matching ErrUnauthorized for invalid
// credentials and ErrInsufficientScope for valid tokens missing a required
// scope.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
