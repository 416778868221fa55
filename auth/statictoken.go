package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
)

// staticTokenAuthenticator accepts exactly one pre-shared bearer token.
type staticTokenAuthenticator struct {
	token   string
	subject string
}

// NewStaticToken returns an Authenticator that accepts a single pre-shared
// token and attributes it to the given subject. Comparison is constant time.
//
// This is intended for agent links and single-operator development setups. It
// advertises nothing; production consoles should use NewFromDiscovery.
func NewStaticToken(token, subject string) (Authenticator, error) {
	if token == "" {
		return nil, fmt.Errorf("static token must not be empty")
	}
	if subject == "" {
		subject = "static"
	}
	return &staticTokenAuthenticator{token: token, subject: subject}, nil
}

func (a *staticTokenAuthenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if subtle.ConstantTimeCompare([]byte(tok), []byte(a.token)) != 1 {
		return nil, fmt.Errorf("%w: token mismatch", ErrUnauthorized)
	}
	return staticUser{subject: a.subject}, nil
}

type staticUser struct{ subject string }

func (u staticUser) UserID() string { return u.subject }

func (u staticUser) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": u.subject})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ Authenticator = (*staticTokenAuthenticator)(nil)
