// Package authtest provides authenticators for tests and development
// environments where real token validation is not wanted.
package authtest

import (
	"context"
	"encoding/json"

	"github.com/manlab/nodescope-go/auth"
)

// NoAuth accepts every token and attributes it to a fixed user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth authenticator with the specified user ID. An
// empty userID defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &noAuthUserInfo{userID: n.UserID}, nil
}

type noAuthUserInfo struct {
	userID string
}

func (n *noAuthUserInfo) UserID() string { return n.userID }

func (n *noAuthUserInfo) Claims(ref any) error {
	b, err := json.Marshal(map[string]string{"sub": n.userID})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ auth.Authenticator = (*NoAuth)(nil)
