package gateway

import (
	"context"
	"time"
)

// Identity describes the authenticated caller as reported by the identity service.
type Identity struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

// Credentials are the login form values forwarded to the identity service.
type Credentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// IdentityProvider is the upstream identity service.
//
// Implementations return ErrInvalidCredentials or ErrRefreshRejected or ErrUnauthenticated
// for auth rejections and ErrUpstreamUnavailable (or ErrMalformedResponse) otherwise.
type IdentityProvider interface {
	Login(ctx context.Context, credentials Credentials) (TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
	FetchIdentity(ctx context.Context, accessToken string) (Identity, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}
