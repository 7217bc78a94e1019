package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates missing or invalid credentials.
	ErrUnauthenticated = errors.New("gateway.unauthenticated")
	// ErrInvalidCredentials is returned by login when the upstream rejects the credentials.
	// It never says which field was wrong.
	ErrInvalidCredentials = errors.New("gateway.invalid_credentials")
	// ErrRefreshRejected indicates the upstream refused the refresh token (invalid, expired, revoked).
	ErrRefreshRejected = errors.New("gateway.refresh_rejected")
	// ErrUpstreamUnavailable indicates a network failure or 5xx from the identity service.
	ErrUpstreamUnavailable = errors.New("gateway.upstream_unavailable")
	// ErrMalformedResponse indicates the identity service returned an unexpected shape.
	// It matches ErrUpstreamUnavailable under errors.Is.
	ErrMalformedResponse = fmt.Errorf("gateway.malformed_response: %w", ErrUpstreamUnavailable)
)

// IsUpstreamFailure reports whether err is a transport-level failure rather than an auth rejection.
func IsUpstreamFailure(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
