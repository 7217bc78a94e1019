package identityserver

import "errors"

var (
	// ErrRefreshTokenNotFound indicates no refresh token matched the provided value.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenAlreadyRevoked signals a repeated revoke of the same token.
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")

	// ErrInvalidCredentials is returned for any username/password mismatch.
	ErrInvalidCredentials = errors.New("users.invalid_credentials")
	// ErrUserNotFound indicates no user matched the identifier.
	ErrUserNotFound = errors.New("users.not_found")
	// ErrInvalidUser indicates a user definition missing its username or password.
	ErrInvalidUser = errors.New("users.invalid_user")

	// ErrInvalidAccessToken indicates a bearer token failed signature, issuer, or shape checks.
	ErrInvalidAccessToken = errors.New("access_token.invalid")
	// ErrAccessTokenExpired indicates a bearer token is past its expiry.
	ErrAccessTokenExpired = errors.New("access_token.expired")
)
