package identityserver

import "context"

// RefreshTokenStore manages long-lived rotating refresh tokens. Only hashes are persisted.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}

// UserStore authenticates and resolves users.
type UserStore interface {
	Authenticate(ctx context.Context, username string, password string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	UpsertUser(ctx context.Context, definition UserDefinition) (User, error)
}
