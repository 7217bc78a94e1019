package identityserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byID   map[string]*refreshRecord
	byHash map[string]string
	now    func() time.Time
}

type refreshRecord struct {
	TokenID         string `json:"token_id"`
	UserID          string `json:"user_id"`
	Hash            string `json:"hash"`
	ExpiresUnix     int64  `json:"expires_unix"`
	RevokedAtUnix   int64  `json:"revoked_at_unix"`
	PreviousTokenID string `json:"previous_token_id"`
	IssuedAtUnix    int64  `json:"issued_at_unix"`
}

// check returns the sentinel describing why the record cannot be used, or nil.
func (record *refreshRecord) check(now time.Time) error {
	if record.RevokedAtUnix != 0 {
		return ErrRefreshTokenRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(now) {
		return ErrRefreshTokenExpired
	}
	return nil
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := &refreshRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          applicationUserID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.now().Unix(),
	}
	store.byID[record.TokenID] = record
	store.byHash[hashValue] = record.TokenID
	return record.TokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", ErrRefreshTokenNotFound)
	}
	if checkErr := record.check(store.now()); checkErr != nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.memory: %w", checkErr)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.revoke.memory: %w", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = store.now().Unix()
	return nil
}
