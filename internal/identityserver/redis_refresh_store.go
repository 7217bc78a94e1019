package identityserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// revokedRetention keeps revoked and expired records around long enough to report
// the precise sentinel instead of not_found.
const revokedRetention = time.Hour

const defaultRedisKeyPrefix = "sessiongate:refresh"

// stringGetter is satisfied by both clients and WATCH transactions.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisRefreshTokenStore keeps refresh token records in Redis with expiry-driven TTLs.
type RedisRefreshTokenStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisRefreshTokenStore wraps a connected client. An empty prefix selects the default.
func NewRedisRefreshTokenStore(client redis.UniversalClient, keyPrefix string) *RedisRefreshTokenStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisRefreshTokenStore{
		client:    client,
		keyPrefix: keyPrefix,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("refresh_store.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("refresh_store.redis.ping: %w", pingErr)
	}
	return client, nil
}

func (store *RedisRefreshTokenStore) tokenKey(tokenID string) string {
	return store.keyPrefix + ":token:" + tokenID
}

func (store *RedisRefreshTokenStore) hashKey(hashValue string) string {
	return store.keyPrefix + ":hash:" + hashValue
}

func (store *RedisRefreshTokenStore) retentionFor(expiresUnix int64) time.Duration {
	remaining := time.Unix(expiresUnix, 0).Sub(store.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining + revokedRetention
}

// Issue stores a new record under both its id and its hash.
func (store *RedisRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.redis: %w", randomErr)
	}
	record := refreshRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          applicationUserID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.now().Unix(),
	}
	encoded, encodeErr := json.Marshal(record)
	if encodeErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.redis: %w", encodeErr)
	}
	retention := store.retentionFor(expiresUnix)
	_, pipeErr := store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, store.tokenKey(record.TokenID), encoded, retention)
		pipe.Set(ctx, store.hashKey(hashValue), record.TokenID, retention)
		return nil
	})
	if pipeErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.redis: %w", pipeErr)
	}
	return record.TokenID, opaque, nil
}

// Validate resolves the opaque token through its hash.
func (store *RedisRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, fmt.Errorf("refresh_store.validate.redis: %w", ErrRefreshTokenEmptyOpaque)
	}
	tokenID, lookupErr := store.client.Get(ctx, store.hashKey(hashOpaque(tokenOpaque))).Result()
	if errors.Is(lookupErr, redis.Nil) {
		return "", "", 0, fmt.Errorf("refresh_store.validate.redis: %w", ErrRefreshTokenNotFound)
	}
	if lookupErr != nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.redis: %w", lookupErr)
	}
	record, loadErr := store.load(ctx, store.client, tokenID)
	if loadErr != nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.redis: %w", loadErr)
	}
	if checkErr := record.check(store.now()); checkErr != nil {
		return "", "", 0, fmt.Errorf("refresh_store.validate.redis: %w", checkErr)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks the record revoked, guarded by WATCH so concurrent revokes report already_revoked.
func (store *RedisRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	key := store.tokenKey(tokenID)
	watchErr := store.client.Watch(ctx, func(transaction *redis.Tx) error {
		record, loadErr := store.load(ctx, transaction, tokenID)
		if loadErr != nil {
			return loadErr
		}
		if record.RevokedAtUnix != 0 {
			return ErrRefreshTokenAlreadyRevoked
		}
		record.RevokedAtUnix = store.now().Unix()
		encoded, encodeErr := json.Marshal(record)
		if encodeErr != nil {
			return encodeErr
		}
		_, pipeErr := transaction.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, encoded, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return pipeErr
	}, key)
	if errors.Is(watchErr, redis.TxFailedErr) {
		// Another writer touched the record between load and commit, which only a concurrent revoke does.
		return fmt.Errorf("refresh_store.revoke.redis: %w", ErrRefreshTokenAlreadyRevoked)
	}
	if watchErr != nil {
		return fmt.Errorf("refresh_store.revoke.redis: %w", watchErr)
	}
	return nil
}

func (store *RedisRefreshTokenStore) load(ctx context.Context, reader stringGetter, tokenID string) (refreshRecord, error) {
	payload, getErr := reader.Get(ctx, store.tokenKey(tokenID)).Bytes()
	if errors.Is(getErr, redis.Nil) {
		return refreshRecord{}, ErrRefreshTokenNotFound
	}
	if getErr != nil {
		return refreshRecord{}, getErr
	}
	var record refreshRecord
	if decodeErr := json.Unmarshal(payload, &record); decodeErr != nil {
		return refreshRecord{}, fmt.Errorf("decode: %w", decodeErr)
	}
	return record, nil
}
