package gateway

import (
	"context"
	"sync"
	"time"
)

type fakeProvider struct {
	mutex        sync.Mutex
	loginFunc    func(context.Context, Credentials) (TokenPair, error)
	refreshFunc  func(context.Context, string) (TokenPair, error)
	identityFunc func(context.Context, string) (Identity, error)
	revokeFunc   func(context.Context, string) error

	loginCalls    int
	refreshCalls  []string
	identityCalls []string
	revokeCalls   []string
}

func (provider *fakeProvider) Login(ctx context.Context, credentials Credentials) (TokenPair, error) {
	provider.mutex.Lock()
	provider.loginCalls++
	provider.mutex.Unlock()
	if provider.loginFunc == nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	return provider.loginFunc(ctx, credentials)
}

func (provider *fakeProvider) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	provider.mutex.Lock()
	provider.refreshCalls = append(provider.refreshCalls, refreshToken)
	provider.mutex.Unlock()
	if provider.refreshFunc == nil {
		return TokenPair{}, ErrRefreshRejected
	}
	return provider.refreshFunc(ctx, refreshToken)
}

func (provider *fakeProvider) FetchIdentity(ctx context.Context, accessToken string) (Identity, error) {
	provider.mutex.Lock()
	provider.identityCalls = append(provider.identityCalls, accessToken)
	provider.mutex.Unlock()
	if provider.identityFunc == nil {
		return Identity{}, ErrUnauthenticated
	}
	return provider.identityFunc(ctx, accessToken)
}

func (provider *fakeProvider) Revoke(ctx context.Context, refreshToken string) error {
	provider.mutex.Lock()
	provider.revokeCalls = append(provider.revokeCalls, refreshToken)
	provider.mutex.Unlock()
	if provider.revokeFunc == nil {
		return nil
	}
	return provider.revokeFunc(ctx, refreshToken)
}

// identitiesFor answers FetchIdentity successfully only for the listed access tokens.
func identitiesFor(valid map[string]Identity) func(context.Context, string) (Identity, error) {
	return func(_ context.Context, accessToken string) (Identity, error) {
		identity, ok := valid[accessToken]
		if !ok {
			return Identity{}, ErrUnauthenticated
		}
		return identity, nil
	}
}

type fixedClock struct {
	now time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.now
}

func testConfig() GatewayConfig {
	configuration := DefaultGatewayConfig()
	configuration.SecureCookies = false
	return configuration
}
