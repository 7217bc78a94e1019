// Package gateway implements the cookie-backed session layer in front of an identity provider.
package gateway

import (
	"net/http"
	"time"
)

const (
	// DefaultAccessCookieName names the cookie that carries the access token.
	DefaultAccessCookieName = "accessToken"
	// DefaultRefreshCookieName names the cookie that carries the refresh token.
	DefaultRefreshCookieName = "refreshToken"
	// DefaultLoginPath is where the route guard sends callers without credentials.
	DefaultLoginPath = "/auth/login"
	// ReturnTargetParameter carries the originally requested path on a guard redirect.
	ReturnTargetParameter = "next"

	// DefaultAccessCookieTTL is the access cookie Max-Age (3600s).
	DefaultAccessCookieTTL = time.Hour
	// DefaultRefreshCookieTTL is the refresh cookie Max-Age (2592000s).
	DefaultRefreshCookieTTL = 30 * 24 * time.Hour
	// DefaultExposedTokenTTL is the expiry horizon advertised by the token exposure endpoint.
	// It is intentionally shorter than DefaultAccessCookieTTL.
	DefaultExposedTokenTTL = 15 * time.Minute
	// DefaultLogoutRevokeTimeout bounds the best-effort upstream revoke on logout.
	DefaultLogoutRevokeTimeout = 3 * time.Second
)

// DefaultPublicPaths lists the prefixes the route guard never inspects.
var DefaultPublicPaths = []string{
	"/auth",
	"/api",
	"/static",
	"/healthz",
	"/about",
	"/pricing",
	"/contact",
	"/favicon.ico",
}

// GatewayConfig configures cookies, TTLs, and guard behavior.
type GatewayConfig struct {
	AccessCookieName    string
	RefreshCookieName   string
	CookieDomain        string
	SecureCookies       bool
	SameSiteMode        http.SameSite
	AccessCookieTTL     time.Duration
	RefreshCookieTTL    time.Duration
	ExposedTokenTTL     time.Duration
	LogoutRevokeTimeout time.Duration
	LoginPath           string
	PublicPaths         []string
}

// DefaultGatewayConfig returns the production defaults.
func DefaultGatewayConfig() GatewayConfig {
	publicPaths := make([]string, len(DefaultPublicPaths))
	copy(publicPaths, DefaultPublicPaths)
	return GatewayConfig{
		AccessCookieName:    DefaultAccessCookieName,
		RefreshCookieName:   DefaultRefreshCookieName,
		SecureCookies:       true,
		SameSiteMode:        http.SameSiteLaxMode,
		AccessCookieTTL:     DefaultAccessCookieTTL,
		RefreshCookieTTL:    DefaultRefreshCookieTTL,
		ExposedTokenTTL:     DefaultExposedTokenTTL,
		LogoutRevokeTimeout: DefaultLogoutRevokeTimeout,
		LoginPath:           DefaultLoginPath,
		PublicPaths:         publicPaths,
	}
}

// IssuedAtCookieName names the companion cookie that records when the access token was written.
func (configuration GatewayConfig) IssuedAtCookieName() string {
	return configuration.AccessCookieName + "IssuedAt"
}

func (configuration GatewayConfig) ttlFor(kind TokenKind) time.Duration {
	if kind == RefreshToken {
		return configuration.RefreshCookieTTL
	}
	return configuration.AccessCookieTTL
}

// SecureForEnvironment reports whether cookies carry the Secure flag in the named environment.
func SecureForEnvironment(environment string) bool {
	switch environment {
	case "development", "dev", "local", "test":
		return false
	default:
		return true
	}
}
