package gateway

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PublicPathSet is an ordered set of path prefixes exempt from the route guard.
// Matching is per segment: "/auth" covers "/auth" and "/auth/login" but not "/authx".
type PublicPathSet struct {
	prefixes []string
}

// NewPublicPathSet normalizes the prefixes, dropping blanks and duplicates while keeping order.
func NewPublicPathSet(prefixes []string) PublicPathSet {
	seen := make(map[string]struct{}, len(prefixes))
	normalized := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		trimmed := strings.TrimSpace(prefix)
		if trimmed == "" || trimmed == "/" {
			continue
		}
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		trimmed = strings.TrimRight(trimmed, "/")
		if _, exists := seen[trimmed]; exists {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return PublicPathSet{prefixes: normalized}
}

// Prefixes returns the normalized prefixes in order.
func (set PublicPathSet) Prefixes() []string {
	cloned := make([]string, len(set.prefixes))
	copy(cloned, set.prefixes)
	return cloned
}

// Contains reports whether the cleaned path is the root, equals a prefix, or lies beneath one.
func (set PublicPathSet) Contains(requestPath string) bool {
	cleaned := CleanRequestPath(requestPath)
	if cleaned == "/" {
		return true
	}
	for _, prefix := range set.prefixes {
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return true
		}
	}
	return false
}

// CleanRequestPath resolves dot segments and duplicate slashes, keeping a trailing slash.
// Percent-encoded dots are expected to be decoded already, as in url.URL.Path.
func CleanRequestPath(requestPath string) string {
	cleaned := path.Clean("/" + requestPath)
	if cleaned != "/" && strings.HasSuffix(requestPath, "/") {
		cleaned += "/"
	}
	return cleaned
}

// GuardDecision is the outcome of the route guard for one request.
type GuardDecision int

const (
	// Passthrough lets the request continue to routing.
	Passthrough GuardDecision = iota
	// Blocked redirects the request to the login path.
	Blocked
)

// Decide evaluates the guard for path against store.
func Decide(publicPaths PublicPathSet, path string, store TokenStore) GuardDecision {
	if publicPaths.Contains(path) {
		return Passthrough
	}
	_, hasAccess := store.Get(AccessToken)
	_, hasRefresh := store.Get(RefreshToken)
	if !hasAccess && !hasRefresh {
		return Blocked
	}
	return Passthrough
}

// LoginRedirectLocation builds the login URL carrying the original path as the return target.
func LoginRedirectLocation(loginPath string, originalPath string) string {
	returnTarget := strings.ReplaceAll(url.QueryEscape(originalPath), "%2F", "/")
	return loginPath + "?" + ReturnTargetParameter + "=" + returnTarget
}

// RouteGuard redirects requests for non-public paths that carry neither token.
// It is a cheap pre-filter; token validity is checked downstream.
// The request path is cleaned before the decision and the cleaned path is what gets served,
// so "/auth/../admin" is judged and forwarded as "/admin".
func RouteGuard(configuration GatewayConfig, logger *zap.Logger, metrics MetricsRecorder) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	loginPath := configuration.LoginPath
	if strings.TrimSpace(loginPath) == "" {
		loginPath = DefaultLoginPath
	}
	exempt := make([]string, 0, len(configuration.PublicPaths)+1)
	exempt = append(exempt, configuration.PublicPaths...)
	exempt = append(exempt, loginPath)
	publicPaths := NewPublicPathSet(exempt)
	return func(contextGin *gin.Context) {
		requestPath := CleanRequestPath(contextGin.Request.URL.Path)
		if requestPath != contextGin.Request.URL.Path {
			contextGin.Request.URL.Path = requestPath
			contextGin.Request.URL.RawPath = ""
		}
		store := NewCookieTokenStore(contextGin.Request, contextGin.Writer, configuration)
		if Decide(publicPaths, requestPath, store) == Blocked {
			metrics.Increment(metricGuardRedirect)
			logger.Debug("guard redirect",
				zap.String("code", "gateway.guard.redirect"),
				zap.String("path", requestPath))
			contextGin.Redirect(http.StatusFound, LoginRedirectLocation(loginPath, requestPath))
			contextGin.Abort()
			return
		}
		contextGin.Next()
	}
}
