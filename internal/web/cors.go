package web

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// DefaultCORSPathPrefix is where cross-origin front-ends reach the session endpoints.
const DefaultCORSPathPrefix = "/api/auth"

var (
	errCORSNoOrigins     = errors.New("web.cors.no_origins")
	errCORSWildcard      = errors.New("web.cors.wildcard_origin")
	errCORSInvalidOrigin = errors.New("web.cors.invalid_origin")
)

// CORSPolicy scopes credentialed cross-origin access to the session API.
type CORSPolicy struct {
	AllowedOrigins []string
	PathPrefix     string
}

// SessionAPICORS answers cross-origin requests, preflights included, only beneath the policy prefix.
// It must be installed with router.Use so preflights are handled before NoRoute reaches the application.
func SessionAPICORS(logger *zap.Logger, policy CORSPolicy) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := allowedOrigins(logger, policy.AllowedOrigins)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(strings.TrimSpace(policy.PathPrefix), "/")
	if prefix == "" {
		prefix = DefaultCORSPathPrefix
	}
	handler := cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type"},
		ExposeHeaders:    []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	})
	return func(contextGin *gin.Context) {
		requestPath := contextGin.Request.URL.Path
		if requestPath != prefix && !strings.HasPrefix(requestPath, prefix+"/") {
			contextGin.Next()
			return
		}
		handler(contextGin)
	}, nil
}

// allowedOrigins keeps configuration order and drops duplicates.
func allowedOrigins(logger *zap.Logger, configured []string) ([]string, error) {
	seen := make(map[string]struct{}, len(configured))
	origins := make([]string, 0, len(configured))
	for _, raw := range configured {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, plaintextRemote, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin]; duplicate {
			continue
		}
		if plaintextRemote {
			logger.Warn("cors origin sends session cookies over plain http",
				zap.String("code", "web.cors.plaintext_origin"),
				zap.String("origin", origin))
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errCORSNoOrigins
	}
	return origins, nil
}

// normalizeOrigin reduces an origin to lower-case scheme://host[:port].
// plaintextRemote is set for http origins that are not loopback.
func normalizeOrigin(raw string) (origin string, plaintextRemote bool, err error) {
	if raw == "*" {
		return "", false, errCORSWildcard
	}
	parsed, parseErr := url.Parse(raw)
	if parseErr != nil || parsed.Host == "" || parsed.User != nil {
		return "", false, fmt.Errorf("%w: %s", errCORSInvalidOrigin, raw)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %s is not a bare origin", errCORSInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false, fmt.Errorf("%w: %s", errCORSInvalidOrigin, raw)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), scheme == "http" && !isLoopback(parsed.Hostname()), nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
