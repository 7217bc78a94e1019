package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/sessiongate/internal/gateway"
	"go.uber.org/zap"
)

var errInvalidAppURL = errors.New("web.app.invalid_upstream_url")

// ApplicationHandler serves everything the route guard let through that no other route claimed.
// With an upstream URL it reverse proxies and forwards the access token as a bearer header;
// without one it answers with a minimal placeholder.
func ApplicationHandler(logger *zap.Logger, configuration gateway.GatewayConfig, upstreamURL string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(upstreamURL) == "" {
		return func(contextGin *gin.Context) {
			contextGin.JSON(http.StatusOK, gin.H{"path": contextGin.Request.URL.Path, "application": "unconfigured"})
		}, nil
	}
	target, parseErr := url.Parse(upstreamURL)
	if parseErr != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, fmt.Errorf("%w: %s", errInvalidAppURL, upstreamURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(request *httputil.ProxyRequest) {
			request.SetURL(target)
			request.SetXForwarded()
			request.Out.Header.Del("Authorization")
			stripCookies(request.Out, configuration.AccessCookieName, configuration.RefreshCookieName, configuration.IssuedAtCookieName())
			store := gateway.NewCookieTokenStore(request.In, nil, configuration)
			if accessToken, found := store.Get(gateway.AccessToken); found {
				request.Out.Header.Set("Authorization", "Bearer "+accessToken)
			}
		},
		ErrorHandler: func(writer http.ResponseWriter, request *http.Request, proxyErr error) {
			logger.Warn("application upstream failed",
				zap.String("code", "web.app.upstream_failed"),
				zap.String("path", request.URL.Path),
				zap.Error(proxyErr))
			writer.WriteHeader(http.StatusBadGateway)
		},
	}
	return func(contextGin *gin.Context) {
		proxy.ServeHTTP(contextGin.Writer, contextGin.Request)
	}, nil
}

// stripCookies removes the credential cookies so the application never sees the refresh token.
func stripCookies(request *http.Request, names ...string) {
	cookies := request.Cookies()
	request.Header.Del("Cookie")
	for _, cookie := range cookies {
		keep := true
		for _, name := range names {
			if cookie.Name == name {
				keep = false
				break
			}
		}
		if keep {
			request.AddCookie(cookie)
		}
	}
}
