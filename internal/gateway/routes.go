package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gateway wires the session components to one identity provider.
type Gateway struct {
	Configuration GatewayConfig
	Provider      IdentityProvider
	Refresh       *RefreshProtocol
	Introspector  *SessionIntrospector
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

// NewGateway builds a Gateway; nil clock, logger, and metrics fall back to defaults.
func NewGateway(configuration GatewayConfig, provider IdentityProvider, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *Gateway {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	refresh := NewRefreshProtocol(provider, configuration, logger, metrics)
	return &Gateway{
		Configuration: configuration,
		Provider:      provider,
		Refresh:       refresh,
		Introspector:  NewSessionIntrospector(provider, refresh, logger, metrics),
		Clock:         clock,
		Logger:        logger,
		Metrics:       metrics,
	}
}

// StoreFor returns the cookie-backed token store of the current request.
func (gateway *Gateway) StoreFor(contextGin *gin.Context) TokenStore {
	return NewCookieTokenStore(contextGin.Request, contextGin.Writer, gateway.Configuration).WithClock(gateway.Clock)
}

// MountSessionRoutes registers login, logout, refresh, session, and token under the router group.
func MountSessionRoutes(router gin.IRouter, gateway *Gateway, loginLimit RateLimitConfig) {
	router.POST("/login", RateLimitMiddleware(loginLimit), gateway.handleLogin)
	router.POST("/logout", gateway.handleLogout)
	router.POST("/refresh", gateway.handleRefresh)
	router.GET("/session", gateway.handleSession)
	router.GET("/token", gateway.handleToken)
}

func (gateway *Gateway) handleLogin(contextGin *gin.Context) {
	var credentials Credentials
	if bindErr := contextGin.ShouldBindJSON(&credentials); bindErr != nil || strings.TrimSpace(credentials.Username) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid_json"})
		return
	}

	pair, loginErr := gateway.Provider.Login(contextGin.Request.Context(), credentials)
	if loginErr == nil && (strings.TrimSpace(pair.AccessToken) == "" || strings.TrimSpace(pair.RefreshToken) == "") {
		loginErr = ErrMalformedResponse
	}
	if loginErr != nil {
		gateway.Metrics.Increment(metricLoginFailure)
		if IsUpstreamFailure(loginErr) {
			gateway.Logger.Warn("login upstream unavailable",
				zap.String("code", "gateway.login.upstream_unavailable"),
				zap.Error(loginErr))
			contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "upstream_unavailable"})
			return
		}
		gateway.Logger.Info("login rejected",
			zap.String("code", "gateway.login.rejected"),
			zap.Error(loginErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid_credentials"})
		return
	}

	store := gateway.StoreFor(contextGin)
	store.Set(AccessToken, pair.AccessToken, gateway.Configuration.ttlFor(AccessToken))
	store.Set(RefreshToken, pair.RefreshToken, gateway.Configuration.ttlFor(RefreshToken))
	gateway.Metrics.Increment(metricLoginSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

func (gateway *Gateway) handleLogout(contextGin *gin.Context) {
	store := gateway.StoreFor(contextGin)
	if refreshToken, found := store.Get(RefreshToken); found {
		revokeContext, cancel := context.WithTimeout(contextGin.Request.Context(), gateway.revokeTimeout())
		revokeErr := gateway.Provider.Revoke(revokeContext, refreshToken)
		cancel()
		if revokeErr != nil {
			gateway.Metrics.Increment(metricLogoutRevokeFailure)
			gateway.Logger.Warn("upstream revoke failed during logout",
				zap.String("code", "gateway.logout.revoke_failed"),
				zap.Error(revokeErr))
		}
	}
	store.Delete(AccessToken)
	store.Delete(RefreshToken)
	gateway.Metrics.Increment(metricLogoutSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

func (gateway *Gateway) handleRefresh(contextGin *gin.Context) {
	result := gateway.Refresh.Refresh(contextGin.Request.Context(), gateway.StoreFor(contextGin))
	if !result.Success {
		status := result.HTTPStatus
		if status == 0 {
			status = http.StatusUnauthorized
		}
		contextGin.AbortWithStatusJSON(status, gin.H{"success": false})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"success": true})
}

func (gateway *Gateway) handleSession(contextGin *gin.Context) {
	outcome := gateway.Introspector.Introspect(contextGin.Request.Context(), gateway.StoreFor(contextGin))
	if outcome.IsAuthenticated() {
		contextGin.JSON(http.StatusOK, gin.H{"isAuthenticated": true, "user": outcome.Identity})
		return
	}
	payload := gin.H{"isAuthenticated": false}
	if outcome.Kind == UpstreamUnavailable {
		payload["upstreamUnavailable"] = true
	}
	contextGin.JSON(http.StatusOK, payload)
}

func (gateway *Gateway) revokeTimeout() time.Duration {
	if gateway.Configuration.LogoutRevokeTimeout > 0 {
		return gateway.Configuration.LogoutRevokeTimeout
	}
	return DefaultLogoutRevokeTimeout
}
