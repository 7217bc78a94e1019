package identityserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server bundles the identity service dependencies.
type Server struct {
	configuration ServerConfig
	users         UserStore
	refreshTokens RefreshTokenStore
	clock         Clock
	logger        *zap.Logger
}

// NewServer validates configuration and returns a Server.
func NewServer(configuration ServerConfig, users UserStore, refreshTokens RefreshTokenStore, clock Clock, logger *zap.Logger) (*Server, error) {
	if err := configuration.Validate(); err != nil {
		return nil, err
	}
	if users == nil || refreshTokens == nil {
		return nil, errors.New("identity.server.missing_store")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		configuration: configuration,
		users:         users,
		refreshTokens: refreshTokens,
		clock:         clock,
		logger:        logger,
	}, nil
}

type tokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Mount registers /login, /refresh, /me, and /revoke.
func (server *Server) Mount(router gin.IRouter) {
	router.POST("/login", server.handleLogin)
	router.POST("/refresh", server.handleRefresh)
	router.GET("/me", server.handleMe)
	router.POST("/revoke", server.handleRevoke)
}

func (server *Server) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Username) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	user, authErr := server.users.Authenticate(contextGin.Request.Context(), inbound.Username, inbound.Password)
	if authErr != nil {
		if errors.Is(authErr, ErrInvalidCredentials) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		server.logger.Error("user lookup failed",
			zap.String("code", "identity.login.lookup_failed"),
			zap.Error(authErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	server.issuePair(contextGin, user)
}

func (server *Server) handleRefresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}
	requestContext := contextGin.Request.Context()
	userID, currentTokenID, _, validateErr := server.refreshTokens.Validate(requestContext, inbound.RefreshToken)
	if validateErr != nil {
		server.logger.Info("refresh token rejected",
			zap.String("code", "identity.refresh.rejected"),
			zap.Error(validateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}
	user, userErr := server.users.GetUser(requestContext, userID)
	if userErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
		return
	}
	// The replacement is issued before the current token is revoked so a failed issue leaves the caller's token usable.
	payload, issuedTokenID, issueErr := server.mintPair(requestContext, user, currentTokenID)
	if issueErr != nil {
		server.logger.Error("token pair issue failed",
			zap.String("code", "identity.refresh.issue_failed"),
			zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if revokeErr := server.refreshTokens.Revoke(requestContext, currentTokenID); revokeErr != nil {
		if discardErr := server.refreshTokens.Revoke(requestContext, issuedTokenID); discardErr != nil {
			server.logger.Warn("discarding replacement refresh token failed",
				zap.String("code", "identity.refresh.discard_failed"),
				zap.Error(discardErr))
		}
		// Losing a concurrent rotation race leaves the caller with a stale token.
		if errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
			return
		}
		server.logger.Error("refresh token revoke failed",
			zap.String("code", "identity.refresh.revoke_failed"),
			zap.Error(revokeErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, payload)
}

func (server *Server) issuePair(contextGin *gin.Context, user User) {
	payload, _, issueErr := server.mintPair(contextGin.Request.Context(), user, "")
	if issueErr != nil {
		server.logger.Error("token pair issue failed",
			zap.String("code", "identity.login.issue_failed"),
			zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, payload)
}

// mintPair signs an access token and persists a refresh token chained to previousTokenID.
func (server *Server) mintPair(ctx context.Context, user User, previousTokenID string) (tokenPayload, string, error) {
	accessToken, _, mintErr := MintAccessToken(server.clock, user, server.configuration.Issuer, server.configuration.SigningKey, server.configuration.AccessTTL)
	if mintErr != nil {
		return tokenPayload{}, "", fmt.Errorf("identity.mint_failed: %w", mintErr)
	}
	expiresUnix := server.clock.Now().Add(server.configuration.RefreshTTL).Unix()
	tokenID, refreshOpaque, issueErr := server.refreshTokens.Issue(ctx, user.ID, expiresUnix, previousTokenID)
	if issueErr != nil {
		return tokenPayload{}, "", fmt.Errorf("identity.issue_failed: %w", issueErr)
	}
	if strings.TrimSpace(refreshOpaque) == "" {
		return tokenPayload{}, "", errors.New("identity.issue_failed: empty refresh token")
	}
	return tokenPayload{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		ExpiresIn:    int64(server.configuration.AccessTTL.Seconds()),
	}, tokenID, nil
}

func (server *Server) handleMe(contextGin *gin.Context) {
	bearer, found := strings.CutPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
	if !found || strings.TrimSpace(bearer) == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
		return
	}
	claims, validateErr := ValidateAccessToken(server.clock, bearer, server.configuration.Issuer, server.configuration.SigningKey)
	if validateErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}
	user, userErr := server.users.GetUser(contextGin.Request.Context(), claims.UserID)
	if userErr != nil {
		if errors.Is(userErr, ErrUserNotFound) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_user"})
			return
		}
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id":      user.ID,
		"username":     user.Username,
		"display_name": user.DisplayName,
		"roles":        roles,
	})
}

// handleRevoke is idempotent: unknown or already revoked tokens still answer 204.
func (server *Server) handleRevoke(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.RefreshToken) != "" {
		_, tokenID, _, validateErr := server.refreshTokens.Validate(contextGin.Request.Context(), inbound.RefreshToken)
		if validateErr == nil && tokenID != "" {
			_ = server.refreshTokens.Revoke(contextGin.Request.Context(), tokenID)
		}
	}
	contextGin.Status(http.StatusNoContent)
}
