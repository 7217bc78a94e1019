package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleToken hands the access token to same-origin script transports.
// The advertised expiry is a fixed horizon from when the gateway wrote the token and is
// informational only; the identity service remains the authority.
func (gateway *Gateway) handleToken(contextGin *gin.Context) {
	store := gateway.StoreFor(contextGin)
	accessToken, found := store.Get(AccessToken)
	if !found {
		gateway.Metrics.Increment(metricTokenMissing)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no_token"})
		return
	}
	gateway.Metrics.Increment(metricTokenExposed)
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{
		"accessToken": accessToken,
		"expiresAt":   issuedAt(store, gateway.Clock).Add(gateway.exposedTTL()).UTC().Format(time.RFC3339),
	})
}

// issuedAt falls back to now for access tokens that predate the issuance stamp.
func issuedAt(store TokenStore, clock Clock) time.Time {
	if reader, ok := store.(AccessIssuanceReader); ok {
		if stamped, found := reader.AccessIssuedAt(); found {
			return stamped
		}
	}
	return clock.Now()
}

func (gateway *Gateway) exposedTTL() time.Duration {
	if gateway.Configuration.ExposedTokenTTL > 0 {
		return gateway.Configuration.ExposedTokenTTL
	}
	return DefaultExposedTokenTTL
}

