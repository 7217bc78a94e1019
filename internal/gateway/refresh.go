package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// RefreshResult reports one refresh exchange.
type RefreshResult struct {
	Success    bool
	HTTPStatus int
	Err        error
	Pair       TokenPair
}

// RefreshProtocol exchanges the stored refresh token for a new pair and rotates the store.
type RefreshProtocol struct {
	provider      IdentityProvider
	configuration GatewayConfig
	logger        *zap.Logger
	metrics       MetricsRecorder
}

// NewRefreshProtocol constructs a RefreshProtocol.
func NewRefreshProtocol(provider IdentityProvider, configuration GatewayConfig, logger *zap.Logger, metrics MetricsRecorder) *RefreshProtocol {
	if provider == nil {
		panic("identity provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RefreshProtocol{
		provider:      provider,
		configuration: configuration,
		logger:        logger,
		metrics:       metrics,
	}
}

// Refresh performs a single exchange. The store is only mutated on success;
// callers must not loop on failure.
func (protocol *RefreshProtocol) Refresh(ctx context.Context, store TokenStore) RefreshResult {
	refreshToken, found := store.Get(RefreshToken)
	if !found || strings.TrimSpace(refreshToken) == "" {
		protocol.metrics.Increment(metricRefreshMissing)
		return RefreshResult{
			HTTPStatus: http.StatusUnauthorized,
			Err:        fmt.Errorf("gateway.refresh.missing_token: %w", ErrUnauthenticated),
		}
	}

	issued, exchangeErr := protocol.provider.Refresh(ctx, refreshToken)
	if exchangeErr == nil && strings.TrimSpace(issued.AccessToken) == "" {
		exchangeErr = fmt.Errorf("gateway.refresh.empty_access_token: %w", ErrMalformedResponse)
	}
	if exchangeErr != nil {
		if IsUpstreamFailure(exchangeErr) {
			protocol.metrics.Increment(metricRefreshUnavailable)
			protocol.logger.Warn("refresh exchange failed",
				zap.String("code", "gateway.refresh.upstream_unavailable"),
				zap.Error(exchangeErr))
			return RefreshResult{HTTPStatus: http.StatusServiceUnavailable, Err: exchangeErr}
		}
		protocol.metrics.Increment(metricRefreshRejected)
		protocol.logger.Info("refresh token rejected",
			zap.String("code", "gateway.refresh.rejected"),
			zap.Error(exchangeErr))
		if !errors.Is(exchangeErr, ErrRefreshRejected) {
			exchangeErr = fmt.Errorf("%w: %v", ErrRefreshRejected, exchangeErr)
		}
		return RefreshResult{HTTPStatus: http.StatusUnauthorized, Err: exchangeErr}
	}

	rotated := TokenPair{AccessToken: issued.AccessToken, RefreshToken: refreshToken}
	store.Set(AccessToken, issued.AccessToken, protocol.configuration.ttlFor(AccessToken))
	if strings.TrimSpace(issued.RefreshToken) != "" {
		rotated.RefreshToken = issued.RefreshToken
		store.Set(RefreshToken, issued.RefreshToken, protocol.configuration.ttlFor(RefreshToken))
	}
	protocol.metrics.Increment(metricRefreshSuccess)
	return RefreshResult{Success: true, HTTPStatus: http.StatusOK, Pair: rotated}
}
