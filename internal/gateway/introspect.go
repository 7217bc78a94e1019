package gateway

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// OutcomeKind classifies an introspection result.
type OutcomeKind int

const (
	// Unauthenticated means no valid credentials could be established.
	Unauthenticated OutcomeKind = iota
	// Authenticated means the identity service confirmed the caller.
	Authenticated
	// UpstreamUnavailable means the identity service could not be reached.
	// Callers treat it as not authenticated but may offer a retry instead of a login.
	UpstreamUnavailable
)

func (kind OutcomeKind) String() string {
	switch kind {
	case Authenticated:
		return "authenticated"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "unauthenticated"
	}
}

// Outcome is the result of one introspection.
type Outcome struct {
	Kind      OutcomeKind
	Identity  *Identity
	Err       error
	Refreshed bool
}

// IsAuthenticated reports whether the caller has a confirmed identity.
func (outcome Outcome) IsAuthenticated() bool {
	return outcome.Kind == Authenticated && outcome.Identity != nil
}

type introspectionState int

const (
	stateFetch introspectionState = iota
	stateRefresh
	stateRetryFetch
	stateDone
)

// SessionIntrospector resolves the current caller with at most one refresh and two fetches.
type SessionIntrospector struct {
	provider IdentityProvider
	refresh  *RefreshProtocol
	logger   *zap.Logger
	metrics  MetricsRecorder
}

// NewSessionIntrospector constructs a SessionIntrospector.
func NewSessionIntrospector(provider IdentityProvider, refresh *RefreshProtocol, logger *zap.Logger, metrics MetricsRecorder) *SessionIntrospector {
	if provider == nil || refresh == nil {
		panic("identity provider and refresh protocol are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SessionIntrospector{
		provider: provider,
		refresh:  refresh,
		logger:   logger,
		metrics:  metrics,
	}
}

// Introspect answers who the caller is, refreshing once on an authentication failure.
func (introspector *SessionIntrospector) Introspect(ctx context.Context, store TokenStore) Outcome {
	outcome := introspector.run(ctx, store)
	switch outcome.Kind {
	case Authenticated:
		introspector.metrics.Increment(metricIntrospectAuthed)
	case UpstreamUnavailable:
		introspector.metrics.Increment(metricIntrospectUnavailable)
		introspector.logger.Warn("introspection upstream unavailable",
			zap.String("code", "gateway.introspect.upstream_unavailable"),
			zap.Error(outcome.Err))
	default:
		introspector.metrics.Increment(metricIntrospectUnauthed)
	}
	return outcome
}

func (introspector *SessionIntrospector) run(ctx context.Context, store TokenStore) Outcome {
	accessToken, hasAccess := store.Get(AccessToken)
	if _, hasRefresh := store.Get(RefreshToken); !hasAccess && !hasRefresh {
		return Outcome{Kind: Unauthenticated, Err: fmt.Errorf("gateway.introspect.no_credentials: %w", ErrUnauthenticated)}
	}

	state := stateFetch
	if !hasAccess {
		state = stateRefresh
	}
	outcome := Outcome{Kind: Unauthenticated}
	for state != stateDone {
		switch state {
		case stateFetch, stateRetryFetch:
			identity, fetchErr := introspector.provider.FetchIdentity(ctx, accessToken)
			switch {
			case fetchErr == nil:
				outcome.Kind = Authenticated
				outcome.Identity = &identity
				outcome.Err = nil
				state = stateDone
			case IsUpstreamFailure(fetchErr):
				outcome.Kind = UpstreamUnavailable
				outcome.Err = fetchErr
				state = stateDone
			case state == stateFetch:
				outcome.Err = fetchErr
				state = stateRefresh
			default:
				outcome.Kind = Unauthenticated
				outcome.Err = fetchErr
				state = stateDone
			}
		case stateRefresh:
			result := introspector.refresh.Refresh(ctx, store)
			if !result.Success {
				outcome.Kind = Unauthenticated
				if IsUpstreamFailure(result.Err) {
					outcome.Kind = UpstreamUnavailable
				}
				outcome.Err = result.Err
				state = stateDone
				continue
			}
			outcome.Refreshed = true
			accessToken = result.Pair.AccessToken
			state = stateRetryFetch
		}
	}
	return outcome
}
