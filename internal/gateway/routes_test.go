package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGatewayRouter(t *testing.T, provider *fakeProvider, configuration GatewayConfig, metrics MetricsRecorder, loginLimit RateLimitConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sessionGateway := NewGateway(configuration, provider, fixedClock{now: testNow}, zaptest.NewLogger(t), metrics)
	router := gin.New()
	MountSessionRoutes(router.Group("/api/auth"), sessionGateway, loginLimit)
	return router
}

func performRequest(router http.Handler, method string, target string, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, nil)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range cookies {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func accessCookie(value string) *http.Cookie {
	return &http.Cookie{Name: DefaultAccessCookieName, Value: value}
}

func refreshCookie(value string) *http.Cookie {
	return &http.Cookie{Name: DefaultRefreshCookieName, Value: value}
}

func TestLoginSetsBothCookies(t *testing.T) {
	provider := &fakeProvider{
		loginFunc: func(_ context.Context, credentials Credentials) (TokenPair, error) {
			if credentials.Username != "alice" || credentials.Password != "wonderland" {
				return TokenPair{}, ErrInvalidCredentials
			}
			return TokenPair{AccessToken: "a1", RefreshToken: "r1"}, nil
		},
	}
	metrics := NewCounterMetrics()
	router := newTestGatewayRouter(t, provider, testConfig(), metrics, RateLimitConfig{})

	recorder := performRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wonderland"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if decodeBody(t, recorder)["success"] != true {
		t.Fatalf("expected success payload")
	}
	cookies := recorder.Result().Cookies()
	access := findCookie(cookies, DefaultAccessCookieName)
	refresh := findCookie(cookies, DefaultRefreshCookieName)
	if access == nil || access.Value != "a1" || access.MaxAge != 3600 {
		t.Fatalf("unexpected access cookie %+v", access)
	}
	if refresh == nil || refresh.Value != "r1" || refresh.MaxAge != 2592000 {
		t.Fatalf("unexpected refresh cookie %+v", refresh)
	}
	if stamp := findCookie(cookies, testConfig().IssuedAtCookieName()); stamp == nil || stamp.Value != "1772366400" {
		t.Fatalf("expected access issuance stamp at login time, got %+v", stamp)
	}
	if metrics.Count(metricLoginSuccess) != 1 {
		t.Fatalf("expected login success metric")
	}
}

func TestLoginRejectionIsGeneric(t *testing.T) {
	provider := &fakeProvider{}
	router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})

	wrongUser := performRequest(router, http.MethodPost, "/api/auth/login", `{"username":"mallory","password":"x"}`)
	wrongPassword := performRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"x"}`)
	for _, recorder := range []*httptest.ResponseRecorder{wrongUser, wrongPassword} {
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", recorder.Code)
		}
		if len(recorder.Result().Cookies()) != 0 {
			t.Fatalf("expected no cookies on failed login")
		}
	}
	if wrongUser.Body.String() != wrongPassword.Body.String() {
		t.Fatalf("expected identical failure bodies, got %q and %q", wrongUser.Body.String(), wrongPassword.Body.String())
	}
}

func TestLoginRejectsMalformedJSON(t *testing.T) {
	provider := &fakeProvider{}
	router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})

	for _, body := range []string{`{"username":`, `{"password":"x"}`, `{"username":"  ","password":"x"}`} {
		recorder := performRequest(router, http.MethodPost, "/api/auth/login", body)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, recorder.Code)
		}
	}
	if provider.loginCalls != 0 {
		t.Fatalf("expected no upstream login for malformed input")
	}
}

func TestLoginUpstreamUnavailable(t *testing.T) {
	testCases := []struct {
		name string
		pair TokenPair
		err  error
	}{
		{name: "transport", err: ErrUpstreamUnavailable},
		{name: "missing refresh token", pair: TokenPair{AccessToken: "a1"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			provider := &fakeProvider{
				loginFunc: func(context.Context, Credentials) (TokenPair, error) {
					return testCase.pair, testCase.err
				},
			}
			router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})
			recorder := performRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"x"}`)
			if recorder.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", recorder.Code)
			}
			if len(recorder.Result().Cookies()) != 0 {
				t.Fatalf("expected no cookies")
			}
		})
	}
}

func TestLoginRateLimited(t *testing.T) {
	provider := &fakeProvider{}
	router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{RPS: 0.001, Burst: 2})

	for attempt := 0; attempt < 2; attempt++ {
		recorder := performRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"x"}`)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", attempt, recorder.Code)
		}
	}
	limited := performRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"x"}`)
	if limited.Code != http.StatusTooManyRequests || limited.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", limited.Code)
	}
	if provider.loginCalls != 2 {
		t.Fatalf("expected limited request to skip upstream, got %d calls", provider.loginCalls)
	}
}

func TestLogoutClearsCookiesEvenWhenRevokeFails(t *testing.T) {
	testCases := []struct {
		name   string
		revoke func(context.Context, string) error
	}{
		{name: "success", revoke: nil},
		{name: "failure", revoke: func(context.Context, string) error { return ErrUpstreamUnavailable }},
		{
			name: "timeout",
			revoke: func(ctx context.Context, _ string) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			provider := &fakeProvider{revokeFunc: testCase.revoke}
			configuration := testConfig()
			configuration.LogoutRevokeTimeout = 20 * time.Millisecond
			router := newTestGatewayRouter(t, provider, configuration, nil, RateLimitConfig{})

			recorder := performRequest(router, http.MethodPost, "/api/auth/logout", "", accessCookie("a1"), refreshCookie("r1"))
			if recorder.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", recorder.Code)
			}
			cookies := recorder.Result().Cookies()
			for _, name := range []string{DefaultAccessCookieName, DefaultRefreshCookieName} {
				cookie := findCookie(cookies, name)
				if cookie == nil || cookie.MaxAge >= 0 || cookie.Value != "" {
					t.Fatalf("expected %s to be cleared, got %+v", name, cookie)
				}
			}
			if len(provider.revokeCalls) != 1 || provider.revokeCalls[0] != "r1" {
				t.Fatalf("expected one revoke of r1, got %v", provider.revokeCalls)
			}
		})
	}
}

func TestLogoutWithoutRefreshTokenSkipsRevoke(t *testing.T) {
	provider := &fakeProvider{}
	router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})
	recorder := performRequest(router, http.MethodPost, "/api/auth/logout", "")
	if recorder.Code != http.StatusOK || len(provider.revokeCalls) != 0 {
		t.Fatalf("expected 200 without revoke, got %d and %v", recorder.Code, provider.revokeCalls)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	testCases := []struct {
		name           string
		cookies        []*http.Cookie
		refreshFunc    func(context.Context, string) (TokenPair, error)
		expectedStatus int
		expectSuccess  bool
		expectAccess   string
	}{
		{
			name:           "rotates",
			cookies:        []*http.Cookie{refreshCookie("r1")},
			refreshFunc:    func(context.Context, string) (TokenPair, error) { return TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil },
			expectedStatus: http.StatusOK,
			expectSuccess:  true,
			expectAccess:   "a2",
		},
		{
			name:           "missing cookie",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "rejected",
			cookies:        []*http.Cookie{refreshCookie("dead")},
			refreshFunc:    func(context.Context, string) (TokenPair, error) { return TokenPair{}, ErrRefreshRejected },
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "upstream down",
			cookies:        []*http.Cookie{refreshCookie("r1")},
			refreshFunc:    func(context.Context, string) (TokenPair, error) { return TokenPair{}, ErrUpstreamUnavailable },
			expectedStatus: http.StatusServiceUnavailable,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			provider := &fakeProvider{refreshFunc: testCase.refreshFunc}
			router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})
			recorder := performRequest(router, http.MethodPost, "/api/auth/refresh", "", testCase.cookies...)
			if recorder.Code != testCase.expectedStatus {
				t.Fatalf("expected %d, got %d", testCase.expectedStatus, recorder.Code)
			}
			if decodeBody(t, recorder)["success"] != testCase.expectSuccess {
				t.Fatalf("unexpected success flag in %s", recorder.Body.String())
			}
			access := findCookie(recorder.Result().Cookies(), DefaultAccessCookieName)
			if testCase.expectAccess == "" {
				if access != nil {
					t.Fatalf("expected no cookie writes on failure, got %+v", access)
				}
				return
			}
			if access == nil || access.Value != testCase.expectAccess {
				t.Fatalf("expected access cookie %q, got %+v", testCase.expectAccess, access)
			}
		})
	}
}

func TestSessionEndpoint(t *testing.T) {
	provider := &fakeProvider{
		identityFunc: identitiesFor(map[string]Identity{
			"valid123": {UserID: "u-1", Username: "alice", DisplayName: "Alice", Roles: []string{"admin"}},
			"new1":     {UserID: "u-1", Username: "alice"},
		}),
		refreshFunc: func(_ context.Context, refreshToken string) (TokenPair, error) {
			if refreshToken == "refresh1" {
				return TokenPair{AccessToken: "new1", RefreshToken: "refresh2"}, nil
			}
			return TokenPair{}, ErrRefreshRejected
		},
	}
	router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})

	authenticated := performRequest(router, http.MethodGet, "/api/auth/session", "", accessCookie("valid123"))
	payload := decodeBody(t, authenticated)
	if payload["isAuthenticated"] != true {
		t.Fatalf("expected authenticated, got %s", authenticated.Body.String())
	}
	user, ok := payload["user"].(map[string]any)
	if !ok || user["username"] != "alice" || user["display_name"] != "Alice" {
		t.Fatalf("unexpected user payload %v", payload["user"])
	}

	refreshed := performRequest(router, http.MethodGet, "/api/auth/session", "", accessCookie("expired1"), refreshCookie("refresh1"))
	if decodeBody(t, refreshed)["isAuthenticated"] != true {
		t.Fatalf("expected authenticated after refresh, got %s", refreshed.Body.String())
	}
	cookies := refreshed.Result().Cookies()
	if access := findCookie(cookies, DefaultAccessCookieName); access == nil || access.Value != "new1" {
		t.Fatalf("expected rotated access cookie, got %+v", access)
	}
	if refresh := findCookie(cookies, DefaultRefreshCookieName); refresh == nil || refresh.Value != "refresh2" {
		t.Fatalf("expected rotated refresh cookie, got %+v", refresh)
	}

	rejected := performRequest(router, http.MethodGet, "/api/auth/session", "", accessCookie("expired1"), refreshCookie("dead1"))
	rejectedPayload := decodeBody(t, rejected)
	if rejected.Code != http.StatusOK || rejectedPayload["isAuthenticated"] != false {
		t.Fatalf("expected unauthenticated, got %d %s", rejected.Code, rejected.Body.String())
	}
	if _, present := rejectedPayload["upstreamUnavailable"]; present {
		t.Fatalf("did not expect upstreamUnavailable for a rejection")
	}
	if len(rejected.Result().Cookies()) != 0 {
		t.Fatalf("expected no cookie writes on rejection")
	}
}

func TestSessionEndpointReportsUpstreamUnavailable(t *testing.T) {
	provider := &fakeProvider{
		identityFunc: func(context.Context, string) (Identity, error) {
			return Identity{}, errors.Join(ErrUpstreamUnavailable, context.DeadlineExceeded)
		},
	}
	router := newTestGatewayRouter(t, provider, testConfig(), nil, RateLimitConfig{})
	recorder := performRequest(router, http.MethodGet, "/api/auth/session", "", accessCookie("a1"))
	payload := decodeBody(t, recorder)
	if payload["isAuthenticated"] != false || payload["upstreamUnavailable"] != true {
		t.Fatalf("unexpected payload %s", recorder.Body.String())
	}
}

func TestTokenEndpoint(t *testing.T) {
	provider := &fakeProvider{}
	metrics := NewCounterMetrics()
	router := newTestGatewayRouter(t, provider, testConfig(), metrics, RateLimitConfig{})

	missing := performRequest(router, http.MethodGet, "/api/auth/token", "", refreshCookie("r1"))
	if missing.Code != http.StatusUnauthorized || decodeBody(t, missing)["error"] != "no_token" {
		t.Fatalf("expected 401 no_token, got %d %s", missing.Code, missing.Body.String())
	}

	exposed := performRequest(router, http.MethodGet, "/api/auth/token", "", accessCookie("a1"))
	if exposed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", exposed.Code)
	}
	if exposed.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store cache header")
	}
	payload := decodeBody(t, exposed)
	if payload["accessToken"] != "a1" {
		t.Fatalf("unexpected token payload %v", payload)
	}
	if payload["expiresAt"] != "2026-03-01T12:15:00Z" {
		t.Fatalf("expected expiry 15 minutes out, got %v", payload["expiresAt"])
	}
	if len(provider.identityCalls) != 0 {
		t.Fatalf("token exposure must not validate upstream")
	}

	stamped := &http.Cookie{Name: testConfig().IssuedAtCookieName(), Value: "1772365800"}
	for attempt := 0; attempt < 2; attempt++ {
		repeated := performRequest(router, http.MethodGet, "/api/auth/token", "", accessCookie("a1"), stamped)
		if expiresAt := decodeBody(t, repeated)["expiresAt"]; expiresAt != "2026-03-01T12:05:00Z" {
			t.Fatalf("expected expiry fixed at issuance plus 15 minutes, got %v", expiresAt)
		}
	}
	if metrics.Count(metricTokenExposed) != 3 || metrics.Count(metricTokenMissing) != 1 {
		t.Fatalf("unexpected token metrics %v", metrics.Snapshot())
	}
}
