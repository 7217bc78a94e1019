package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessiongate/internal/gateway"
	"go.uber.org/zap"
)

type stubProvider struct {
	login         func(context.Context, gateway.Credentials) (gateway.TokenPair, error)
	fetchIdentity func(context.Context, string) (gateway.Identity, error)
}

func (provider stubProvider) Login(ctx context.Context, credentials gateway.Credentials) (gateway.TokenPair, error) {
	if provider.login != nil {
		return provider.login(ctx, credentials)
	}
	return gateway.TokenPair{}, gateway.ErrInvalidCredentials
}

func (provider stubProvider) Refresh(ctx context.Context, refreshToken string) (gateway.TokenPair, error) {
	return gateway.TokenPair{}, gateway.ErrRefreshRejected
}

func (provider stubProvider) FetchIdentity(ctx context.Context, accessToken string) (gateway.Identity, error) {
	if provider.fetchIdentity != nil {
		return provider.fetchIdentity(ctx, accessToken)
	}
	return gateway.Identity{}, gateway.ErrUnauthenticated
}

func (provider stubProvider) Revoke(ctx context.Context, refreshToken string) error {
	return nil
}

func testGatewaySettings() gatewaySettings {
	configuration := gateway.DefaultGatewayConfig()
	configuration.SecureCookies = false
	return gatewaySettings{
		Gateway:     configuration,
		ListenAddr:  ":0",
		UpstreamURL: "http://identity.local",
		LoginLimit:  gateway.RateLimitConfig{},
	}
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunGatewayMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runGateway(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestRunIdentityMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := runIdentity(command, nil); err == nil || !strings.HasPrefix(err.Error(), configCodeUninitializedServerConf) {
		t.Fatalf("expected uninitialized config error, got %v", err)
	}
}

func TestLoadGatewaySettingsRequiresUpstreamURL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	_, err := LoadGatewaySettings()
	if err == nil {
		t.Fatalf("expected error when upstream_url is missing")
	}
	expectedMessage := "config.missing_upstream_url: upstream_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadGatewaySettingsDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("upstream_url", "http://identity.local")
	viper.Set("environment", "development")

	settings, err := LoadGatewaySettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Gateway.SecureCookies {
		t.Fatalf("expected insecure cookies in development")
	}
	if settings.Gateway.AccessCookieTTL != time.Hour || settings.Gateway.RefreshCookieTTL != 30*24*time.Hour {
		t.Fatalf("unexpected cookie ttls: %v %v", settings.Gateway.AccessCookieTTL, settings.Gateway.RefreshCookieTTL)
	}
	if settings.Gateway.ExposedTokenTTL != 15*time.Minute {
		t.Fatalf("unexpected exposed ttl %v", settings.Gateway.ExposedTokenTTL)
	}
	if settings.Gateway.LoginPath != gateway.DefaultLoginPath {
		t.Fatalf("unexpected login path %q", settings.Gateway.LoginPath)
	}
}

func TestLoadGatewaySettingsSecureInProduction(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("upstream_url", "https://identity.example.com")
	viper.Set("environment", "Production")

	settings, err := LoadGatewaySettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !settings.Gateway.SecureCookies {
		t.Fatalf("expected secure cookies in production")
	}
}

func TestLoadGatewaySettingsRejectsSubSecondCookieTTL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("upstream_url", "http://identity.local")
	viper.Set("access_cookie_ttl", 10*time.Millisecond)

	_, err := LoadGatewaySettings()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidCookieTTL) {
		t.Fatalf("expected invalid cookie ttl error, got %v", err)
	}
}

func TestLoadGatewaySettingsRejectsRelativeLoginPath(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("upstream_url", "http://identity.local")
	viper.Set("login_path", "login")

	_, err := LoadGatewaySettings()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidLoginPath) {
		t.Fatalf("expected invalid login path error, got %v", err)
	}
}

func TestLoadIdentitySettingsRequiresSigningKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)

	_, err := LoadIdentitySettings()
	expectedMessage := "config.missing_jwt_signing_key: jwt_signing_key must be provided"
	if err == nil || err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %v", expectedMessage, err)
	}
}

func TestLoadIdentitySettingsRequiresPositiveTTL(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "secret")
	viper.Set("access_ttl", time.Duration(0))
	viper.Set("refresh_ttl", time.Hour)

	_, err := LoadIdentitySettings()
	if err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidTokenTTL) {
		t.Fatalf("expected invalid ttl error, got %v", err)
	}
}

func TestLoadIdentitySettingsParsesSeedUsers(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("seed_user", []string{"alice:wonderland:admin,user", "bob:builder"})

	settings, err := LoadIdentitySettings()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(settings.SeedUsers) != 2 {
		t.Fatalf("expected two seed users, got %d", len(settings.SeedUsers))
	}
	if settings.SeedUsers[0].Username != "alice" || len(settings.SeedUsers[0].Roles) != 2 {
		t.Fatalf("unexpected first seed user %+v", settings.SeedUsers[0])
	}

	viper.Set("seed_user", []string{"missing-password"})
	if _, err := LoadIdentitySettings(); err == nil || !strings.HasPrefix(err.Error(), configCodeInvalidSeedUser) {
		t.Fatalf("expected invalid seed user error, got %v", err)
	}
}

func TestPrepareGatewaySettingsLoadsEnvFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	envPath := filepath.Join(t.TempDir(), "gateway.env")
	if err := os.WriteFile(envPath, []byte("APP_UPSTREAM_URL=http://identity.from-env\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("APP_UPSTREAM_URL") })

	rootCmd := newRootCommand()
	if err := rootCmd.PersistentFlags().Set("env_file", envPath); err != nil {
		t.Fatalf("set env_file: %v", err)
	}
	_ = viper.BindPFlag("env_file", rootCmd.PersistentFlags().Lookup("env_file"))

	if err := prepareGatewaySettings(rootCmd, nil); err != nil {
		t.Fatalf("prepare settings: %v", err)
	}
	settings, err := settingsFrom[gatewaySettings](rootCmd)
	if err != nil {
		t.Fatalf("settings not stored: %v", err)
	}
	if settings.UpstreamURL != "http://identity.from-env" {
		t.Fatalf("expected upstream url from env file, got %q", settings.UpstreamURL)
	}
}

func TestPrepareGatewaySettingsMissingEnvFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("env_file", filepath.Join(t.TempDir(), "absent.env"))
	rootCmd := newRootCommand()
	err := prepareGatewaySettings(rootCmd, nil)
	if err == nil || !strings.HasPrefix(err.Error(), configCodeEnvFile) {
		t.Fatalf("expected env file error, got %v", err)
	}
}

func TestBuildGatewayRouterGuardsAndMountsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	provider := stubProvider{
		login: func(context.Context, gateway.Credentials) (gateway.TokenPair, error) {
			return gateway.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1"}, nil
		},
		fetchIdentity: func(_ context.Context, accessToken string) (gateway.Identity, error) {
			if accessToken != "access-1" {
				return gateway.Identity{}, gateway.ErrUnauthenticated
			}
			return gateway.Identity{UserID: "u-1", Username: "alice"}, nil
		},
	}
	router, err := buildGatewayRouter(testGatewaySettings(), provider, zap.NewNop(), gateway.NewCounterMetrics())
	if err != nil {
		t.Fatalf("build router: %v", err)
	}

	protected := httptest.NewRecorder()
	router.ServeHTTP(protected, httptest.NewRequest(http.MethodGet, "/admin/users", nil))
	if protected.Code != http.StatusFound {
		t.Fatalf("expected guard redirect, got %d", protected.Code)
	}
	if location := protected.Header().Get("Location"); location != "/auth/login?next=/admin/users" {
		t.Fatalf("unexpected redirect location %q", location)
	}

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"guard.redirect":1`) {
		t.Fatalf("unexpected healthz response %d %s", health.Code, health.Body.String())
	}

	script := httptest.NewRecorder()
	router.ServeHTTP(script, httptest.NewRequest(http.MethodGet, "/static/session-client.js", nil))
	if script.Code != http.StatusOK || !strings.Contains(script.Body.String(), "sessionGate") {
		t.Fatalf("expected embedded session client, got %d", script.Code)
	}

	login := httptest.NewRecorder()
	loginRequest := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"alice","password":"secret"}`))
	loginRequest.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(login, loginRequest)
	if login.Code != http.StatusOK {
		t.Fatalf("expected login 200, got %d: %s", login.Code, login.Body.String())
	}

	session := httptest.NewRecorder()
	sessionRequest := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	for _, cookie := range login.Result().Cookies() {
		sessionRequest.AddCookie(cookie)
	}
	router.ServeHTTP(session, sessionRequest)
	if !strings.Contains(session.Body.String(), `"isAuthenticated":true`) {
		t.Fatalf("expected authenticated session, got %s", session.Body.String())
	}

	application := httptest.NewRecorder()
	applicationRequest := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	for _, cookie := range login.Result().Cookies() {
		applicationRequest.AddCookie(cookie)
	}
	router.ServeHTTP(application, applicationRequest)
	if application.Code != http.StatusOK || !strings.Contains(application.Body.String(), `"application":"unconfigured"`) {
		t.Fatalf("expected placeholder application, got %d %s", application.Code, application.Body.String())
	}
}

func TestBuildGatewayRouterRejectsWildcardCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	settings := testGatewaySettings()
	settings.EnableCORS = true
	settings.CORSAllowedOrigins = []string{"*"}
	if _, err := buildGatewayRouter(settings, stubProvider{}, zap.NewNop(), gateway.NewCounterMetrics()); err == nil {
		t.Fatalf("expected cors configuration error")
	}
}

func TestBuildGatewayRouterScopesCORSToSessionAPI(t *testing.T) {
	gin.SetMode(gin.TestMode)

	settings := testGatewaySettings()
	settings.EnableCORS = true
	settings.CORSAllowedOrigins = []string{"https://admin.example.com"}
	router, err := buildGatewayRouter(settings, stubProvider{}, zap.NewNop(), gateway.NewCounterMetrics())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/api/auth/login", nil)
	preflight.Header.Set("Origin", "https://admin.example.com")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflightRecorder := httptest.NewRecorder()
	router.ServeHTTP(preflightRecorder, preflight)
	if preflightRecorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight 204, got %d", preflightRecorder.Code)
	}
	if preflightRecorder.Header().Get("Access-Control-Allow-Origin") != "https://admin.example.com" {
		t.Fatalf("expected preflight to allow origin, got %v", preflightRecorder.Header())
	}

	healthRequest := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	healthRequest.Header.Set("Origin", "https://admin.example.com")
	healthRecorder := httptest.NewRecorder()
	router.ServeHTTP(healthRecorder, healthRequest)
	if healthRecorder.Code != http.StatusOK || healthRecorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no cors headers outside /api/auth, got %d %v", healthRecorder.Code, healthRecorder.Header())
	}
}

func TestServeReturnsListenError(t *testing.T) {
	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()

	serveHTTP = func(*http.Server) error {
		return errors.New("bind failure")
	}
	err := serve(zap.NewNop(), ":0", http.NewServeMux())
	if err == nil || !strings.Contains(err.Error(), "bind failure") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestServeTreatsServerClosedAsSuccess(t *testing.T) {
	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()

	serveHTTP = func(*http.Server) error {
		return http.ErrServerClosed
	}
	if err := serve(zap.NewNop(), ":0", http.NewServeMux()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestRunIdentityServesWithSeededUsers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	viper.Reset()
	defer viper.Reset()

	originalServe := serveHTTP
	defer func() { serveHTTP = originalServe }()

	var served http.Handler
	serveHTTP = func(server *http.Server) error {
		served = server.Handler
		return http.ErrServerClosed
	}

	viper.Set("jwt_signing_key", "secret")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
	viper.Set("seed_user", []string{"alice:wonderland"})
	settings, err := LoadIdentitySettings()
	if err != nil {
		t.Fatalf("load identity settings: %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.Background())
	storeSettings(command, settings)
	if err := runIdentity(command, nil); err != nil {
		t.Fatalf("run identity: %v", err)
	}
	if served == nil {
		t.Fatalf("expected handler to be served")
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"alice","password":"wonderland"}`))
	request.Header.Set("Content-Type", "application/json")
	served.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "refresh_token") {
		t.Fatalf("expected seeded login to succeed, got %d %s", recorder.Code, recorder.Body.String())
	}
}
