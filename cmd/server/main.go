package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/sessiongate/internal/gateway"
	"github.com/tyemirov/sessiongate/internal/identityserver"
	"github.com/tyemirov/sessiongate/internal/upstream"
	"github.com/tyemirov/sessiongate/internal/web"
	webassets "github.com/tyemirov/sessiongate/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "sessiongate",
		Short:   "Session gateway: route guard, HttpOnly token cookies, and transparent refresh against an identity service",
		PreRunE: prepareGatewaySettings,
		RunE:    runGateway,
	}
	rootCmd.PersistentFlags().String("env_file", "", "Optional .env file loaded before reading APP_* variables")
	rootCmd.PersistentFlags().String("log_file", "", "Optional JSON log file with size-based rotation")

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("upstream_url", "", "Base URL of the identity service")
	rootCmd.Flags().Duration("upstream_timeout", upstream.DefaultTimeout, "Timeout for each identity service call")
	rootCmd.Flags().String("environment", "production", "Deployment environment; cookies are Secure outside development")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Duration("access_cookie_ttl", gateway.DefaultAccessCookieTTL, "Access token cookie lifetime")
	rootCmd.Flags().Duration("refresh_cookie_ttl", gateway.DefaultRefreshCookieTTL, "Refresh token cookie lifetime")
	rootCmd.Flags().Duration("exposed_token_ttl", gateway.DefaultExposedTokenTTL, "Expiry advertised by the token exposure endpoint")
	rootCmd.Flags().Duration("logout_revoke_timeout", gateway.DefaultLogoutRevokeTimeout, "Upper bound for the best-effort revoke on logout")
	rootCmd.Flags().String("login_path", gateway.DefaultLoginPath, "Login page the route guard redirects to")
	rootCmd.Flags().StringSlice("public_paths", gateway.DefaultPublicPaths, "Path prefixes exempt from the route guard")
	rootCmd.Flags().String("app_upstream_url", "", "Application server proxied behind the guard; empty serves a placeholder")
	rootCmd.Flags().Bool("enable_cors", false, "Enable credentialed CORS for a cross-origin admin front-end")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Origins allowed to call /api/auth with credentials when CORS is enabled")
	rootCmd.Flags().Float64("login_rps", 5, "Login attempts per second across the process; 0 disables limiting")
	rootCmd.Flags().Int("login_burst", 10, "Login burst size")

	rootCmd.AddCommand(newIdentityCommand())

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

func newIdentityCommand() *cobra.Command {
	identityCmd := &cobra.Command{
		Use:     "identity",
		Short:   "Reference identity service: password login, rotating refresh tokens, bearer introspection",
		PreRunE: prepareIdentitySettings,
		RunE:    runIdentity,
	}
	identityCmd.Flags().String("listen_addr", ":8081", "HTTP listen address")
	identityCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access tokens")
	identityCmd.Flags().String("issuer", identityserver.DefaultIssuer, "Access token issuer")
	identityCmd.Flags().Duration("access_ttl", identityserver.DefaultAccessTTL, "Access token TTL")
	identityCmd.Flags().Duration("refresh_ttl", identityserver.DefaultRefreshTTL, "Refresh token TTL")
	identityCmd.Flags().String("database_url", "", "postgres:// or sqlite:// URL for users and refresh tokens; empty for in-memory")
	identityCmd.Flags().String("redis_url", "", "Optional redis:// URL for refresh tokens")
	identityCmd.Flags().StringSlice("seed_user", []string{}, "User to create at startup as username:password[:role,role]")
	return identityCmd
}

const (
	configCodeMissingUpstreamURL      = "config.missing_upstream_url"
	configCodeInvalidCookieTTL        = "config.invalid_cookie_ttl"
	configCodeInvalidExposedTTL       = "config.invalid_exposed_token_ttl"
	configCodeInvalidLoginPath        = "config.invalid_login_path"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidTokenTTL         = "config.invalid_token_ttl"
	configCodeInvalidSeedUser         = "config.invalid_seed_user"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeUpstreamClient          = "config.upstream_client"
)

type contextKey string

const settingsContextKey contextKey = "settings"

type gatewaySettings struct {
	Gateway            gateway.GatewayConfig
	ListenAddr         string
	UpstreamURL        string
	UpstreamTimeout    time.Duration
	AppUpstreamURL     string
	EnableCORS         bool
	CORSAllowedOrigins []string
	LoginLimit         gateway.RateLimitConfig
	LogFile            string
}

type identitySettings struct {
	Server      identityserver.ServerConfig
	ListenAddr  string
	DatabaseURL string
	RedisURL    string
	SeedUsers   []identityserver.UserDefinition
	LogFile     string
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// bindCommandFlags binds the executing command's flags so that subcommands sharing a key
// (listen_addr) never see each other's defaults.
func bindCommandFlags(command *cobra.Command) {
	command.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})
}

func loadEnvFile() error {
	envFile := strings.TrimSpace(viper.GetString("env_file"))
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("%s: %w", configCodeEnvFile, err)
	}
	return nil
}

func storeSettings(command *cobra.Command, settings any) {
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, settingsContextKey, settings))
}

func prepareGatewaySettings(command *cobra.Command, arguments []string) error {
	bindCommandFlags(command)
	if err := loadEnvFile(); err != nil {
		return err
	}
	settings, loadErr := LoadGatewaySettings()
	if loadErr != nil {
		return loadErr
	}
	storeSettings(command, settings)
	return nil
}

func prepareIdentitySettings(command *cobra.Command, arguments []string) error {
	bindCommandFlags(command)
	if err := loadEnvFile(); err != nil {
		return err
	}
	settings, loadErr := LoadIdentitySettings()
	if loadErr != nil {
		return loadErr
	}
	storeSettings(command, settings)
	return nil
}

// LoadGatewaySettings reads and validates the gateway configuration from viper.
func LoadGatewaySettings() (gatewaySettings, error) {
	upstreamURL := strings.TrimSpace(viper.GetString("upstream_url"))
	if upstreamURL == "" {
		return gatewaySettings{}, configError(configCodeMissingUpstreamURL, "upstream_url must be provided")
	}

	configuration := gateway.DefaultGatewayConfig()
	configuration.CookieDomain = viper.GetString("cookie_domain")
	configuration.SecureCookies = gateway.SecureForEnvironment(strings.ToLower(strings.TrimSpace(viper.GetString("environment"))))

	if accessTTL := viper.GetDuration("access_cookie_ttl"); accessTTL != 0 {
		configuration.AccessCookieTTL = accessTTL
	}
	if refreshTTL := viper.GetDuration("refresh_cookie_ttl"); refreshTTL != 0 {
		configuration.RefreshCookieTTL = refreshTTL
	}
	if configuration.AccessCookieTTL < time.Second || configuration.RefreshCookieTTL < time.Second {
		return gatewaySettings{}, configError(configCodeInvalidCookieTTL, "cookie TTLs must be at least one second")
	}
	if exposedTTL := viper.GetDuration("exposed_token_ttl"); exposedTTL != 0 {
		configuration.ExposedTokenTTL = exposedTTL
	}
	if configuration.ExposedTokenTTL <= 0 {
		return gatewaySettings{}, configError(configCodeInvalidExposedTTL, "exposed_token_ttl must be greater than zero")
	}
	if revokeTimeout := viper.GetDuration("logout_revoke_timeout"); revokeTimeout > 0 {
		configuration.LogoutRevokeTimeout = revokeTimeout
	}
	if loginPath := strings.TrimSpace(viper.GetString("login_path")); loginPath != "" {
		if !strings.HasPrefix(loginPath, "/") {
			return gatewaySettings{}, configError(configCodeInvalidLoginPath, "login_path must start with /")
		}
		configuration.LoginPath = loginPath
	}
	if publicPaths := viper.GetStringSlice("public_paths"); len(publicPaths) > 0 {
		configuration.PublicPaths = publicPaths
	}

	return gatewaySettings{
		Gateway:            configuration,
		ListenAddr:         viper.GetString("listen_addr"),
		UpstreamURL:        upstreamURL,
		UpstreamTimeout:    viper.GetDuration("upstream_timeout"),
		AppUpstreamURL:     viper.GetString("app_upstream_url"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		LoginLimit: gateway.RateLimitConfig{
			RPS:   viper.GetFloat64("login_rps"),
			Burst: viper.GetInt("login_burst"),
		},
		LogFile: viper.GetString("log_file"),
	}, nil
}

// LoadIdentitySettings reads and validates the identity service configuration from viper.
func LoadIdentitySettings() (identitySettings, error) {
	signingKey := viper.GetString("jwt_signing_key")
	if signingKey == "" {
		return identitySettings{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	accessTTL := viper.GetDuration("access_ttl")
	refreshTTL := viper.GetDuration("refresh_ttl")
	if accessTTL <= 0 || refreshTTL <= 0 {
		return identitySettings{}, configError(configCodeInvalidTokenTTL, "access_ttl and refresh_ttl must be greater than zero")
	}
	seedUsers := make([]identityserver.UserDefinition, 0)
	for _, rawUser := range viper.GetStringSlice("seed_user") {
		definition, parseErr := identityserver.ParseUserDefinition(rawUser)
		if parseErr != nil {
			return identitySettings{}, configError(configCodeInvalidSeedUser, parseErr.Error())
		}
		seedUsers = append(seedUsers, definition)
	}
	return identitySettings{
		Server: identityserver.ServerConfig{
			SigningKey: []byte(signingKey),
			Issuer:     viper.GetString("issuer"),
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
		},
		ListenAddr:  viper.GetString("listen_addr"),
		DatabaseURL: viper.GetString("database_url"),
		RedisURL:    viper.GetString("redis_url"),
		SeedUsers:   seedUsers,
		LogFile:     viper.GetString("log_file"),
	}, nil
}

func settingsFrom[T any](command *cobra.Command) (T, error) {
	var zero T
	commandContext := command.Context()
	if commandContext == nil {
		return zero, configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	settings, ok := commandContext.Value(settingsContextKey).(T)
	if !ok {
		return zero, configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	return settings, nil
}

func runGateway(command *cobra.Command, arguments []string) error {
	settings, settingsErr := settingsFrom[gatewaySettings](command)
	if settingsErr != nil {
		return settingsErr
	}
	logger, loggerErr := buildLogger(settings.LogFile)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	client, clientErr := upstream.NewClient(settings.UpstreamURL, settings.UpstreamTimeout)
	if clientErr != nil {
		return fmt.Errorf("%s: %w", configCodeUpstreamClient, clientErr)
	}

	gin.SetMode(gin.ReleaseMode)
	router, routerErr := buildGatewayRouter(settings, client, logger, gateway.NewCounterMetrics())
	if routerErr != nil {
		return routerErr
	}
	logger.Info("gateway configured",
		zap.String("upstream_url", settings.UpstreamURL),
		zap.Bool("secure_cookies", settings.Gateway.SecureCookies),
		zap.Strings("public_paths", settings.Gateway.PublicPaths))
	return serve(logger, settings.ListenAddr, router)
}

func buildGatewayRouter(settings gatewaySettings, provider gateway.IdentityProvider, logger *zap.Logger, metrics *gateway.CounterMetrics) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if settings.EnableCORS {
		corsMiddleware, corsErr := web.SessionAPICORS(logger, web.CORSPolicy{
			AllowedOrigins: settings.CORSAllowedOrigins,
			PathPrefix:     "/api/auth",
		})
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}
	router.Use(gateway.RouteGuard(settings.Gateway, logger, metrics))

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok", "metrics": metrics.Snapshot()})
	})
	router.GET("/static/session-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "session-client.js")
	})

	sessionGateway := gateway.NewGateway(settings.Gateway, provider, gateway.NewSystemClock(), logger, metrics)
	gateway.MountSessionRoutes(router.Group("/api/auth"), sessionGateway, settings.LoginLimit)

	application, applicationErr := web.ApplicationHandler(logger, settings.Gateway, settings.AppUpstreamURL)
	if applicationErr != nil {
		return nil, applicationErr
	}
	router.NoRoute(application)
	return router, nil
}

func runIdentity(command *cobra.Command, arguments []string) error {
	settings, settingsErr := settingsFrom[identitySettings](command)
	if settingsErr != nil {
		return settingsErr
	}
	logger, loggerErr := buildLogger(settings.LogFile)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var users identityserver.UserStore
	var refreshTokens identityserver.RefreshTokenStore
	if settings.DatabaseURL != "" {
		database, openErr := identityserver.OpenDatabase(commandContext, settings.DatabaseURL)
		if openErr != nil {
			return openErr
		}
		defer func() { _ = database.Close() }()
		users = identityserver.NewDatabaseUsers(database)
		refreshTokens = identityserver.NewDatabaseRefreshTokenStore(database)
		logger.Info("using persistent identity store", zap.String("driver", database.Driver()))
	} else {
		users = identityserver.NewMemoryUsers()
		refreshTokens = identityserver.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory identity store")
	}
	if settings.RedisURL != "" {
		redisClient, redisErr := identityserver.OpenRedis(commandContext, settings.RedisURL)
		if redisErr != nil {
			return redisErr
		}
		defer func() { _ = redisClient.Close() }()
		refreshTokens = identityserver.NewRedisRefreshTokenStore(redisClient, "")
		logger.Info("using redis refresh token store")
	}

	for _, definition := range settings.SeedUsers {
		seeded, seedErr := users.UpsertUser(commandContext, definition)
		if seedErr != nil {
			return fmt.Errorf("%s: %w", configCodeInvalidSeedUser, seedErr)
		}
		logger.Info("seeded user", zap.String("username", seeded.Username), zap.String("user_id", seeded.ID))
	}

	server, serverErr := identityserver.NewServer(settings.Server, users, refreshTokens, identityserver.NewSystemClock(), logger)
	if serverErr != nil {
		return serverErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	server.Mount(router)
	return serve(logger, settings.ListenAddr, router)
}

func serve(logger *zap.Logger, listenAddr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildLogger(logFile string) (*zap.Logger, error) {
	if strings.TrimSpace(logFile) == "" {
		return zap.NewProduction()
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	fileSink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(encoder, fileSink, level),
	)
	return zap.New(core, zap.AddCaller()), nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
