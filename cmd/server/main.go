package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/yearago/internal/authflow"
	"github.com/mprlab/yearago/internal/memorykit"
	"github.com/mprlab/yearago/internal/sessionkit"
	"github.com/mprlab/yearago/internal/web"
	webassets "github.com/mprlab/yearago/web"
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
		Use:     "yearago",
		Short:   "Web service that signs a user in via atproto OAuth and shows their most-liked post from this day one year ago",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("public_url", "", "Externally reachable base URL; doubles as the OAuth client identity")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("session_seal_key", "", "Secret used to encrypt the session cookie")
	rootCmd.Flags().String("scope", "", "OAuth scope to request; empty for the default")
	rootCmd.Flags().String("database_url", "", "Database URL for the token cache (postgres:// or sqlite://; leave empty for in-memory)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Duration("request_timeout", 10*time.Second, "Timeout for outbound authorization and repository calls")
	rootCmd.Flags().Duration("auth_request_ttl", 10*time.Minute, "Lifetime of a pending authorization before the callback expires")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("public_url", rootCmd.Flags().Lookup("public_url"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("session_seal_key", rootCmd.Flags().Lookup("session_seal_key"))
	_ = viper.BindPFlag("scope", rootCmd.Flags().Lookup("scope"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("request_timeout", rootCmd.Flags().Lookup("request_timeout"))
	_ = viper.BindPFlag("auth_request_ttl", rootCmd.Flags().Lookup("auth_request_ttl"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "yearago_session"

	configCodeMissingPublicURL        = "config.missing_public_url"
	configCodeMissingSessionSealKey   = "config.missing_session_seal_key"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeInvalidAuthRequestTTL   = "config.invalid_auth_request_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// ServerSettings is the validated process configuration.
type ServerSettings struct {
	ListenAddr         string
	SessionSealKey     string
	DatabaseURL        string
	EnableCORS         bool
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
	AuthRequestTTL     time.Duration
	Web                web.ServerConfig
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverSettings, loadErr := LoadServerSettings()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverSettings))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerSettings() (ServerSettings, error) {
	publicURL := viper.GetString("public_url")
	if publicURL == "" {
		return ServerSettings{}, configError(configCodeMissingPublicURL, "public_url must be provided")
	}

	sessionSealKey := viper.GetString("session_seal_key")
	if sessionSealKey == "" {
		return ServerSettings{}, configError(configCodeMissingSessionSealKey, "session_seal_key must be provided")
	}

	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		return ServerSettings{}, configError(configCodeInvalidRequestTimeout, "request_timeout must be greater than zero")
	}

	authRequestTTL := viper.GetDuration("auth_request_ttl")
	if authRequestTTL <= 0 {
		return ServerSettings{}, configError(configCodeInvalidAuthRequestTTL, "auth_request_ttl must be greater than zero")
	}

	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	enableCORS := viper.GetBool("enable_cors")
	sameSiteMode := http.SameSiteLaxMode
	if enableCORS {
		sameSiteMode = http.SameSiteNoneMode
	}

	return ServerSettings{
		ListenAddr:         viper.GetString("listen_addr"),
		SessionSealKey:     sessionSealKey,
		DatabaseURL:        viper.GetString("database_url"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
		RequestTimeout:     requestTimeout,
		AuthRequestTTL:     authRequestTTL,
		Web: web.ServerConfig{
			PublicURL:         publicURL,
			SessionCookieName: sessionCookieName,
			CookieDomain:      viper.GetString("cookie_domain"),
			Scope:             viper.GetString("scope"),
			AllowInsecureHTTP: devInsecureHTTP,
			SameSiteMode:      sameSiteMode,
		},
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverSettings, ok := contextValue.(ServerSettings)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if serverSettings.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverSettings.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	var tokens authflow.TokenCache
	var requests authflow.AuthRequestStore
	if serverSettings.DatabaseURL != "" {
		databaseCache, cacheErr := authflow.NewDatabaseCache(context.Background(), serverSettings.DatabaseURL)
		if cacheErr != nil {
			return cacheErr
		}
		tokens = databaseCache
		requests = databaseCache
		logger.Info("using persistent token cache", zap.String("driver", databaseCache.Driver()))
	} else {
		tokens = authflow.NewMemoryTokenCache()
		requests = authflow.NewMemoryAuthRequestStore()
		logger.Info("using in-memory token cache")
	}

	authClient, clientErr := authflow.NewClient(authflow.ClientConfig{
		PublicURL:      serverSettings.Web.PublicURL,
		Scope:          serverSettings.Web.Scope,
		RequestTimeout: serverSettings.RequestTimeout,
		AuthRequestTTL: serverSettings.AuthRequestTTL,
	}, nil, tokens, requests, logger)
	if clientErr != nil {
		return clientErr
	}

	cookieStore, storeErr := sessionkit.NewCookieStore([]byte(serverSettings.SessionSealKey))
	if storeErr != nil {
		return storeErr
	}
	sessionManager := sessionkit.NewManager(cookieStore, web.AdaptAuthClient(authClient), logger)
	retriever := memorykit.NewRetriever(logger)

	web.MountStaticAssets(router, webassets.FS)
	web.MountClientMetadata(router, serverSettings.Web)
	web.MountRoutes(router, serverSettings.Web, sessionManager, authClient, retriever, logger)

	server := &http.Server{
		Addr:              serverSettings.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverSettings.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
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
