package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

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

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresPublicURL(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	viper.Set("session_seal_key", "seal-secret")
	viper.Set("request_timeout", 10*time.Second)
	viper.Set("auth_request_ttl", 10*time.Minute)

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when public_url is missing")
	}
	expectedMessage := "config.missing_public_url: public_url must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresSealKey(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	viper.Set("public_url", "https://yearago.example")
	viper.Set("request_timeout", 10*time.Second)
	viper.Set("auth_request_ttl", 10*time.Minute)

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when session_seal_key is missing")
	}
	expectedMessage := "config.missing_session_seal_key: session_seal_key must be provided"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsRequiresPositiveRequestTimeout(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	viper.Set("public_url", "https://yearago.example")
	viper.Set("session_seal_key", "seal-secret")
	viper.Set("request_timeout", 0)
	viper.Set("auth_request_ttl", 10*time.Minute)

	_, err := LoadServerSettings()
	if err == nil {
		t.Fatalf("expected error when request_timeout is non-positive")
	}

	expectedMessage := "config.invalid_request_timeout: request_timeout must be greater than zero"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerSettingsCORSSelectsSameSiteNone(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	viper.Set("public_url", "https://yearago.example")
	viper.Set("session_seal_key", "seal-secret")
	viper.Set("request_timeout", 10*time.Second)
	viper.Set("auth_request_ttl", 10*time.Minute)
	viper.Set("enable_cors", true)

	serverSettings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if serverSettings.Web.SameSiteMode != http.SameSiteNoneMode {
		t.Fatalf("expected SameSite=None with CORS enabled, got %v", serverSettings.Web.SameSiteMode)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Set("listen_addr", ":0")
	viper.Set("public_url", "https://yearago.example")
	viper.Set("session_seal_key", "seal-secret")
	viper.Set("cookie_domain", "localhost")
	viper.Set("request_timeout", 10*time.Second)
	viper.Set("auth_request_ttl", 10*time.Minute)
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://file::memory:?cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost"})

	serverSettings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, serverSettings))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryCache(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Set("listen_addr", ":0")
	viper.Set("public_url", "https://yearago.example")
	viper.Set("session_seal_key", "seal-secret")
	viper.Set("request_timeout", 10*time.Second)
	viper.Set("auth_request_ttl", 10*time.Minute)
	viper.Set("dev_insecure_http", true)

	serverSettings, err := LoadServerSettings()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}

	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, serverSettings))

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory cache, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
