package web

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MountClientMetadata serves the OAuth client metadata document. The document
// URL doubles as the client_id, so the served values must match what the
// authorization client sends in its pushed requests.
func MountClientMetadata(router gin.IRouter, configuration ServerConfig) {
	baseURL := strings.TrimSuffix(configuration.PublicURL, "/")
	scope := configuration.Scope
	if scope == "" {
		scope = "atproto transition:generic"
	}
	document := gin.H{
		"client_id":                  baseURL + "/oauth/client-metadata.json",
		"client_name":                "Year Ago",
		"client_uri":                 baseURL,
		"redirect_uris":              []string{baseURL + "/oauth/callback"},
		"scope":                      scope,
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"application_type":           "web",
		"token_endpoint_auth_method": "none",
		"dpop_bound_access_tokens":   true,
	}
	router.GET("/oauth/client-metadata.json", func(contextGin *gin.Context) {
		contextGin.Header("Cache-Control", "public, max-age=3600")
		contextGin.JSON(http.StatusOK, document)
	})
}
