package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mprlab/yearago/internal/authflow"
	"github.com/mprlab/yearago/internal/memorykit"
	"github.com/mprlab/yearago/internal/sessionkit"
)

const profileNSID = "app.bsky.actor.getProfile"

// ServerConfig carries the request-handling knobs the routes need.
type ServerConfig struct {
	PublicURL         string
	SessionCookieName string
	CookieDomain      string
	Scope             string
	AllowInsecureHTTP bool
	SameSiteMode      http.SameSite
}

// AuthStarter begins a delegated-authorization flow for an account hint.
type AuthStarter interface {
	Authorize(ctx context.Context, accountHint string, scope string) (string, error)
}

// AdaptAuthClient narrows the authorization client to the session manager's
// interface. The concrete Restore returns a credential handle struct; the
// manager only needs the repo-session view of it.
func AdaptAuthClient(client *authflow.Client) sessionkit.AuthClient {
	return authClientAdapter{client: client}
}

type authClientAdapter struct {
	client *authflow.Client
}

func (adapter authClientAdapter) Callback(ctx context.Context, params url.Values) (string, error) {
	return adapter.client.Callback(ctx, params)
}

func (adapter authClientAdapter) Restore(ctx context.Context, identity string) (sessionkit.RepoSession, error) {
	handle, restoreErr := adapter.client.Restore(ctx, identity)
	if restoreErr != nil {
		return nil, restoreErr
	}
	return handle, nil
}

func (adapter authClientAdapter) Revoke(ctx context.Context, identity string) error {
	return adapter.client.Revoke(ctx, identity)
}

type profilePayload struct {
	DisplayName string `json:"displayName"`
	Handle      string `json:"handle"`
	Identity    string `json:"identity"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MountRoutes registers the sign-in lifecycle and the memory endpoint.
func MountRoutes(router gin.IRouter, configuration ServerConfig, manager *sessionkit.Manager, starter AuthStarter, retriever *memorykit.Retriever, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/login", func(contextGin *gin.Context) {
		accountHint := strings.TrimSpace(contextGin.Query("account"))
		if accountHint == "" {
			redirectWithError(contextGin, "missing_account")
			return
		}
		redirectURL, authorizeErr := starter.Authorize(contextGin.Request.Context(), accountHint, configuration.Scope)
		if authorizeErr != nil {
			logger.Warn("authorization start failed",
				zap.String("code", "web.login.authorize_failed"),
				zap.Error(authorizeErr))
			redirectWithError(contextGin, loginErrorCode(authorizeErr))
			return
		}
		contextGin.Redirect(http.StatusFound, redirectURL)
	})

	router.GET("/oauth/callback", func(contextGin *gin.Context) {
		requestToken := sessionCookieValue(contextGin, configuration)
		identity, responseToken, loginErr := manager.CompleteLogin(contextGin.Request.Context(), requestToken, contextGin.Request.URL.Query())
		if loginErr != nil {
			logger.Warn("login exchange failed",
				zap.String("code", "web.callback.exchange_failed"),
				zap.Error(loginErr))
			redirectWithError(contextGin, "login_failed")
			return
		}
		writeSessionCookie(contextGin, configuration, responseToken)
		logger.Info("login completed",
			zap.String("code", "web.callback.completed"),
			zap.String("identity", identity))
		contextGin.Redirect(http.StatusFound, "/")
	})

	router.POST("/logout", func(contextGin *gin.Context) {
		manager.Logout(contextGin.Request.Context(), sessionCookieValue(contextGin, configuration))
		clearSessionCookie(contextGin, configuration)
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/api/memory", func(contextGin *gin.Context) {
		session, clearCookie := manager.Resolve(contextGin.Request.Context(), sessionCookieValue(contextGin, configuration))
		if clearCookie {
			clearSessionCookie(contextGin, configuration)
		}
		if session == nil {
			contextGin.JSON(http.StatusUnauthorized, gin.H{"selectedMemory": nil})
			return
		}

		profile := fetchProfile(contextGin.Request.Context(), session, logger)

		selected, memoryErr := retriever.MemoryFor(contextGin.Request.Context(), session)
		if memoryErr != nil {
			// A failed listing degrades to "no memory today".
			logger.Warn("memory retrieval failed",
				zap.String("code", "web.memory.retrieval_failed"),
				zap.String("identity", session.Identity()),
				zap.Error(memoryErr))
			selected = nil
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"selectedMemory": selected,
			"profile":        profile,
		})
	})
}

func fetchProfile(ctx context.Context, session sessionkit.RepoSession, logger *zap.Logger) *profilePayload {
	var remote struct {
		DID         string `json:"did"`
		Handle      string `json:"handle"`
		DisplayName string `json:"displayName"`
		Avatar      string `json:"avatar"`
	}
	params := url.Values{"actor": {session.Identity()}}
	if getErr := session.Get(ctx, profileNSID, params, &remote); getErr != nil {
		logger.Debug("profile fetch failed",
			zap.String("code", "web.profile.fetch_failed"),
			zap.String("identity", session.Identity()),
			zap.Error(getErr))
		return &profilePayload{Identity: session.Identity()}
	}
	identity := remote.DID
	if identity == "" {
		identity = session.Identity()
	}
	displayName := remote.DisplayName
	if displayName == "" {
		displayName = remote.Handle
	}
	return &profilePayload{
		DisplayName: displayName,
		Handle:      remote.Handle,
		Identity:    identity,
		AvatarURL:   remote.Avatar,
	}
}

func loginErrorCode(authorizeErr error) string {
	switch {
	case errors.Is(authorizeErr, authflow.ErrResolution):
		return "account_not_found"
	case errors.Is(authorizeErr, authflow.ErrProtocol):
		return "authorization_rejected"
	default:
		return "login_failed"
	}
}

func redirectWithError(contextGin *gin.Context, code string) {
	contextGin.Redirect(http.StatusFound, "/?error="+url.QueryEscape(code))
}

func sessionCookieValue(contextGin *gin.Context, configuration ServerConfig) string {
	sessionCookie, cookieErr := contextGin.Request.Cookie(configuration.SessionCookieName)
	if cookieErr != nil || sessionCookie == nil {
		return ""
	}
	return sessionCookie.Value
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, responseToken string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    responseToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  time.Now().UTC().Add(30 * 24 * time.Hour),
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearSessionCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
