package sessionkit

import (
	"context"
	"net/url"

	"go.uber.org/zap"
)

// RepoSession is a live, request-scoped credential for the signed-in account.
// It is recreated on every request and never persisted.
type RepoSession interface {
	Identity() string
	Get(ctx context.Context, nsid string, params url.Values, out any) error
}

// AuthClient is the delegated-authorization surface the manager orchestrates.
type AuthClient interface {
	Callback(ctx context.Context, params url.Values) (identity string, err error)
	Restore(ctx context.Context, identity string) (RepoSession, error)
	Revoke(ctx context.Context, identity string) error
}

// Manager turns request-carried session tokens into usable credentials and
// drives login completion and sign-out. All dependencies are explicit; there
// is no ambient session state.
type Manager struct {
	store  *CookieStore
	client AuthClient
	logger *zap.Logger
}

// NewManager wires the cookie store and authorization client together.
func NewManager(store *CookieStore, client AuthClient, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, client: client, logger: logger}
}

// Resolve returns the live session for the request, or nil when anonymous.
// The second result reports whether the caller must clear the session cookie:
// a failed credential restore destroys the local session so a stale identity
// never resurfaces, and the request proceeds as anonymous.
func (manager *Manager) Resolve(ctx context.Context, requestToken string) (RepoSession, bool) {
	record := manager.store.Load(requestToken)
	if record.IsAnonymous() {
		return nil, false
	}
	session, restoreErr := manager.client.Restore(ctx, record.Identity)
	if restoreErr != nil {
		manager.logger.Warn("session restore failed; destroying session",
			zap.String("code", "session.resolve.restore_failed"),
			zap.String("identity", record.Identity),
			zap.Error(restoreErr))
		return nil, true
	}
	return session, false
}

// CompleteLogin finishes the callback exchange and returns the identity plus
// the response token to set as the new cookie value. When a session already
// exists its token set is revoked first, so one identity never holds two live
// token sets; a revocation failure is logged and login proceeds. On exchange
// failure the prior token is returned unchanged.
func (manager *Manager) CompleteLogin(ctx context.Context, requestToken string, params url.Values) (string, string, error) {
	record := manager.store.Load(requestToken)
	if !record.IsAnonymous() {
		if revokeErr := manager.client.Revoke(ctx, record.Identity); revokeErr != nil {
			manager.logger.Warn("revoking prior session before login failed",
				zap.String("code", "session.login.prior_revoke_failed"),
				zap.String("identity", record.Identity),
				zap.Error(revokeErr))
		}
	}
	identity, callbackErr := manager.client.Callback(ctx, params)
	if callbackErr != nil {
		return "", requestToken, callbackErr
	}
	responseToken, saveErr := manager.store.Save(SessionRecord{Identity: identity})
	if saveErr != nil {
		return "", requestToken, saveErr
	}
	return identity, responseToken, nil
}

// Logout revokes the current identity's token set when present. Revocation is
// best-effort: the caller always clears the cookie afterwards, so sign-out
// succeeds locally regardless of the remote outcome.
func (manager *Manager) Logout(ctx context.Context, requestToken string) {
	record := manager.store.Load(requestToken)
	if record.IsAnonymous() {
		return
	}
	if revokeErr := manager.client.Revoke(ctx, record.Identity); revokeErr != nil {
		manager.logger.Warn("revoke failed during logout",
			zap.String("code", "session.logout.revoke_failed"),
			zap.String("identity", record.Identity),
			zap.Error(revokeErr))
	}
}
