package authflow

// TokenSet is the persisted credential material bound to one account identity.
// Exactly one live TokenSet exists per identity: Put replaces atomically, and
// a new authorization for an already-known identity revokes the old set first.
type TokenSet struct {
	DID                string
	PDSEndpoint        string
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string
	AccessToken        string
	RefreshToken       string
	Scope              string
	DPoPKey            string
	ExpiresAtUnix      int64
}

// AuthRequest is an in-flight authorization awaiting its callback, correlated
// by the state value embedded in the redirect URL. No in-process suspension
// spans the user's round trip to the authorization server.
type AuthRequest struct {
	State              string
	DID                string
	PDSEndpoint        string
	Issuer             string
	TokenEndpoint      string
	RevocationEndpoint string
	PKCEVerifier       string
	DPoPKey            string
	DPoPNonce          string
	Scope              string
	CreatedAtUnix      int64
}
