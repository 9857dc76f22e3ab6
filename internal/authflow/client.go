package authflow

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.uber.org/zap"
)

const (
	defaultScope          = "atproto transition:generic"
	defaultRequestTimeout = 10 * time.Second
	defaultAuthRequestTTL = 10 * time.Minute

	clientMetadataPath = "/oauth/client-metadata.json"
	callbackPath       = "/oauth/callback"

	maxResponseBytes = 1 << 20
)

// ErrMissingPublicURL indicates the client was configured without a public base URL.
var ErrMissingPublicURL = errors.New("authflow.config.missing_public_url")

// ClientConfig configures the OAuth client identity and protocol timeouts.
type ClientConfig struct {
	// PublicURL is the externally reachable base URL of this service; the
	// client metadata document and redirect URI are derived from it.
	PublicURL      string
	Scope          string
	RequestTimeout time.Duration
	AuthRequestTTL time.Duration
}

// ClientID returns the metadata-document URL that identifies this client.
func (config ClientConfig) ClientID() string {
	return strings.TrimSuffix(config.PublicURL, "/") + clientMetadataPath
}

// RedirectURI returns the callback URL registered in the client metadata.
func (config ClientConfig) RedirectURI() string {
	return strings.TrimSuffix(config.PublicURL, "/") + callbackPath
}

// Client drives the three-legged delegated-authorization protocol against an
// account's authorization server: authorize, callback, restore, and revoke.
// The token cache and auth request store are injected so persistence is
// pluggable; the client itself keeps no per-identity state.
type Client struct {
	config     ClientConfig
	directory  identity.Directory
	tokens     TokenCache
	requests   AuthRequestStore
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient validates the configuration and wires the client together. A nil
// directory falls back to the default resolver; a nil logger to a nop logger.
func NewClient(config ClientConfig, directory identity.Directory, tokens TokenCache, requests AuthRequestStore, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(config.PublicURL) == "" {
		return nil, fmt.Errorf("authflow.new: %w", ErrMissingPublicURL)
	}
	if config.Scope == "" {
		config.Scope = defaultScope
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.AuthRequestTTL <= 0 {
		config.AuthRequestTTL = defaultAuthRequestTTL
	}
	if directory == nil {
		directory = identity.DefaultDirectory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:     config,
		directory:  directory,
		tokens:     tokens,
		requests:   requests,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type authServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	PAREndpoint           string `json:"pushed_authorization_request_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	Sub          string `json:"sub"`
}

// Authorize resolves the account hint, pushes an authorization request, and
// returns the URL to redirect the user to. It mutates no session state: the
// pending authorization is stored keyed by state for the callback to consume.
func (client *Client) Authorize(ctx context.Context, accountHint string, scope string) (string, error) {
	if strings.TrimSpace(accountHint) == "" {
		return "", fmt.Errorf("authflow.authorize: %w: empty account hint", ErrResolution)
	}
	if scope == "" {
		scope = client.config.Scope
	}

	resolvedDID, pdsEndpoint, resolveErr := client.resolveAccount(ctx, accountHint)
	if resolveErr != nil {
		return "", resolveErr
	}
	meta, metaErr := client.discoverAuthServer(ctx, pdsEndpoint)
	if metaErr != nil {
		return "", metaErr
	}

	key, keyErr := NewDPoPKey()
	if keyErr != nil {
		return "", fmt.Errorf("authflow.authorize: %w", keyErr)
	}
	encodedKey, encodeErr := EncodeDPoPKey(key)
	if encodeErr != nil {
		return "", fmt.Errorf("authflow.authorize: %w", encodeErr)
	}
	verifier, verifierErr := randomToken(48)
	if verifierErr != nil {
		return "", fmt.Errorf("authflow.authorize: %w", verifierErr)
	}
	state, stateErr := randomToken(24)
	if stateErr != nil {
		return "", fmt.Errorf("authflow.authorize: %w", stateErr)
	}
	challengeSum := sha256.Sum256([]byte(verifier))

	form := url.Values{
		"client_id":             {client.config.ClientID()},
		"response_type":         {"code"},
		"redirect_uri":          {client.config.RedirectURI()},
		"state":                 {state},
		"scope":                 {scope},
		"code_challenge":        {base64.RawURLEncoding.EncodeToString(challengeSum[:])},
		"code_challenge_method": {"S256"},
	}
	if resolvedDID != "" {
		form.Set("login_hint", strings.TrimSpace(accountHint))
	}

	result, parErr := client.postFormWithDPoP(ctx, meta.PAREndpoint, form, key, "")
	if parErr != nil {
		return "", fmt.Errorf("authflow.authorize.par: %w: %v", ErrProtocol, parErr)
	}
	if result.status != http.StatusCreated && result.status != http.StatusOK {
		return "", fmt.Errorf("authflow.authorize.par: %w: status %d", ErrProtocol, result.status)
	}
	var parResponse struct {
		RequestURI string `json:"request_uri"`
	}
	if unmarshalErr := json.Unmarshal(result.body, &parResponse); unmarshalErr != nil || parResponse.RequestURI == "" {
		return "", fmt.Errorf("authflow.authorize.par: %w: missing request_uri", ErrProtocol)
	}

	pending := AuthRequest{
		State:              state,
		DID:                resolvedDID,
		PDSEndpoint:        pdsEndpoint,
		Issuer:             meta.Issuer,
		TokenEndpoint:      meta.TokenEndpoint,
		RevocationEndpoint: meta.RevocationEndpoint,
		PKCEVerifier:       verifier,
		DPoPKey:            encodedKey,
		DPoPNonce:          result.nonce,
		Scope:              scope,
		CreatedAtUnix:      client.now().Unix(),
	}
	if saveErr := client.requests.Save(ctx, pending); saveErr != nil {
		return "", fmt.Errorf("authflow.authorize: %w", saveErr)
	}

	redirectQuery := url.Values{
		"client_id":   {client.config.ClientID()},
		"request_uri": {parResponse.RequestURI},
	}
	return meta.AuthorizationEndpoint + "?" + redirectQuery.Encode(), nil
}

// Callback validates the redirect parameters against the pending
// authorization, exchanges the code for a token set, and persists it keyed by
// identity. Any prior token set for the same identity is revoked first, so
// the last completed callback wins.
func (client *Client) Callback(ctx context.Context, params url.Values) (string, error) {
	if errorCode := params.Get("error"); errorCode != "" {
		return "", fmt.Errorf("authflow.callback: %w: remote error %q", ErrCallback, errorCode)
	}
	state := params.Get("state")
	code := params.Get("code")
	if state == "" || code == "" {
		return "", fmt.Errorf("authflow.callback: %w: missing state or code", ErrCallback)
	}

	pending, takeErr := client.requests.Take(ctx, state)
	if takeErr != nil {
		return "", fmt.Errorf("authflow.callback: %w: unknown or replayed state", ErrCallback)
	}
	if client.now().Unix()-pending.CreatedAtUnix > int64(client.config.AuthRequestTTL.Seconds()) {
		return "", fmt.Errorf("authflow.callback: %w: authorization expired", ErrCallback)
	}
	if issuerParam := params.Get("iss"); issuerParam != "" && issuerParam != pending.Issuer {
		return "", fmt.Errorf("authflow.callback: %w: issuer mismatch", ErrCallback)
	}

	key, decodeErr := DecodeDPoPKey(pending.DPoPKey)
	if decodeErr != nil {
		return "", fmt.Errorf("authflow.callback: %w: %v", ErrCallback, decodeErr)
	}
	token, exchangeErr := client.exchangeCode(ctx, pending, code, key)
	if exchangeErr != nil {
		return "", fmt.Errorf("authflow.callback.exchange: %w: %v", ErrCallback, exchangeErr)
	}

	identityDID, didErr := syntax.ParseDID(token.Sub)
	if didErr != nil {
		return "", fmt.Errorf("authflow.callback: %w: invalid subject %q", ErrCallback, token.Sub)
	}
	if pending.DID != "" && identityDID.String() != pending.DID {
		return "", fmt.Errorf("authflow.callback: %w: subject mismatch", ErrCallback)
	}

	if previous, getErr := client.tokens.Get(ctx, identityDID.String()); getErr == nil {
		client.revokeRemote(ctx, previous)
	}

	scope := pending.Scope
	if token.Scope != "" {
		scope = token.Scope
	}
	set := TokenSet{
		DID:                identityDID.String(),
		PDSEndpoint:        pending.PDSEndpoint,
		Issuer:             pending.Issuer,
		TokenEndpoint:      pending.TokenEndpoint,
		RevocationEndpoint: pending.RevocationEndpoint,
		AccessToken:        token.AccessToken,
		RefreshToken:       token.RefreshToken,
		Scope:              scope,
		DPoPKey:            pending.DPoPKey,
		ExpiresAtUnix:      client.now().Add(tokenLifetime(token.ExpiresIn)).Unix(),
	}
	if putErr := client.tokens.Put(ctx, set); putErr != nil {
		return "", fmt.Errorf("authflow.callback: %w", putErr)
	}
	return identityDID.String(), nil
}

// Restore rebuilds a request-scoped credential handle from the cached token
// set. No network call happens here; a remotely invalidated token surfaces as
// ErrRestore when the handle is first used.
func (client *Client) Restore(ctx context.Context, identityValue string) (*CredentialHandle, error) {
	set, getErr := client.tokens.Get(ctx, identityValue)
	if getErr != nil {
		return nil, fmt.Errorf("authflow.restore: %w: %v", ErrRestore, getErr)
	}
	key, decodeErr := DecodeDPoPKey(set.DPoPKey)
	if decodeErr != nil {
		return nil, fmt.Errorf("authflow.restore: %w: %v", ErrRestore, decodeErr)
	}
	return &CredentialHandle{client: client, set: *set, key: key}, nil
}

// Revoke invalidates the identity's token set remotely (best-effort) and
// removes the local cache entry regardless of the remote outcome.
func (client *Client) Revoke(ctx context.Context, identityValue string) error {
	set, getErr := client.tokens.Get(ctx, identityValue)
	if getErr != nil {
		if errors.Is(getErr, ErrTokenSetNotFound) {
			return nil
		}
		return fmt.Errorf("authflow.revoke: %w", getErr)
	}
	client.revokeRemote(ctx, set)
	if deleteErr := client.tokens.Delete(ctx, identityValue); deleteErr != nil && !errors.Is(deleteErr, ErrTokenSetNotFound) {
		return fmt.Errorf("authflow.revoke: %w", deleteErr)
	}
	return nil
}

func (client *Client) resolveAccount(ctx context.Context, accountHint string) (string, string, error) {
	trimmed := strings.TrimSpace(accountHint)
	if strings.HasPrefix(trimmed, "https://") || strings.HasPrefix(trimmed, "http://") {
		parsed, parseErr := url.Parse(trimmed)
		if parseErr != nil || parsed.Host == "" {
			return "", "", fmt.Errorf("authflow.resolve: %w: invalid service endpoint", ErrResolution)
		}
		return "", parsed.Scheme + "://" + parsed.Host, nil
	}
	atIdentifier, parseErr := syntax.ParseAtIdentifier(trimmed)
	if parseErr != nil {
		return "", "", fmt.Errorf("authflow.resolve: %w: %v", ErrResolution, parseErr)
	}
	resolved, lookupErr := client.directory.Lookup(ctx, atIdentifier)
	if lookupErr != nil {
		return "", "", fmt.Errorf("authflow.resolve: %w: %v", ErrResolution, lookupErr)
	}
	pdsEndpoint := resolved.PDSEndpoint()
	if pdsEndpoint == "" {
		return "", "", fmt.Errorf("authflow.resolve: %w: identity declares no service endpoint", ErrResolution)
	}
	return resolved.DID.String(), pdsEndpoint, nil
}

func (client *Client) discoverAuthServer(ctx context.Context, pdsEndpoint string) (*authServerMetadata, error) {
	var resource struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	resourceURL := strings.TrimSuffix(pdsEndpoint, "/") + "/.well-known/oauth-protected-resource"
	if err := client.getJSON(ctx, resourceURL, &resource); err != nil {
		return nil, fmt.Errorf("authflow.discover.resource: %w: %v", ErrProtocol, err)
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("authflow.discover.resource: %w: no authorization servers declared", ErrProtocol)
	}
	issuer := strings.TrimSuffix(resource.AuthorizationServers[0], "/")

	var meta authServerMetadata
	metadataURL := issuer + "/.well-known/oauth-authorization-server"
	if err := client.getJSON(ctx, metadataURL, &meta); err != nil {
		return nil, fmt.Errorf("authflow.discover.metadata: %w: %v", ErrProtocol, err)
	}
	if strings.TrimSuffix(meta.Issuer, "/") != issuer {
		return nil, fmt.Errorf("authflow.discover.metadata: %w: issuer mismatch", ErrProtocol)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" || meta.PAREndpoint == "" {
		return nil, fmt.Errorf("authflow.discover.metadata: %w: incomplete metadata", ErrProtocol)
	}
	return &meta, nil
}

func (client *Client) exchangeCode(ctx context.Context, pending *AuthRequest, code string, key *ecdsa.PrivateKey) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {client.config.RedirectURI()},
		"client_id":     {client.config.ClientID()},
		"code_verifier": {pending.PKCEVerifier},
	}
	result, postErr := client.postFormWithDPoP(ctx, pending.TokenEndpoint, form, key, pending.DPoPNonce)
	if postErr != nil {
		return nil, postErr
	}
	if result.status != http.StatusOK {
		return nil, fmt.Errorf("token endpoint status %d", result.status)
	}
	var token tokenResponse
	if unmarshalErr := json.Unmarshal(result.body, &token); unmarshalErr != nil {
		return nil, unmarshalErr
	}
	if token.AccessToken == "" || token.Sub == "" {
		return nil, errors.New("token response missing access_token or sub")
	}
	return &token, nil
}

func (client *Client) revokeRemote(ctx context.Context, set *TokenSet) {
	if set.RevocationEndpoint == "" {
		return
	}
	key, decodeErr := DecodeDPoPKey(set.DPoPKey)
	if decodeErr != nil {
		client.logger.Warn("remote token revocation skipped",
			zap.String("code", "authflow.revoke.bad_key"),
			zap.String("identity", set.DID),
			zap.Error(decodeErr))
		return
	}
	tokenValue := set.RefreshToken
	if tokenValue == "" {
		tokenValue = set.AccessToken
	}
	form := url.Values{
		"token":     {tokenValue},
		"client_id": {client.config.ClientID()},
	}
	result, postErr := client.postFormWithDPoP(ctx, set.RevocationEndpoint, form, key, "")
	if postErr != nil {
		client.logger.Warn("remote token revocation failed",
			zap.String("code", "authflow.revoke.remote_failed"),
			zap.String("identity", set.DID),
			zap.Error(postErr))
		return
	}
	if result.status >= http.StatusMultipleChoices {
		client.logger.Warn("remote token revocation rejected",
			zap.String("code", "authflow.revoke.remote_rejected"),
			zap.String("identity", set.DID),
			zap.Int("status", result.status))
	}
}

type dpopResult struct {
	status int
	body   []byte
	nonce  string
}

// postFormWithDPoP posts the form with a DPoP proof, retrying once when the
// server demands a nonce via the use_dpop_nonce error.
func (client *Client) postFormWithDPoP(ctx context.Context, endpoint string, form url.Values, key *ecdsa.PrivateKey, nonce string) (dpopResult, error) {
	attemptNonce := nonce
	var last dpopResult
	for attempt := 0; attempt < 2; attempt++ {
		proof, proofErr := SignDPoPProof(key, http.MethodPost, endpoint, attemptNonce, "", client.now())
		if proofErr != nil {
			return dpopResult{}, proofErr
		}
		request, requestErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if requestErr != nil {
			return dpopResult{}, requestErr
		}
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		request.Header.Set("DPoP", proof)

		response, doErr := client.httpClient.Do(request)
		if doErr != nil {
			return dpopResult{}, doErr
		}
		body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
		_ = response.Body.Close()
		if readErr != nil {
			return dpopResult{}, readErr
		}

		serverNonce := response.Header.Get("DPoP-Nonce")
		retriable := response.StatusCode == http.StatusBadRequest || response.StatusCode == http.StatusUnauthorized
		if attempt == 0 && retriable && serverNonce != "" && isUseDPoPNonce(body) {
			attemptNonce = serverNonce
			continue
		}
		if serverNonce != "" {
			attemptNonce = serverNonce
		}
		last = dpopResult{status: response.StatusCode, body: body, nonce: attemptNonce}
		break
	}
	return last, nil
}

func (client *Client) getJSON(ctx context.Context, requestURL string, out any) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if requestErr != nil {
		return requestErr
	}
	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return doErr
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", response.StatusCode, requestURL)
	}
	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return readErr
	}
	return json.Unmarshal(body, out)
}

func isUseDPoPNonce(body []byte) bool {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.Error == "use_dpop_nonce"
}

func tokenLifetime(expiresIn int64) time.Duration {
	if expiresIn <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(expiresIn) * time.Second
}
