package authflow

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// CredentialHandle is the request-scoped, usable form of a token set. It is
// produced by Restore, never persisted, and not safe for concurrent use; each
// request restores its own handle.
type CredentialHandle struct {
	client    *Client
	set       TokenSet
	key       *ecdsa.PrivateKey
	pdsNonce  string
	refreshed bool
}

// Identity returns the account identity the handle is bound to.
func (handle *CredentialHandle) Identity() string {
	return handle.set.DID
}

// PDSEndpoint returns the account's repository host.
func (handle *CredentialHandle) PDSEndpoint() string {
	return handle.set.PDSEndpoint
}

// Get issues an authenticated query against the account's repository host and
// decodes the JSON response into out. An expired access token is refreshed
// once through the token endpoint; the rotated set is written back to the
// cache. A rejected or unrefreshable credential reports ErrRestore so the
// session layer can self-heal.
func (handle *CredentialHandle) Get(ctx context.Context, nsid string, params url.Values, out any) error {
	if handle.client.now().Unix() >= handle.set.ExpiresAtUnix {
		if refreshErr := handle.refresh(ctx); refreshErr != nil {
			return refreshErr
		}
	}

	requestURL := strings.TrimSuffix(handle.set.PDSEndpoint, "/") + "/xrpc/" + nsid
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	for attempt := 0; attempt < 2; attempt++ {
		proof, proofErr := SignDPoPProof(handle.key, http.MethodGet, requestURL, handle.pdsNonce, handle.set.AccessToken, handle.client.now())
		if proofErr != nil {
			return proofErr
		}
		request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if requestErr != nil {
			return fmt.Errorf("authflow.xrpc: %w", requestErr)
		}
		request.Header.Set("Authorization", "DPoP "+handle.set.AccessToken)
		request.Header.Set("DPoP", proof)

		response, doErr := handle.client.httpClient.Do(request)
		if doErr != nil {
			return fmt.Errorf("authflow.xrpc: %w", doErr)
		}
		body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
		_ = response.Body.Close()
		if readErr != nil {
			return fmt.Errorf("authflow.xrpc: %w", readErr)
		}

		if serverNonce := response.Header.Get("DPoP-Nonce"); serverNonce != "" {
			handle.pdsNonce = serverNonce
			if attempt == 0 && response.StatusCode == http.StatusUnauthorized && isUseDPoPNonce(body) {
				continue
			}
		}
		if response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("authflow.xrpc.unauthorized: %w", ErrRestore)
		}
		if response.StatusCode != http.StatusOK {
			return fmt.Errorf("authflow.xrpc: unexpected status %d", response.StatusCode)
		}
		if out == nil {
			return nil
		}
		if unmarshalErr := json.Unmarshal(body, out); unmarshalErr != nil {
			return fmt.Errorf("authflow.xrpc.decode: %w", unmarshalErr)
		}
		return nil
	}
	return fmt.Errorf("authflow.xrpc.unauthorized: %w", ErrRestore)
}

func (handle *CredentialHandle) refresh(ctx context.Context) error {
	if handle.refreshed || handle.set.RefreshToken == "" {
		return fmt.Errorf("authflow.refresh: %w: no usable refresh token", ErrRestore)
	}
	handle.refreshed = true

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {handle.set.RefreshToken},
		"client_id":     {handle.client.config.ClientID()},
	}
	result, postErr := handle.client.postFormWithDPoP(ctx, handle.set.TokenEndpoint, form, handle.key, "")
	if postErr != nil {
		return fmt.Errorf("authflow.refresh: %w: %v", ErrRestore, postErr)
	}
	if result.status != http.StatusOK {
		return fmt.Errorf("authflow.refresh: %w: token endpoint status %d", ErrRestore, result.status)
	}
	var token tokenResponse
	if unmarshalErr := json.Unmarshal(result.body, &token); unmarshalErr != nil || token.AccessToken == "" {
		return fmt.Errorf("authflow.refresh: %w: malformed token response", ErrRestore)
	}

	handle.set.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		handle.set.RefreshToken = token.RefreshToken
	}
	handle.set.ExpiresAtUnix = handle.client.now().Add(tokenLifetime(token.ExpiresIn)).Unix()

	if putErr := handle.client.tokens.Put(ctx, handle.set); putErr != nil {
		handle.client.logger.Warn("persisting rotated token set failed",
			zap.String("code", "authflow.refresh.persist_failed"),
			zap.String("identity", handle.set.DID),
			zap.Error(putErr))
	}
	return nil
}
