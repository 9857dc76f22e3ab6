package authflow

import (
	"context"
	"errors"
)

var (
	// ErrTokenSetNotFound indicates no token set is cached for the identity.
	ErrTokenSetNotFound = errors.New("token_cache.not_found")
	// ErrAuthRequestNotFound indicates the state matches no pending authorization,
	// either because it was never issued or because it was already consumed.
	ErrAuthRequestNotFound = errors.New("auth_request_store.not_found")
)

// TokenCache persists token sets keyed by identity. Implementations must
// support concurrent access for different identities and guarantee atomic
// replace-on-write per identity key.
type TokenCache interface {
	Get(ctx context.Context, did string) (*TokenSet, error)
	Put(ctx context.Context, set TokenSet) error
	Delete(ctx context.Context, did string) error
}

// AuthRequestStore holds pending authorizations between redirect and callback.
type AuthRequestStore interface {
	Save(ctx context.Context, request AuthRequest) error
	// Take returns the pending request for the state and removes it, so a
	// replayed callback finds nothing.
	Take(ctx context.Context, state string) (*AuthRequest, error)
}
