package authflow

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTokenCache is an in-memory TokenCache intended for tests and dev.
type MemoryTokenCache struct {
	mutex sync.Mutex
	byDID map[string]TokenSet
}

// NewMemoryTokenCache creates an empty in-memory token cache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{byDID: make(map[string]TokenSet)}
}

// Get returns the cached token set for the identity.
func (cache *MemoryTokenCache) Get(ctx context.Context, did string) (*TokenSet, error) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	set, ok := cache.byDID[did]
	if !ok {
		return nil, fmt.Errorf("token_cache.get: %w", ErrTokenSetNotFound)
	}
	clone := set
	return &clone, nil
}

// Put stores the token set, replacing any prior set for the same identity.
func (cache *MemoryTokenCache) Put(ctx context.Context, set TokenSet) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.byDID[set.DID] = set
	return nil
}

// Delete removes the identity's token set if present.
func (cache *MemoryTokenCache) Delete(ctx context.Context, did string) error {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if _, ok := cache.byDID[did]; !ok {
		return fmt.Errorf("token_cache.delete: %w", ErrTokenSetNotFound)
	}
	delete(cache.byDID, did)
	return nil
}

// MemoryAuthRequestStore is an in-memory AuthRequestStore for tests and dev.
type MemoryAuthRequestStore struct {
	mutex   sync.Mutex
	byState map[string]AuthRequest
}

// NewMemoryAuthRequestStore creates an empty in-memory auth request store.
func NewMemoryAuthRequestStore() *MemoryAuthRequestStore {
	return &MemoryAuthRequestStore{byState: make(map[string]AuthRequest)}
}

// Save stores the pending request keyed by state.
func (store *MemoryAuthRequestStore) Save(ctx context.Context, request AuthRequest) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.byState[request.State] = request
	return nil
}

// Take returns and removes the pending request for the state.
func (store *MemoryAuthRequestStore) Take(ctx context.Context, state string) (*AuthRequest, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	request, ok := store.byState[state]
	if !ok {
		return nil, fmt.Errorf("auth_request_store.take: %w", ErrAuthRequestNotFound)
	}
	delete(store.byState, state)
	return &request, nil
}
