package authflow

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryTokenCacheReplaceOnWrite(t *testing.T) {
	t.Parallel()

	cache := NewMemoryTokenCache()
	if _, err := cache.Get(context.Background(), "did:plc:abc"); !errors.Is(err, ErrTokenSetNotFound) {
		t.Fatalf("expected ErrTokenSetNotFound, got %v", err)
	}

	if err := cache.Put(context.Background(), TokenSet{DID: "did:plc:abc", AccessToken: "first"}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := cache.Put(context.Background(), TokenSet{DID: "did:plc:abc", AccessToken: "second"}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	set, getErr := cache.Get(context.Background(), "did:plc:abc")
	if getErr != nil {
		t.Fatalf("get error: %v", getErr)
	}
	if set.AccessToken != "second" {
		t.Fatalf("expected last write to win, got %q", set.AccessToken)
	}

	if err := cache.Delete(context.Background(), "did:plc:abc"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if err := cache.Delete(context.Background(), "did:plc:abc"); !errors.Is(err, ErrTokenSetNotFound) {
		t.Fatalf("expected ErrTokenSetNotFound on second delete, got %v", err)
	}
}

func TestMemoryTokenCacheIsolatesIdentities(t *testing.T) {
	t.Parallel()

	cache := NewMemoryTokenCache()
	if err := cache.Put(context.Background(), TokenSet{DID: "did:plc:one", AccessToken: "one"}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := cache.Put(context.Background(), TokenSet{DID: "did:plc:two", AccessToken: "two"}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	first, err := cache.Get(context.Background(), "did:plc:one")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if first.AccessToken != "one" {
		t.Fatalf("expected token for did:plc:one, got %q", first.AccessToken)
	}
}

func TestMemoryAuthRequestStoreTakeIsSingleUse(t *testing.T) {
	t.Parallel()

	store := NewMemoryAuthRequestStore()
	if err := store.Save(context.Background(), AuthRequest{State: "state-1", PKCEVerifier: "verifier"}); err != nil {
		t.Fatalf("save error: %v", err)
	}

	request, takeErr := store.Take(context.Background(), "state-1")
	if takeErr != nil {
		t.Fatalf("take error: %v", takeErr)
	}
	if request.PKCEVerifier != "verifier" {
		t.Fatalf("expected stored verifier, got %q", request.PKCEVerifier)
	}

	if _, err := store.Take(context.Background(), "state-1"); !errors.Is(err, ErrAuthRequestNotFound) {
		t.Fatalf("expected ErrAuthRequestNotFound on replay, got %v", err)
	}
}
