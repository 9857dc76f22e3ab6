package sessionkit

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"go.uber.org/zap/zaptest"
)

type fakeRepoSession struct {
	identity string
}

func (session fakeRepoSession) Identity() string {
	return session.identity
}

func (session fakeRepoSession) Get(ctx context.Context, nsid string, params url.Values, out any) error {
	return nil
}

type fakeAuthClient struct {
	callbackIdentity string
	callbackErr      error
	restoreErr       error
	revokeErr        error

	callbackCalls int
	restoreCalls  int
	revoked       []string
}

func (client *fakeAuthClient) Callback(ctx context.Context, params url.Values) (string, error) {
	client.callbackCalls++
	if client.callbackErr != nil {
		return "", client.callbackErr
	}
	return client.callbackIdentity, nil
}

func (client *fakeAuthClient) Restore(ctx context.Context, identity string) (RepoSession, error) {
	client.restoreCalls++
	if client.restoreErr != nil {
		return nil, client.restoreErr
	}
	return fakeRepoSession{identity: identity}, nil
}

func (client *fakeAuthClient) Revoke(ctx context.Context, identity string) error {
	client.revoked = append(client.revoked, identity)
	return client.revokeErr
}

func newTestManager(t *testing.T, client *fakeAuthClient) (*Manager, *CookieStore) {
	t.Helper()
	store, err := NewCookieStore([]byte("test-seal-key"))
	if err != nil {
		t.Fatalf("cookie store: %v", err)
	}
	return NewManager(store, client, zaptest.NewLogger(t)), store
}

func TestResolveAnonymousMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{}
	manager, _ := newTestManager(t, client)

	session, clearSession := manager.Resolve(context.Background(), "")
	if session != nil {
		t.Fatalf("expected nil session for anonymous request")
	}
	if clearSession {
		t.Fatalf("expected no cookie clear for anonymous request")
	}
	if client.restoreCalls != 0 {
		t.Fatalf("expected zero restore calls, got %d", client.restoreCalls)
	}
}

func TestResolveReturnsLiveSession(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{}
	manager, store := newTestManager(t, client)

	token, err := store.Save(SessionRecord{Identity: "did:plc:abc"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	session, clearSession := manager.Resolve(context.Background(), token)
	if session == nil {
		t.Fatalf("expected live session")
	}
	if clearSession {
		t.Fatalf("expected cookie to stay")
	}
	if session.Identity() != "did:plc:abc" {
		t.Fatalf("expected restored identity did:plc:abc, got %q", session.Identity())
	}
}

func TestResolveRestoreFailureDestroysSession(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{restoreErr: errors.New("authflow.restore")}
	manager, store := newTestManager(t, client)

	token, err := store.Save(SessionRecord{Identity: "did:plc:abc"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	session, clearSession := manager.Resolve(context.Background(), token)
	if session != nil {
		t.Fatalf("expected nil session on restore failure")
	}
	if !clearSession {
		t.Fatalf("expected instruction to clear the stale session cookie")
	}
}

func TestCompleteLoginRevokesExistingSessionFirst(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{callbackIdentity: "did:plc:new"}
	manager, store := newTestManager(t, client)

	token, err := store.Save(SessionRecord{Identity: "did:plc:old"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	identity, responseToken, loginErr := manager.CompleteLogin(context.Background(), token, url.Values{})
	if loginErr != nil {
		t.Fatalf("unexpected login error: %v", loginErr)
	}
	if identity != "did:plc:new" {
		t.Fatalf("expected identity did:plc:new, got %q", identity)
	}
	if len(client.revoked) != 1 || client.revoked[0] != "did:plc:old" {
		t.Fatalf("expected prior identity revoked, got %v", client.revoked)
	}
	if record := store.Load(responseToken); record.Identity != "did:plc:new" {
		t.Fatalf("expected new token to carry did:plc:new, got %q", record.Identity)
	}
}

func TestCompleteLoginProceedsWhenPriorRevokeFails(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{callbackIdentity: "did:plc:new", revokeErr: errors.New("remote unavailable")}
	manager, store := newTestManager(t, client)

	token, err := store.Save(SessionRecord{Identity: "did:plc:old"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	identity, _, loginErr := manager.CompleteLogin(context.Background(), token, url.Values{})
	if loginErr != nil {
		t.Fatalf("expected login to proceed past revoke failure, got %v", loginErr)
	}
	if identity != "did:plc:new" {
		t.Fatalf("expected identity did:plc:new, got %q", identity)
	}
}

func TestCompleteLoginFailureLeavesSessionUnchanged(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{callbackErr: errors.New("authflow.callback")}
	manager, store := newTestManager(t, client)

	token, err := store.Save(SessionRecord{Identity: "did:plc:old"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	_, responseToken, loginErr := manager.CompleteLogin(context.Background(), token, url.Values{})
	if loginErr == nil {
		t.Fatalf("expected login error")
	}
	if responseToken != token {
		t.Fatalf("expected prior token returned unchanged on failure")
	}
	if record := store.Load(responseToken); record.Identity != "did:plc:old" {
		t.Fatalf("expected session unchanged, got %q", record.Identity)
	}
}

func TestLogoutRevokesAndSwallowsFailure(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{revokeErr: errors.New("remote unavailable")}
	manager, store := newTestManager(t, client)

	token, err := store.Save(SessionRecord{Identity: "did:plc:abc"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	manager.Logout(context.Background(), token)
	if len(client.revoked) != 1 || client.revoked[0] != "did:plc:abc" {
		t.Fatalf("expected revoke attempted for did:plc:abc, got %v", client.revoked)
	}
}

func TestLogoutAnonymousIsNoop(t *testing.T) {
	t.Parallel()

	client := &fakeAuthClient{}
	manager, _ := newTestManager(t, client)

	manager.Logout(context.Background(), "")
	if len(client.revoked) != 0 {
		t.Fatalf("expected no revoke for anonymous logout, got %v", client.revoked)
	}
}
