package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
)

func createTestClient(t *testing.T, store storage.Storage, clientID string) storage.Client {
	t.Helper()
	client := storage.Client{
		ClientID:                clientID,
		Kind:                    storage.ClientPublic,
		RedirectURIs:            []string{"https://app.example.test/callback"},
		TokenEndpointAuthMethod: storage.AuthMethodNone,
		AllowedScopes: []storage.ScopeDescriptor{
			{Key: "openid"}, {Key: "profile"}, {Key: "email"}, {Key: "groups"},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.UpsertClient(context.Background(), client))
	return client
}

func createTestPendingAuth(t *testing.T, store storage.Storage, clock interface{ Now() time.Time }, clientID, sub string) storage.PendingAuth {
	t.Helper()
	now := clock.Now()
	pending := storage.PendingAuth{
		RequestID:   storage.NewID(),
		ClientID:    clientID,
		RedirectURI: "https://app.example.test/callback",
		State:       "xyz",
		Scope:       "openid profile",
		UserSub:     sub,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
	require.NoError(t, store.CreatePendingAuth(context.Background(), pending))
	return pending
}

func TestHandleConsentApprove(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")

	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	pending := createTestPendingAuth(t, store, clock, client.ClientID, "sub-1")

	body, err := json.Marshal(consentRequest{RequestID: pending.RequestID, Scope: "openid profile", Approve: true})
	require.NoError(t, err)
	req := sameOriginRequest("POST", "/consent", bytes.NewReader(body), storage.DomainUser, &sess)

	w := httptest.NewRecorder()
	err = srv.handleConsent(w, req)
	require.NoError(t, err)
	require.Equal(t, 200, w.Code)

	var resp consentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.RedirectURI, "https://app.example.test/callback?")
	require.Contains(t, resp.RedirectURI, "state=xyz")

	_, err = store.ConsumePendingAuth(context.Background(), pending.RequestID)
	require.Error(t, err, "pending auth must be consumed exactly once")
}

func TestHandleConsentDeny(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")

	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	pending := createTestPendingAuth(t, store, clock, client.ClientID, "sub-1")

	body, err := json.Marshal(consentRequest{RequestID: pending.RequestID, Approve: false})
	require.NoError(t, err)
	req := sameOriginRequest("POST", "/consent", bytes.NewReader(body), storage.DomainUser, &sess)

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleConsent(w, req))
	require.Equal(t, 200, w.Code)
	require.JSONEq(t, `{"denied":true}`, w.Body.String())
}

func TestHandleConsentExpired(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")

	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	pending := createTestPendingAuth(t, store, clock, client.ClientID, "sub-1")
	clock.Advance(6 * time.Minute)

	body, err := json.Marshal(consentRequest{RequestID: pending.RequestID, Approve: true})
	require.NoError(t, err)
	req := sameOriginRequest("POST", "/consent", bytes.NewReader(body), storage.DomainUser, &sess)

	w := httptest.NewRecorder()
	err = srv.handleConsent(w, req)
	require.Error(t, err, "expired pending auth must be rejected even though it was already consumed")
}

func TestHandleConsentWrongSubject(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")

	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-2", Email: "b@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-2", "")
	require.NoError(t, err)

	pending := createTestPendingAuth(t, store, clock, client.ClientID, "sub-1")

	body, err := json.Marshal(consentRequest{RequestID: pending.RequestID, Approve: true})
	require.NoError(t, err)
	req := sameOriginRequest("POST", "/consent", bytes.NewReader(body), storage.DomainUser, &sess)

	w := httptest.NewRecorder()
	err = srv.handleConsent(w, req)
	require.Error(t, err)
}

func TestResolveGrantedScopesNarrowing(t *testing.T) {
	client := storage.Client{AllowedScopes: []storage.ScopeDescriptor{{Key: "openid"}, {Key: "email"}}}

	scopes, err := resolveGrantedScopes(client, "openid", "openid email")
	require.NoError(t, err)
	require.Equal(t, []string{"openid"}, scopes)

	_, err = resolveGrantedScopes(client, "openid admin", "")
	require.Error(t, err, "scope outside the client's allowed set must be rejected")
}
