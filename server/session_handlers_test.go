package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
)

func TestHandleSessionStatusUnauthenticated(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/session", nil)
	w := httptest.NewRecorder()
	require.NoError(t, srv.handleSessionStatus(storage.DomainUser)(w, req))

	var resp sessionStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.Authenticated)
}

func TestHandleSessionStatusAuthenticated(t *testing.T) {
	srv, store, clock := newTestServer(t)
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	req := sameOriginRequest("GET", "/api/session", nil, storage.DomainUser, &sess)
	w := httptest.NewRecorder()
	require.NoError(t, srv.handleSessionStatus(storage.DomainUser)(w, req))

	var resp sessionStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Authenticated)
	require.Equal(t, "sub-1", resp.Sub)
}

func TestHandleLogoutDestroysSession(t *testing.T) {
	srv, store, clock := newTestServer(t)
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	rec := httptest.NewRecorder()
	sess, err := srv.sessions.Create(context.Background(), rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	req := sameOriginRequest("POST", "/logout", nil, storage.DomainUser, &sess)
	w := httptest.NewRecorder()
	require.NoError(t, srv.handleLogout(storage.DomainUser)(w, req))

	_, err = store.GetSession(context.Background(), storage.DomainUser, sess.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
