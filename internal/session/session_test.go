package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
	"github.com/puzed/darkauth/storage/memory"
)

func TestCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	m := New(store, clock, 30*time.Minute, 12*time.Hour, true)

	rec := httptest.NewRecorder()
	s, err := m.Create(ctx, rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	got, err := m.Authenticate(ctx, req, storage.DomainUser)
	require.NoError(t, err)
	require.Equal(t, "sub-1", got.Sub)
}

func TestAuthenticateExpired(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	m := New(store, clock, 30*time.Minute, 12*time.Hour, true)

	rec := httptest.NewRecorder()
	_, err := m.Create(ctx, rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	clock.Advance(31 * time.Minute)

	_, err = m.Authenticate(ctx, req, storage.DomainAdmin)
	require.Error(t, err, "admin and user session domains must be disjoint")

	_, err = m.Authenticate(ctx, req, storage.DomainUser)
	require.Error(t, err)
}

func TestCSRFDoubleSubmit(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memory.New(nil)
	m := New(store, clock, 30*time.Minute, 12*time.Hour, true)

	rec := httptest.NewRecorder()
	s, err := m.Create(ctx, rec, storage.DomainUser, "sub-1", "")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/whatever", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	req.Header.Set("Sec-Fetch-Site", "same-origin")

	require.Error(t, CheckCSRF(req, storage.DomainUser), "missing x-csrf-token header must fail")

	req.Header.Set("x-csrf-token", "wrong-value")
	require.Error(t, CheckCSRF(req, storage.DomainUser))

	req.Header.Set("x-csrf-token", s.CSRFToken)
	require.NoError(t, CheckCSRF(req, storage.DomainUser))
}

func TestCheckSameOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/whatever", nil)
	req.Host = "auth.example.com"
	require.Error(t, CheckSameOrigin(req), "missing origin/referer must fail closed")

	req.Header.Set("Origin", "https://auth.example.com")
	require.NoError(t, CheckSameOrigin(req))

	req2 := httptest.NewRequest(http.MethodPost, "/api/whatever", nil)
	req2.Host = "auth.example.com"
	req2.Header.Set("Origin", "https://evil.example.com")
	require.Error(t, CheckSameOrigin(req2))

	getReq := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, CheckSameOrigin(getReq), "idempotent methods bypass the same-origin check")
}
