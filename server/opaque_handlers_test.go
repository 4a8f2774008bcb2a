package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
)

func TestHandlerRejectsCrossOriginOpaqueRegisterStart(t *testing.T) {
	srv, store, _ := newTestServer(t)
	srv.config.SelfRegistrationEnabled = true
	require.NoError(t, store.SetSetting(context.Background(), storage.Setting{Key: settingsKeyInitialized, Value: "true"}))
	handler := srv.Handler()

	body, err := json.Marshal(registerStartRequest{Email: "new@example.test"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/user/opaque/register/start", bytes.NewReader(body))
	req.Header.Set("Origin", "https://attacker.example.test")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 403, w.Code, "cross-origin register/start must be rejected before the handler runs")
}

func TestHandleOpaqueRegisterStartDisabledByDefault(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, err := json.Marshal(registerStartRequest{Email: "new@example.test"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/user/opaque/register/start", bytes.NewReader(body))

	err = srv.handleOpaqueRegisterStart(storage.DomainUser)(httptest.NewRecorder(), req)
	require.Error(t, err, "self-registration must stay off unless the config enables it")
}

func TestHandleOpaqueRegisterStartSucceedsWhenEnabled(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.config.SelfRegistrationEnabled = true

	body, err := json.Marshal(registerStartRequest{Email: "new@example.test"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/user/opaque/register/start", bytes.NewReader(body))

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleOpaqueRegisterStart(storage.DomainUser)(w, req))

	var resp registerStartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	require.NotEmpty(t, resp.KS)
	require.NotEmpty(t, resp.Ps)
}

func TestHandleOpaqueRegisterStartRejectsExistingEmail(t *testing.T) {
	srv, store, clock := newTestServer(t)
	srv.config.SelfRegistrationEnabled = true
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "taken@example.test", CreatedAt: now, UpdatedAt: now}))

	body, err := json.Marshal(registerStartRequest{Email: "taken@example.test"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/user/opaque/register/start", bytes.NewReader(body))

	err = srv.handleOpaqueRegisterStart(storage.DomainUser)(httptest.NewRecorder(), req)
	require.Error(t, err)
}

func TestHandleOpaqueLoginFinishUnknownSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, err := json.Marshal(loginFinishRequest{SessionID: "does-not-exist", FK2: "AAAA"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/api/user/opaque/login/finish", bytes.NewReader(body))

	err = srv.handleOpaqueLoginFinish(storage.DomainUser)(httptest.NewRecorder(), req)
	require.Error(t, err)
}
