package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckInstallTokenRejectsWrongOrMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.installToken = "correct-token"

	req := httptest.NewRequest("POST", "/install/opaque/start", nil)
	require.Error(t, srv.checkInstallToken(req), "missing header must be rejected")

	req.Header.Set("X-Install-Token", "wrong-token")
	require.Error(t, srv.checkInstallToken(req))

	req.Header.Set("X-Install-Token", "correct-token")
	require.NoError(t, srv.checkInstallToken(req))
}

func TestCheckInstallTokenClosedAfterInitialization(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.installToken = ""

	req := httptest.NewRequest("POST", "/install/complete", nil)
	req.Header.Set("X-Install-Token", "anything")
	require.Error(t, srv.checkInstallToken(req), "install gate must stay closed once the token has been cleared")
}

func TestHandleInstallOpaqueStart(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.installToken = "correct-token"

	body, err := json.Marshal(registerStartRequest{Email: "admin@example.test"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/install/opaque/start", bytes.NewReader(body))
	req.Header.Set("X-Install-Token", "correct-token")

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleInstallOpaqueStart(w, req))
	require.Equal(t, 200, w.Code)

	var resp registerStartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	require.NotEmpty(t, resp.KS)
}

func TestHandleInstallOpaqueStartRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.installToken = "correct-token"

	body, err := json.Marshal(registerStartRequest{Email: "admin@example.test"})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/install/opaque/start", bytes.NewReader(body))

	err = srv.handleInstallOpaqueStart(httptest.NewRecorder(), req)
	require.Error(t, err)
}

func TestHandleInstallComplete(t *testing.T) {
	srv, store, _ := newTestServer(t)
	srv.installToken = "correct-token"

	req := httptest.NewRequest("POST", "/install/complete", nil)
	req.Header.Set("X-Install-Token", "correct-token")

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleInstallComplete(w, req))
	require.Equal(t, 200, w.Code)

	setting, err := store.GetSetting(context.Background(), settingsKeyInitialized)
	require.NoError(t, err)
	require.Equal(t, "true", setting.Value)
}

func TestInstallGateClosesEverythingUntilInitialized(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/api/session", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 403, w.Code)

	req = httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}

func TestHandlerRejectsCrossOriginInstallPost(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/install/opaque/finish", nil)
	req.Header.Set("Origin", "https://attacker.example.test")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 403, w.Code, "cross-origin POST must be rejected before the install gate or handler run")
}

func TestHandlerAllowsSameOriginInstallPost(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.installToken = "correct-token"
	handler := srv.Handler()

	req := httptest.NewRequest("POST", "/install/complete", nil)
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("X-Install-Token", "correct-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
}
