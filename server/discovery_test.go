package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleDiscovery(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	require.NoError(t, srv.handleDiscovery(w, req))

	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, srv.config.Issuer, doc.Issuer)
	require.Equal(t, srv.config.Issuer+"/authorize", doc.AuthorizationEndpoint)
	require.Contains(t, doc.ScopesSupported, "groups")
	require.Contains(t, doc.CodeChallengeMethodsSupported, "S256")
}

func TestHandleJWKS(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/.well-known/jwks.json", nil)
	w := httptest.NewRecorder()
	require.NoError(t, srv.handleJWKS(w, req))
	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), "keys")
}
