package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleAuthorizeStagesPendingAuth(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := createTestClient(t, store, "client-1")

	q := url.Values{
		"client_id":     {client.ClientID},
		"redirect_uri":  {"https://app.example.test/callback"},
		"response_type": {"code"},
		"scope":         {"openid profile"},
		"state":         {"xyz"},
	}
	req := httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	require.NoError(t, srv.handleAuthorize(w, req))
	require.Equal(t, 302, w.Code)

	location := w.Header().Get("Location")
	require.Contains(t, location, srv.config.PublicOrigin+"/consent?requestId=")

	parsed, err := url.Parse(location)
	require.NoError(t, err)
	requestID := parsed.Query().Get("requestId")
	require.NotEmpty(t, requestID)

	_, err = store.GetPendingAuth(context.Background(), requestID)
	require.NoError(t, err)
}

func TestHandleAuthorizeRejectsUnknownClient(t *testing.T) {
	srv, _, _ := newTestServer(t)
	q := url.Values{
		"client_id":     {"no-such-client"},
		"redirect_uri":  {"https://app.example.test/callback"},
		"response_type": {"code"},
	}
	req := httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil)
	err := srv.handleAuthorize(httptest.NewRecorder(), req)
	require.Error(t, err)
}

func TestHandleAuthorizeRequiresRegisteredRedirectURI(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	q := url.Values{
		"client_id":     {client.ClientID},
		"redirect_uri":  {"https://evil.example/callback"},
		"response_type": {"code"},
	}
	req := httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil)
	err := srv.handleAuthorize(httptest.NewRecorder(), req)
	require.Error(t, err)
}

func TestHandleAuthorizeRequiresPKCEForPublicClient(t *testing.T) {
	srv, store, _ := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	q := url.Values{
		"client_id":     {client.ClientID},
		"redirect_uri":  {"https://app.example.test/callback"},
		"response_type": {"code"},
	}
	req := httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil)
	err := srv.handleAuthorize(httptest.NewRecorder(), req)
	require.Error(t, err, "public clients must present a PKCE challenge")
}
