package server

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/storage"
)

func createTestAuthCode(t *testing.T, store storage.Storage, now time.Time, clientID, sub string, mutate func(*storage.AuthCode)) string {
	t.Helper()
	codeBytes, err := dcrypto.RandomBytes(32)
	require.NoError(t, err)
	code := dcrypto.Base64URLEncode(codeBytes)
	hash := hex(dcrypto.SHA256([]byte(code)))

	ac := storage.AuthCode{
		RequestID:   storage.NewID(),
		ClientID:    clientID,
		UserSub:     sub,
		RedirectURI: "https://app.example.test/callback",
		Scopes:      []string{"openid", "profile", "email"},
		IssuedAt:    now,
		ExpiresAt:   now.Add(60 * time.Second),
	}
	if mutate != nil {
		mutate(&ac)
	}
	require.NoError(t, store.CreateAuthCode(context.Background(), hash, ac))
	return code
}

func TestHandlerRejectsCrossOriginToken(t *testing.T) {
	srv, store, clock := newTestServer(t)
	require.NoError(t, store.SetSetting(context.Background(), storage.Setting{Key: settingsKeyInitialized, Value: "true"}))
	client := createTestClient(t, store, "client-1")

	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", DisplayName: "A", CreatedAt: now, UpdatedAt: now}))
	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", nil)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://attacker.example.test")

	handler := srv.Handler()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, 403, w.Code, "cross-origin /token must be rejected before the handler runs")
}

func TestHandleTokenPublicClient(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")

	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", DisplayName: "A", CreatedAt: now, UpdatedAt: now}))

	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", nil)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleToken(w, req))
	require.Equal(t, 200, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Empty(t, resp.DRKJWE)
}

func TestHandleTokenCodeIsSingleUse(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))
	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", nil)

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}}

	req1 := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req1.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, srv.handleToken(httptest.NewRecorder(), req1))

	req2 := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	err := srv.handleToken(httptest.NewRecorder(), req2)
	require.Error(t, err, "a redeemed authorization code must not be redeemable twice")
}

func TestHandleTokenPKCEMismatch(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	verifier := "correct-verifier"
	challenge := dcrypto.Base64URLEncode(dcrypto.SHA256([]byte(verifier)))
	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", func(ac *storage.AuthCode) {
		ac.CodeChallenge = challenge
		ac.CodeChallengeMethod = "S256"
	})

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}, "code_verifier": {"wrong-verifier"}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	err := srv.handleToken(httptest.NewRecorder(), req)
	require.Error(t, err)
	ae, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.InvalidRequest, ae.Kind, "wrong code_verifier must map to invalid_request, not invalid_grant")
}

func TestHandleTokenPKCESuccess(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	verifier := "correct-verifier"
	challenge := dcrypto.Base64URLEncode(dcrypto.SHA256([]byte(verifier)))
	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", func(ac *storage.AuthCode) {
		ac.CodeChallenge = challenge
		ac.CodeChallengeMethod = "S256"
	})

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}, "code_verifier": {verifier}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleToken(w, req))
	require.Equal(t, 200, w.Code)
}

func TestHandleTokenExpiredCode(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	now := clock.Now()
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))
	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", func(ac *storage.AuthCode) {
		ac.ExpiresAt = now.Add(-time.Second)
	})

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	err := srv.handleToken(httptest.NewRecorder(), req)
	require.Error(t, err)
}

func TestHandleTokenConfidentialClientRequiresSecret(t *testing.T) {
	srv, store, clock := newTestServer(t)
	now := clock.Now()

	secret := "s3cr3t-value"
	wrapped, err := srv.keyring.WrapSecret([]byte(secret), []byte("client-conf"))
	require.NoError(t, err)

	client := storage.Client{
		ClientID:                "client-conf",
		Kind:                    storage.ClientConfidential,
		RedirectURIs:            []string{"https://app.example.test/callback"},
		TokenEndpointAuthMethod: storage.AuthMethodClientSecretBasic,
		EncryptedSecret:         wrapped,
		AllowedScopes:           []storage.ScopeDescriptor{{Key: "openid"}},
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	require.NoError(t, store.UpsertClient(context.Background(), client))
	require.NoError(t, store.CreateUser(context.Background(), storage.User{Sub: "sub-1", Email: "a@example.test", CreatedAt: now, UpdatedAt: now}))

	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", nil)
	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	err = srv.handleToken(httptest.NewRecorder(), req)
	require.Error(t, err, "confidential client without credentials must be rejected")

	code2 := createTestAuthCode(t, store, now, client.ClientID, "sub-1", nil)
	form2 := url.Values{"grant_type": {"authorization_code"}, "code": {code2}, "client_id": {client.ClientID}}
	req2 := httptest.NewRequest("POST", "/token", strings.NewReader(form2.Encode()))
	req2.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req2.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(client.ClientID+":"+secret)))

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleToken(w, req2))
	require.Equal(t, 200, w.Code)
}

func TestHandleTokenDeliversDRKJWE(t *testing.T) {
	srv, store, clock := newTestServer(t)
	client := createTestClient(t, store, "client-1")
	now := clock.Now()

	drk := []byte("thirty-two-byte-data-root-key!!")
	wrappedDRK, err := srv.keyring.WrapSecret(drk, []byte("sub-1"))
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(context.Background(), storage.User{
		Sub: "sub-1", Email: "a@example.test", WrappedDRK: wrappedDRK, CreatedAt: now, UpdatedAt: now,
	}))

	zkPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := zkPriv.PublicKey().Bytes()
	jwk := []byte(fmt.Sprintf(`{"kty":"EC","crv":"P-256","x":%q,"y":%q}`,
		dcrypto.Base64URLEncode(raw[1:33]), dcrypto.Base64URLEncode(raw[33:65])))
	kid := dcrypto.JWKThumbprintKid(jwk)

	code := createTestAuthCode(t, store, now, client.ClientID, "sub-1", func(ac *storage.AuthCode) {
		ac.ZKPubKid = kid
		ac.ZKPubJWKJSON = jwk
	})

	form := url.Values{"grant_type": {"authorization_code"}, "code": {code}, "client_id": {client.ClientID}}
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	require.NoError(t, srv.handleToken(w, req))

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.DRKJWE)
}
