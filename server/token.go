package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/pkg/zkjwe"
	"github.com/puzed/darkauth/storage"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	DRKJWE      string `json:"drk_jwe,omitempty"`
}

type idTokenClaims struct {
	Issuer      string   `json:"iss"`
	Subject     string   `json:"sub"`
	Audience    string   `json:"aud"`
	IssuedAt    int64    `json:"iat"`
	ExpiresAt   int64    `json:"exp"`
	Nonce       string   `json:"nonce,omitempty"`
	Email       string   `json:"email,omitempty"`
	Name        string   `json:"name,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	AMR         []string `json:"amr,omitempty"`
}

// handleToken implements POST /token, spec §4.E steps 4-7: only the
// authorization_code grant is supported. The code is redeemed exactly
// once; PKCE and client authentication both gate issuance.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return apierror.New(apierror.InvalidRequest, "malformed form body")
	}
	if grantType := r.PostForm.Get("grant_type"); grantType != "authorization_code" {
		return apierror.New(apierror.InvalidRequest, "unsupported grant_type").WithField("grant_type")
	}
	code := r.PostForm.Get("code")
	codeVerifier := r.PostForm.Get("code_verifier")
	clientID := r.PostForm.Get("client_id")

	if code == "" {
		return apierror.New(apierror.InvalidRequest, "code is required").WithField("code")
	}

	client, err := s.authenticateClient(r, clientID)
	if err != nil {
		return err
	}

	hash := hex(dcrypto.SHA256([]byte(code)))
	ac, err := s.storage.ConsumeAuthCode(r.Context(), hash)
	if err != nil {
		if err == storage.ErrConsumed {
			return apierror.New(apierror.InvalidGrant, "authorization code is invalid, expired, or already used")
		}
		return fmt.Errorf("consume auth code: %w", err)
	}
	if ac.ClientID != client.ClientID {
		return apierror.New(apierror.InvalidGrant, "authorization code was not issued to this client")
	}
	if s.now().After(ac.ExpiresAt) {
		return apierror.New(apierror.InvalidGrant, "authorization code has expired")
	}

	if ac.CodeChallenge != "" {
		if codeVerifier == "" {
			return apierror.New(apierror.InvalidRequest, "code_verifier is required").WithField("code_verifier")
		}
		sum := dcrypto.SHA256([]byte(codeVerifier))
		if dcrypto.Base64URLEncode(sum) != ac.CodeChallenge {
			return apierror.New(apierror.InvalidRequest, "code_verifier does not match code_challenge").WithField("code_verifier")
		}
	}

	user, err := s.storage.GetUserBySub(r.Context(), ac.UserSub)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	groups, err := s.storage.GetUserGroups(r.Context(), user.Sub)
	if err != nil {
		return fmt.Errorf("load user groups: %w", err)
	}
	roles, err := s.storage.GetUserRoles(r.Context(), user.Sub)
	if err != nil {
		return fmt.Errorf("load user roles: %w", err)
	}

	now := s.now()
	claims := idTokenClaims{
		Issuer:    s.config.Issuer,
		Subject:   user.Sub,
		Audience:  client.ClientID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.config.IDTokenLifetime).Unix(),
		Nonce:     ac.Nonce,
	}
	if containsScope(ac.Scopes, "email") {
		claims.Email = user.Email
	}
	if containsScope(ac.Scopes, "profile") {
		claims.Name = user.DisplayName
	}
	if containsScope(ac.Scopes, "groups") {
		for _, g := range groups {
			claims.Groups = append(claims.Groups, g.Key)
		}
		for _, rl := range roles {
			claims.Permissions = append(claims.Permissions, rl.Key)
		}
	}
	if ac.OTPElevated {
		claims.AMR = append(claims.AMR, "otp")
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("marshal id token claims: %w", err)
	}
	idToken, _, err := s.keyring.Sign(r.Context(), payload)
	if err != nil {
		return fmt.Errorf("sign id token: %w", err)
	}

	accessTokenBytes, err := dcrypto.RandomBytes(32)
	if err != nil {
		return err
	}
	resp := tokenResponse{
		AccessToken: dcrypto.Base64URLEncode(accessTokenBytes),
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.config.AccessTokenLifetime.Seconds()),
	}

	if ac.ZKPubKid != "" && len(user.WrappedDRK) > 0 {
		drk, err := s.keyring.UnwrapSecret(user.WrappedDRK, []byte(user.Sub))
		if err != nil {
			return fmt.Errorf("unwrap drk: %w", err)
		}
		zkPub, err := dcrypto.P256PublicKeyFromJWK(ac.ZKPubJWKJSON)
		if err != nil {
			return fmt.Errorf("parse zk pub jwk: %w", err)
		}
		jwe, err := zkjwe.Seal(drk, zkPub)
		if err != nil {
			return fmt.Errorf("seal drk jwe: %w", err)
		}
		resp.DRKJWE = jwe
	}

	s.audit.Success(r.Context(), user.Sub, "token.issue", "client", client.ClientID, nil)
	return writeJSON(w, http.StatusOK, resp)
}

func containsScope(scopes []string, key string) bool {
	for _, sc := range scopes {
		if sc == key {
			return true
		}
	}
	return false
}

// authenticateClient validates client credentials per spec §3
// "TokenEndpointAuthMethod": public clients present no secret, confidential
// clients present HTTP Basic credentials matched against the KEK-wrapped
// secret.
func (s *Server) authenticateClient(r *http.Request, bodyClientID string) (storage.Client, error) {
	clientID := bodyClientID
	var secret string
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID = basicID
		secret = basicSecret
	}
	if clientID == "" {
		return storage.Client{}, apierror.New(apierror.InvalidRequest, "client_id is required").WithField("client_id")
	}
	client, err := s.storage.GetClient(r.Context(), clientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.Client{}, apierror.New(apierror.InvalidClient, "unknown client")
		}
		return storage.Client{}, fmt.Errorf("load client: %w", err)
	}
	switch client.TokenEndpointAuthMethod {
	case storage.AuthMethodNone:
		return client, nil
	case storage.AuthMethodClientSecretBasic:
		if secret == "" {
			return storage.Client{}, apierror.New(apierror.UnauthorizedClient, "client authentication is required")
		}
		wanted, err := s.keyring.UnwrapSecret(client.EncryptedSecret, []byte(client.ClientID))
		if err != nil {
			return storage.Client{}, apierror.New(apierror.UnauthorizedClient, "invalid client credentials")
		}
		if !dcrypto.ConstantTimeEqual(wanted, []byte(secret)) {
			return storage.Client{}, apierror.New(apierror.UnauthorizedClient, "invalid client credentials")
		}
		return client, nil
	default:
		return storage.Client{}, apierror.New(apierror.UnauthorizedClient, "unsupported client authentication method")
	}
}
