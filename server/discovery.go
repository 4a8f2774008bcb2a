package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/puzed/darkauth/internal/apierror"
)

// discoveryDocument is the subset of OIDC discovery this core publishes,
// matching the endpoints actually implemented rather than the full
// metadata surface a federating provider would need.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// handleDiscovery serves /.well-known/openid-configuration: marshal once
// per request (the document is cheap and issuer-derived, not cached at
// startup, since it depends only on static config) and set
// Content-Length explicitly.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) error {
	d := discoveryDocument{
		Issuer:                            s.config.Issuer,
		AuthorizationEndpoint:             s.config.Issuer + "/authorize",
		TokenEndpoint:                     s.config.Issuer + "/token",
		JWKSURI:                           s.config.Issuer + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"EdDSA"},
		ScopesSupported:                   []string{"openid", "profile", "email", "groups"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, err = w.Write(data)
	return err
}

// handleJWKS serves /.well-known/jwks.json: every non-retired public key
// currently in storage.SigningKeys, per spec invariant 9.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) error {
	set, err := s.keyring.JWKS(r.Context())
	if err != nil {
		return fmt.Errorf("build jwks: %w", err)
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	w.Header().Set("Cache-Control", "max-age=120, must-revalidate")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, err = w.Write(data)
	return err
}
