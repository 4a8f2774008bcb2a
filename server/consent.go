package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/storage"
)

type consentRequest struct {
	RequestID string `json:"requestId"`
	Scope     string `json:"scope"`
	Approve   bool   `json:"approve"`
}

type consentResponse struct {
	RedirectURI string `json:"redirectUri"`
}

// handleConsent implements POST /consent, spec §4.E: redeem a pending
// authorization into a one-time code bound to the granted scopes, gated
// by the OTP step-up policy.
func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) error {
	sess, err := s.authenticatedSession(r, storage.DomainUser)
	if err != nil {
		return err
	}
	var req consentRequest
	if err := readJSON(r, &req); err != nil {
		return err
	}

	pending, err := s.storage.GetPendingAuth(r.Context(), req.RequestID)
	if err != nil {
		if err == storage.ErrNotFound {
			return apierror.New(apierror.InvalidRequest, "unknown or already consumed authorization request")
		}
		return fmt.Errorf("load pending auth: %w", err)
	}
	if s.now().After(pending.ExpiresAt) {
		return apierror.New(apierror.InvalidRequest, "authorization request has expired")
	}
	if pending.UserSub != "" && pending.UserSub != sess.Sub {
		return apierror.New(apierror.Forbidden, "authorization request belongs to a different subject")
	}

	if !req.Approve {
		return writeJSON(w, http.StatusOK, map[string]bool{"denied": true})
	}

	requireOTP, err := s.otp.RequireOTP(r.Context(), sess.Sub)
	if err != nil {
		return fmt.Errorf("compute otp policy: %w", err)
	}
	if requireOTP && !sess.OTPElevated {
		return apierror.New(apierror.Forbidden, "otp verification required before consent can complete")
	}

	client, err := s.storage.GetClient(r.Context(), pending.ClientID)
	if err != nil {
		return fmt.Errorf("load client: %w", err)
	}
	grantedScopes, err := resolveGrantedScopes(client, req.Scope, pending.Scope)
	if err != nil {
		return err
	}

	if _, err := s.storage.ConsumePendingAuth(r.Context(), pending.RequestID); err != nil {
		if err == storage.ErrConsumed {
			return apierror.New(apierror.InvalidRequest, "unknown or already consumed authorization request")
		}
		return fmt.Errorf("consume pending auth: %w", err)
	}

	codeBytes, err := dcrypto.RandomBytes(32)
	if err != nil {
		return err
	}
	code := dcrypto.Base64URLEncode(codeBytes)
	hash := hex(dcrypto.SHA256([]byte(code)))

	now := s.now()
	authCode := storage.AuthCode{
		RequestID:           pending.RequestID,
		ClientID:            pending.ClientID,
		UserSub:             sess.Sub,
		RedirectURI:         pending.RedirectURI,
		Scopes:              grantedScopes,
		Nonce:               pending.Nonce,
		OTPElevated:         sess.OTPElevated,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		ZKPubKid:            pending.ZKPubKid,
		ZKPubJWKJSON:        pending.ZKPubJWKJSON,
		IssuedAt:            now,
		ExpiresAt:           now.Add(s.config.AuthCodeLifetime),
	}
	if err := s.storage.CreateAuthCode(r.Context(), hash, authCode); err != nil {
		return fmt.Errorf("create auth code: %w", err)
	}

	s.audit.Success(r.Context(), sess.Sub, "authorize.consent", "client", pending.ClientID, nil)

	redirect := pending.RedirectURI + "?" + url.Values{"code": {code}, "state": {pending.State}}.Encode()
	return writeJSON(w, http.StatusOK, consentResponse{RedirectURI: redirect})
}

// resolveGrantedScopes implements spec §4.E step 5: the caller may narrow
// to a subset of the client's allowed scopes; anything outside that set
// is an InvalidRequest.
func resolveGrantedScopes(client storage.Client, requested, fallback string) ([]string, error) {
	raw := requested
	if raw == "" {
		raw = fallback
	}
	if raw == "" {
		out := make([]string, len(client.AllowedScopes))
		for i, sc := range client.AllowedScopes {
			out[i] = sc.Key
		}
		return out, nil
	}
	var out []string
	for _, key := range strings.Fields(raw) {
		if !client.AllowsScope(key) {
			return nil, apierror.New(apierror.InvalidRequest, "scope not allowed for this client").WithField("scope")
		}
		out = append(out, key)
	}
	return out, nil
}

func hex(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}
