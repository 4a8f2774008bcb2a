package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/storage"
)

// handleAuthorize implements GET /authorize, spec §4.E. It validates the
// request against the client's registered shape, optionally binds ZK
// delivery parameters, stages a pending-auth record, and redirects the
// browser to the (out-of-core) consent page with the requestId attached.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	nonce := q.Get("nonce")
	zkPub := q.Get("zk_pub")

	if clientID == "" {
		return apierror.New(apierror.InvalidRequest, "client_id is required").WithField("client_id")
	}
	client, err := s.storage.GetClient(r.Context(), clientID)
	if err != nil {
		if err == storage.ErrNotFound {
			return apierror.New(apierror.InvalidRequest, "unknown client_id").WithField("client_id")
		}
		return fmt.Errorf("load client: %w", err)
	}
	if !client.HasRedirectURI(redirectURI) {
		return apierror.New(apierror.InvalidRequest, "redirect_uri is not registered for this client").WithField("redirect_uri")
	}
	if responseType != "code" {
		return apierror.New(apierror.InvalidRequest, "response_type must be code").WithField("response_type")
	}

	requiresPKCE := client.RequirePKCE || client.Kind == storage.ClientPublic
	if requiresPKCE && codeChallenge == "" {
		return apierror.New(apierror.InvalidRequest, "code_challenge is required for this client").WithField("code_challenge")
	}
	if codeChallenge != "" && codeChallengeMethod != "S256" {
		return apierror.New(apierror.InvalidRequest, "code_challenge_method must be S256").WithField("code_challenge_method")
	}

	var zkPubKid string
	var zkPubJWKJSON []byte
	if zkPub != "" {
		if client.ZKDelivery != storage.ZKDeliveryFragmentJWE {
			return apierror.New(apierror.InvalidRequest, "this client does not support zk delivery").WithField("zk_pub")
		}
		if _, err := dcrypto.P256PublicKeyFromJWK([]byte(zkPub)); err != nil {
			return err
		}
		origin, err := originOf(redirectURI)
		if err != nil {
			return apierror.New(apierror.InvalidRequest, "redirect_uri is not a valid URL").WithField("redirect_uri")
		}
		if !client.AllowsZKOrigin(origin) {
			return apierror.New(apierror.InvalidRequest, "redirect_uri origin is not allowed for zk delivery").WithField("redirect_uri")
		}
		zkPubKid = dcrypto.JWKThumbprintKid([]byte(zkPub))
		zkPubJWKJSON = []byte(zkPub)
	} else if client.ZKRequired {
		return apierror.New(apierror.InvalidRequest, "zk_pub is required for this client").WithField("zk_pub")
	}

	now := s.now()
	pending := storage.PendingAuth{
		RequestID:           storage.NewID(),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Nonce:               nonce,
		ZKPubKid:            zkPubKid,
		ZKPubJWKJSON:        zkPubJWKJSON,
		Origin:              originOrEmpty(redirectURI),
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.PendingAuthLifetime),
	}

	if sess, err := s.sessions.Authenticate(r.Context(), r, storage.DomainUser); err == nil {
		pending.UserSub = sess.Sub
	}

	if err := s.storage.CreatePendingAuth(r.Context(), pending); err != nil {
		return fmt.Errorf("create pending auth: %w", err)
	}

	location := fmt.Sprintf("%s/consent?requestId=%s", s.config.PublicOrigin, url.QueryEscape(pending.RequestID))
	http.Redirect(w, r, location, http.StatusFound)
	return nil
}

func originOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid url: %s", rawURL)
	}
	return storage.NormalizeOrigin(u.Scheme + "://" + u.Host), nil
}

func originOrEmpty(rawURL string) string {
	origin, err := originOf(rawURL)
	if err != nil {
		return ""
	}
	return origin
}
