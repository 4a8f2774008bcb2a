package server

import (
	"fmt"
	"net/http"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/opaque"
	"github.com/puzed/darkauth/storage"
)

func b64(b []byte) string { return dcrypto.Base64URLEncode(b) }

func unb64(s string, field string) ([]byte, error) {
	b, err := dcrypto.Base64URLDecode(s)
	if err != nil {
		return nil, apierror.New(apierror.Validation, "malformed base64url value").WithField(field)
	}
	return b, nil
}

func (s *Server) rateLimitKey(r *http.Request, bucket string) string {
	return bucket + ":" + remoteIP(r)
}

// registerStartRequest/Response implement spec §6's OPAQUE registration
// wire format: identity in the clear, every other field base64url.
type registerStartRequest struct {
	Email string `json:"email"`
}

type registerStartResponse struct {
	SessionID string `json:"sessionId"`
	KS        string `json:"ks"`
	Ps        string `json:"ps"`
}

// handleOpaqueRegisterStart begins self-registration. Admin identities are
// never self-registered; they are bootstrapped once via /install/*.
func (s *Server) handleOpaqueRegisterStart(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if domain != storage.DomainUser || !s.config.SelfRegistrationEnabled {
			return apierror.New(apierror.Forbidden, "self-registration is disabled")
		}
		if !s.limiter.Allow(s.rateLimitKey(r, "opaque-register"), s.config.RateLimitOpaqueMax, s.config.RateLimitWindow) {
			return apierror.New(apierror.RateLimited, "too many registration attempts")
		}
		var req registerStartRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		if req.Email == "" {
			return apierror.New(apierror.Validation, "email is required").WithField("email")
		}
		if _, err := s.storage.GetUserByEmail(r.Context(), req.Email); err == nil {
			return apierror.New(apierror.Conflict, "an account with this email already exists").WithField("email")
		} else if err != storage.ErrNotFound {
			return fmt.Errorf("check existing user: %w", err)
		}

		sessionID, resp, err := s.opaque.RegistrationStart(r.Context(), domain, req.Email)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, registerStartResponse{SessionID: sessionID, KS: b64(resp.KS), Ps: b64(resp.Ps)})
	}
}

type registerFinishRequest struct {
	SessionID  string `json:"sessionId"`
	Email      string `json:"email"`
	Pu         string `json:"pu"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

func (s *Server) handleOpaqueRegisterFinish(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if domain != storage.DomainUser || !s.config.SelfRegistrationEnabled {
			return apierror.New(apierror.Forbidden, "self-registration is disabled")
		}
		var req registerFinishRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		pu, err := unb64(req.Pu, "pu")
		if err != nil {
			return err
		}
		ciphertext, err := unb64(req.Ciphertext, "ciphertext")
		if err != nil {
			return err
		}
		tag, err := unb64(req.Tag, "tag")
		if err != nil {
			return err
		}

		if _, err := s.storage.GetUserByEmail(r.Context(), req.Email); err == nil {
			return apierror.New(apierror.Conflict, "an account with this email already exists").WithField("email")
		} else if err != storage.ErrNotFound {
			return fmt.Errorf("check existing user: %w", err)
		}

		sub := storage.NewID()
		now := s.now()
		if err := s.storage.CreateUser(r.Context(), storage.User{Sub: sub, Email: req.Email, CreatedAt: now, UpdatedAt: now}); err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if err := s.opaque.RegistrationFinish(r.Context(), req.SessionID, sub, opaque.RegistrationFinishRequest{Pu: pu, Ciphertext: ciphertext, Tag: tag}); err != nil {
			_ = s.storage.DeleteUser(r.Context(), sub)
			return err
		}
		s.audit.Success(r.Context(), sub, "user.register", "user", sub, nil)
		return writeJSON(w, http.StatusCreated, map[string]string{"sub": sub})
	}
}

type loginStartRequest struct {
	Identity string `json:"identity"`
	Alpha    string `json:"alpha"`
	Xu       string `json:"xu"`
}

type loginStartResponse struct {
	SessionID  string `json:"sessionId"`
	Beta       string `json:"beta"`
	Xs         string `json:"xs"`
	FK1        string `json:"fk1"`
	Pu         string `json:"pu"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// handleOpaqueLoginStart begins authentication. Per spec §4.C and §7
// "User enumeration resistance", an unknown identity still runs the full
// protocol with freshly generated state so the response is indistinguishable
// from a real user's.
func (s *Server) handleOpaqueLoginStart(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		if !s.limiter.Allow(s.rateLimitKey(r, "opaque-login"), s.config.RateLimitOpaqueMax, s.config.RateLimitWindow) {
			return apierror.New(apierror.RateLimited, "too many login attempts")
		}
		var req loginStartRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		alpha, err := unb64(req.Alpha, "alpha")
		if err != nil {
			return err
		}
		xu, err := unb64(req.Xu, "xu")
		if err != nil {
			return err
		}

		sub := ""
		if u, err := s.storage.GetUserByEmail(r.Context(), req.Identity); err == nil {
			sub = u.Sub
		} else if err != storage.ErrNotFound {
			return fmt.Errorf("lookup user by email: %w", err)
		}

		sessionID, resp, err := s.opaque.LoginStart(r.Context(), domain, req.Identity, sub, alpha, xu)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, loginStartResponse{
			SessionID: sessionID, Beta: b64(resp.Beta), Xs: b64(resp.Xs), FK1: b64(resp.FK1),
			Pu: b64(resp.Pu), Ciphertext: b64(resp.Ciphertext), Tag: b64(resp.Tag),
		})
	}
}

type loginFinishRequest struct {
	SessionID string `json:"sessionId"`
	FK2       string `json:"fk2"`
}

type loginFinishResponse struct {
	AccessToken string `json:"accessToken"`
	OTPRequired bool   `json:"otpRequired"`
}

func (s *Server) handleOpaqueLoginFinish(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		var req loginFinishRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		fk2, err := unb64(req.FK2, "fk2")
		if err != nil {
			return err
		}

		identity, _, outcome, err := s.opaque.LoginFinish(r.Context(), req.SessionID, fk2)
		if err != nil {
			return err
		}
		if outcome != opaque.OutcomeAuthenticated {
			s.audit.Failure(r.Context(), identity, "user.login", "user", identity, map[string]string{"reason": "invalid_credentials"})
			return apierror.New(apierror.Unauthorized, "invalid credentials")
		}

		sub := identity
		adminRole := ""
		if domain == storage.DomainAdmin {
			adminRole = "admin"
		} else {
			u, err := s.storage.GetUserByEmail(r.Context(), identity)
			if err != nil {
				return fmt.Errorf("resolve authenticated user: %w", err)
			}
			sub = u.Sub
		}

		requireOTP, err := s.otp.RequireOTP(r.Context(), sub)
		if err != nil {
			return fmt.Errorf("compute otp policy: %w", err)
		}

		sess, err := s.sessions.Create(r.Context(), w, domain, sub, adminRole)
		if err != nil {
			return err
		}
		s.audit.Success(r.Context(), sub, "user.login", "user", sub, nil)
		return writeJSON(w, http.StatusOK, loginFinishResponse{AccessToken: sess.ID, OTPRequired: requireOTP})
	}
}
