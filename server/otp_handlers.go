package server

import (
	"fmt"
	"net/http"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/storage"
)

type otpSetupInitResponse struct {
	SecretBase32    string `json:"secretBase32"`
	ProvisioningURI string `json:"provisioningUri"`
}

func (s *Server) handleOTPSetupInit(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess, err := s.authenticatedSession(r, domain)
		if err != nil {
			return err
		}
		secret, uri, err := s.otp.SetupInit(r.Context(), domain, sess.Sub)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, otpSetupInitResponse{SecretBase32: secret, ProvisioningURI: uri})
	}
}

type otpCodeRequest struct {
	Code string `json:"code"`
}

type otpSetupVerifyResponse struct {
	Success     bool     `json:"success"`
	BackupCodes []string `json:"backupCodes,omitempty"`
}

func (s *Server) handleOTPSetupVerify(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess, err := s.authenticatedSession(r, domain)
		if err != nil {
			return err
		}
		var req otpCodeRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		result, err := s.otp.SetupVerify(r.Context(), domain, sess.Sub, req.Code)
		if err != nil {
			return err
		}
		if !result.Success {
			return apierror.New(apierror.Validation, "invalid code").WithField("code")
		}
		s.audit.Success(r.Context(), sess.Sub, "otp.enroll", "user", sess.Sub, nil)
		return writeJSON(w, http.StatusOK, otpSetupVerifyResponse{Success: true, BackupCodes: result.BackupCodes})
	}
}

func (s *Server) handleOTPVerify(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess, err := s.authenticatedSession(r, domain)
		if err != nil {
			return err
		}
		var req otpCodeRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		ok, err := s.otp.Verify(r.Context(), domain, sess.Sub, req.Code)
		if err != nil {
			return fmt.Errorf("verify otp: %w", err)
		}
		if !ok {
			s.audit.Failure(r.Context(), sess.Sub, "otp.verify", "user", sess.Sub, nil)
			return apierror.New(apierror.Unauthorized, "invalid code").WithField("code")
		}
		if err := s.sessions.MarkOTPElevated(r.Context(), domain, sess.ID); err != nil {
			return fmt.Errorf("elevate session: %w", err)
		}
		s.audit.Success(r.Context(), sess.Sub, "otp.verify", "user", sess.Sub, nil)
		return writeJSON(w, http.StatusOK, map[string]bool{"otpElevated": true})
	}
}

// handleOTPReauth re-validates a code for an already-elevated session,
// used before highly sensitive operations (e.g. disabling OTP itself)
// without re-running the full password login.
func (s *Server) handleOTPReauth(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess, err := s.authenticatedSession(r, domain)
		if err != nil {
			return err
		}
		var req otpCodeRequest
		if err := readJSON(r, &req); err != nil {
			return err
		}
		ok, err := s.otp.Verify(r.Context(), domain, sess.Sub, req.Code)
		if err != nil {
			return fmt.Errorf("verify otp: %w", err)
		}
		if !ok {
			return apierror.New(apierror.Unauthorized, "invalid code").WithField("code")
		}
		return writeJSON(w, http.StatusOK, map[string]bool{"reauthenticated": true})
	}
}
