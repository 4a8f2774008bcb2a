package server

import (
	"fmt"
	"net/http"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/opaque"
	"github.com/puzed/darkauth/storage"
)

// handleInstallOpaqueStart bootstraps the first admin identity's OPAQUE
// registration, spec §4.E "Install gate". It is reachable only while
// isInitialized is false, and additionally requires the one-time token
// the process printed to its console at startup.
func (s *Server) handleInstallOpaqueStart(w http.ResponseWriter, r *http.Request) error {
	if err := s.checkInstallToken(r); err != nil {
		return err
	}
	var req registerStartRequest
	if err := readJSON(r, &req); err != nil {
		return err
	}
	if req.Email == "" {
		return apierror.New(apierror.Validation, "email is required").WithField("email")
	}
	sessionID, resp, err := s.opaque.RegistrationStart(r.Context(), storage.DomainAdmin, req.Email)
	if err != nil {
		return fmt.Errorf("opaque registration start: %w", err)
	}
	return writeJSON(w, http.StatusOK, registerStartResponse{SessionID: sessionID, KS: b64(resp.KS), Ps: b64(resp.Ps)})
}

// handleInstallOpaqueFinish completes the bootstrap admin's OPAQUE
// registration and creates its user row with the admin subject.
func (s *Server) handleInstallOpaqueFinish(w http.ResponseWriter, r *http.Request) error {
	if err := s.checkInstallToken(r); err != nil {
		return err
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

	sub := storage.NewID()
	now := s.now()
	if err := s.storage.CreateUser(r.Context(), storage.User{
		Sub: sub, Email: req.Email, DisplayName: req.Email, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	if err := s.opaque.RegistrationFinish(r.Context(), req.SessionID, sub, opaque.RegistrationFinishRequest{
		Pu: pu, Ciphertext: ciphertext, Tag: tag,
	}); err != nil {
		_ = s.storage.DeleteUser(r.Context(), sub)
		return fmt.Errorf("opaque registration finish: %w", err)
	}

	s.audit.Success(r.Context(), sub, "install.admin.create", "user", sub, nil)
	return writeJSON(w, http.StatusOK, map[string]string{"sub": sub})
}

// handleInstallComplete marks the system initialized, closing the install
// gate for every future request (spec §4.E "Install gate").
func (s *Server) handleInstallComplete(w http.ResponseWriter, r *http.Request) error {
	if err := s.checkInstallToken(r); err != nil {
		return err
	}
	if err := s.storage.SetSetting(r.Context(), storage.Setting{Key: settingsKeyInitialized, Value: "true"}); err != nil {
		return fmt.Errorf("set initialized setting: %w", err)
	}
	s.audit.Success(r.Context(), "", "install.complete", "settings", settingsKeyInitialized, nil)
	return writeJSON(w, http.StatusOK, map[string]bool{"initialized": true})
}

func (s *Server) checkInstallToken(r *http.Request) error {
	if s.installToken == "" {
		return apierror.New(apierror.Forbidden, "installation has already completed")
	}
	if !dcrypto.ConstantTimeEqual([]byte(r.Header.Get("X-Install-Token")), []byte(s.installToken)) {
		return apierror.New(apierror.Unauthorized, "invalid install token")
	}
	return nil
}
