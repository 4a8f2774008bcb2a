package server

import (
	"net/http"

	"github.com/puzed/darkauth/storage"
)

type sessionStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Sub           string `json:"sub,omitempty"`
	AdminRole     string `json:"adminRole,omitempty"`
	OTPElevated   bool   `json:"otpElevated,omitempty"`
}

// handleSessionStatus reports the current session's subject, if any.
// Unlike most handlers, an absent or expired session is not an error
// here: GET /api/session is how the UI polls for login state.
func (s *Server) handleSessionStatus(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess, err := s.sessions.Authenticate(r.Context(), r, domain)
		if err != nil {
			return writeJSON(w, http.StatusOK, sessionStatusResponse{Authenticated: false})
		}
		return writeJSON(w, http.StatusOK, sessionStatusResponse{
			Authenticated: true,
			Sub:           sess.Sub,
			AdminRole:     sess.AdminRole,
			OTPElevated:   sess.OTPElevated,
		})
	}
}

// handleLogout destroys the session server-side and clears both cookies,
// per spec §4.D "Lifecycle".
func (s *Server) handleLogout(domain storage.SessionDomain) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		sess, err := s.authenticatedSession(r, domain)
		if err != nil {
			return s.sessions.Destroy(r.Context(), w, domain, "")
		}
		if err := s.sessions.Destroy(r.Context(), w, domain, sess.ID); err != nil {
			return err
		}
		s.audit.Success(r.Context(), sess.Sub, "user.logout", "user", sess.Sub, nil)
		return writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
