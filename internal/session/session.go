// Package session implements the opaque server-side session and
// double-submit CSRF model of spec §4.D: __Host- prefixed cookies, one
// pair per session domain, bound CSRF tokens, and the same-origin policy
// enforced on every non-idempotent request.
package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/storage"
)

// cookieNames returns the session and CSRF cookie names for a domain, per
// spec §6 "Cookies": __Host-DarkAuth-User / -Admin, plus a -Csrf sibling.
func cookieNames(domain storage.SessionDomain) (session, csrf string) {
	switch domain {
	case storage.DomainAdmin:
		return "__Host-DarkAuth-Admin", "__Host-DarkAuth-Admin-Csrf"
	default:
		return "__Host-DarkAuth-User", "__Host-DarkAuth-User-Csrf"
	}
}

// Manager issues, validates, touches, and destroys sessions. One Manager
// instance is shared across both session domains; the domain is always
// passed explicitly so a handler can never confuse a user and an admin
// session, keeping the two families disjoint as spec §3 requires.
type Manager struct {
	storage    storage.Sessions
	clock      clockwork.Clock
	inactivity time.Duration
	absolute   time.Duration
	secure     bool
}

// New constructs a Manager. inactivity and absolute mirror spec §4.D
// "Lifecycle": an inactivity window (default 30 min) and an absolute cap
// (default 12 h) on session lifetime. secure controls the cookie Secure
// attribute; it should be true everywhere except local development.
func New(store storage.Sessions, clock clockwork.Clock, inactivity, absolute time.Duration, secure bool) *Manager {
	return &Manager{storage: store, clock: clock, inactivity: inactivity, absolute: absolute, secure: secure}
}

// Create mints a new session and its CSRF token for the given domain and
// writes both cookie pairs onto the response. adminRole is empty for user
// sessions.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, domain storage.SessionDomain, sub, adminRole string) (storage.Session, error) {
	idBytes, err := dcrypto.RandomBytes(32)
	if err != nil {
		return storage.Session{}, apierror.Wrap(apierror.Crypto, err)
	}
	csrfBytes, err := dcrypto.RandomBytes(32)
	if err != nil {
		return storage.Session{}, apierror.Wrap(apierror.Crypto, err)
	}

	now := m.clock.Now()
	s := storage.Session{
		ID:         dcrypto.Base64URLEncode(idBytes),
		Domain:     domain,
		Sub:        sub,
		AdminRole:  adminRole,
		CSRFToken:  dcrypto.Base64URLEncode(csrfBytes),
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  m.absoluteExpiry(now),
	}
	if err := m.storage.CreateSession(ctx, s); err != nil {
		return storage.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.writeCookies(w, domain, s)
	return s, nil
}

func (m *Manager) absoluteExpiry(now time.Time) time.Time {
	inactivityExpiry := now.Add(m.inactivity)
	absoluteExpiry := now.Add(m.absolute)
	if inactivityExpiry.Before(absoluteExpiry) {
		return inactivityExpiry
	}
	return absoluteExpiry
}

func (m *Manager) writeCookies(w http.ResponseWriter, domain storage.SessionDomain, s storage.Session) {
	sessionName, csrfName := cookieNames(domain)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionName,
		Value:    s.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfName,
		Value:    s.CSRFToken,
		Path:     "/",
		HttpOnly: false,
		Secure:   m.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// clearCookies expires both cookies of domain on the client.
func (m *Manager) clearCookies(w http.ResponseWriter, domain storage.SessionDomain) {
	sessionName, csrfName := cookieNames(domain)
	for _, name := range []string{sessionName, csrfName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: name == sessionName,
			Secure:   m.secure,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
		})
	}
}

// Authenticate reads the domain's session cookie, loads the session,
// rejects it if expired, and touches last-seen/expiry. It returns
// apierror.Unauthorized when no valid session is present.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request, domain storage.SessionDomain) (storage.Session, error) {
	sessionName, _ := cookieNames(domain)
	cookie, err := r.Cookie(sessionName)
	if err != nil || cookie.Value == "" {
		return storage.Session{}, apierror.New(apierror.Unauthorized, "no session")
	}
	s, err := m.storage.GetSession(ctx, domain, cookie.Value)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.Session{}, apierror.New(apierror.Unauthorized, "no session")
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	now := m.clock.Now()
	if s.Expired(now) {
		_ = m.storage.DeleteSession(ctx, domain, s.ID)
		return storage.Session{}, apierror.New(apierror.Unauthorized, "session expired")
	}
	newExpiry := m.absoluteExpiry(now)
	if absoluteCap := s.CreatedAt.Add(m.absolute); newExpiry.After(absoluteCap) {
		newExpiry = absoluteCap
	}
	if err := m.storage.TouchSession(ctx, domain, s.ID, now, newExpiry); err != nil {
		return storage.Session{}, fmt.Errorf("touch session: %w", err)
	}
	s.LastSeenAt = now
	s.ExpiresAt = newExpiry
	return s, nil
}

// MarkOTPElevated records that the current session completed a TOTP
// step-up challenge, reflected in the "amr" claim at token minting.
func (m *Manager) MarkOTPElevated(ctx context.Context, domain storage.SessionDomain, id string) error {
	return m.storage.MarkSessionOTPElevated(ctx, domain, id)
}

// Destroy deletes the session server-side and clears both cookies.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, domain storage.SessionDomain, id string) error {
	m.clearCookies(w, domain)
	if id == "" {
		return nil
	}
	if err := m.storage.DeleteSession(ctx, domain, id); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CheckCSRF implements the double-submit check of spec §4.D: when a
// session cookie is present on a non-idempotent request, the x-csrf-token
// header must equal the CSRF cookie value, compared in constant time.
func CheckCSRF(r *http.Request, domain storage.SessionDomain) error {
	_, csrfName := cookieNames(domain)
	cookie, err := r.Cookie(csrfName)
	if err != nil || cookie.Value == "" {
		return apierror.New(apierror.Forbidden, "missing csrf cookie")
	}
	header := r.Header.Get("x-csrf-token")
	if header == "" {
		return apierror.New(apierror.Forbidden, "missing csrf header")
	}
	if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
		return apierror.New(apierror.Forbidden, "csrf token mismatch")
	}
	return nil
}

// CheckSameOrigin implements spec §4.D's same-origin policy for any
// non-idempotent method: the request must declare itself same-origin via
// Sec-Fetch-Site, or its Origin/Referer host must equal the request Host.
func CheckSameOrigin(r *http.Request) error {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return nil
	}
	if site := r.Header.Get("Sec-Fetch-Site"); site == "same-origin" {
		return nil
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		if hostFromURL(origin) == r.Host {
			return nil
		}
		return apierror.New(apierror.Forbidden, "cross-origin request rejected")
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		if hostFromURL(referer) == r.Host {
			return nil
		}
		return apierror.New(apierror.Forbidden, "cross-origin request rejected")
	}
	return apierror.New(apierror.Forbidden, "missing origin and referer")
}

func hostFromURL(raw string) string {
	// Avoid a net/url round trip for the common case; fall back to it for
	// anything containing a scheme separator.
	for i := 0; i < len(raw); i++ {
		if raw[i] == '/' && i+1 < len(raw) && raw[i+1] == '/' {
			rest := raw[i+2:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == '/' {
					return rest[:j]
				}
			}
			return rest
		}
	}
	return raw
}
