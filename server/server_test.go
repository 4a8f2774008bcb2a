package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/audit"
	"github.com/puzed/darkauth/internal/kek"
	"github.com/puzed/darkauth/internal/otp"
	"github.com/puzed/darkauth/internal/session"
	"github.com/puzed/darkauth/opaque"
	"github.com/puzed/darkauth/ratelimit"
	"github.com/puzed/darkauth/storage"
	"github.com/puzed/darkauth/storage/memory"
)

// newTestServer builds a fully wired Server against the in-memory store, the
// same way cmd/darkauth/serve.go wires one against real storage. Tests use
// the fake clock to control session and code expiry deterministically.
func newTestServer(t *testing.T) (*Server, storage.Storage, clockwork.FakeClock) {
	t.Helper()
	store := memory.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.Issuer = "https://auth.example.test"
	cfg.PublicOrigin = "https://auth.example.test"

	keyring := kek.New(store, []byte("0123456789abcdef0123456789abcdef"), clock, logger, 90*24*time.Hour, 30*24*time.Hour)
	require.NoError(t, keyring.EnsureActiveKey(context.Background()))

	sessions := session.New(store, clock, cfg.SessionInactivity, cfg.SessionAbsolute, false)
	opaqueEngine := opaque.New(store, store, clock, logger, cfg.OpaqueSessionTTL)
	otpEngine := otp.New(store, store, clock, cfg.Issuer)
	limiter := ratelimit.New(clock)
	auditLogger := audit.New(store, clock, logger)

	srv := New(cfg, store, sessions, opaqueEngine, otpEngine, keyring, limiter, auditLogger, clock, logger, "")
	return srv, store, clock
}

// sameOriginRequest builds a POST request that passes CheckSameOrigin and,
// if sess is non-nil, carries its session and CSRF cookies plus the matching
// x-csrf-token header, mirroring a browser XHR from the core's own origin.
func sameOriginRequest(method, target string, body io.Reader, domain storage.SessionDomain, sess *storage.Session) *http.Request {
	r := httptest.NewRequest(method, target, body)
	r.Header.Set("Sec-Fetch-Site", "same-origin")
	r.Header.Set("Content-Type", "application/json")
	if sess != nil {
		sessionName, csrfName := "__Host-DarkAuth-User", "__Host-DarkAuth-User-Csrf"
		if domain == storage.DomainAdmin {
			sessionName, csrfName = "__Host-DarkAuth-Admin", "__Host-DarkAuth-Admin-Csrf"
		}
		r.AddCookie(&http.Cookie{Name: sessionName, Value: sess.ID})
		r.AddCookie(&http.Cookie{Name: csrfName, Value: sess.CSRFToken})
		r.Header.Set("x-csrf-token", sess.CSRFToken)
	}
	return r
}
