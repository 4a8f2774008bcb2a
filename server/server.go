// Package server wires the core's HTTP surface: OPAQUE registration and
// login, OIDC authorize/consent/token, TOTP step-up, session management,
// discovery, and the one-time install gate of spec §4.E. The wiring style
// — a Server struct holding every component dependency, a context-key
// pair for request-scoped logging attributes, and a handler-returns-error
// pattern centralized in errors.go.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/puzed/darkauth/audit"
	"github.com/puzed/darkauth/internal/kek"
	"github.com/puzed/darkauth/internal/otp"
	"github.com/puzed/darkauth/internal/session"
	"github.com/puzed/darkauth/opaque"
	"github.com/puzed/darkauth/ratelimit"
	"github.com/puzed/darkauth/storage"
)

type contextKey string

// Context keys populated by the request-context middleware.
const (
	RequestKeyRemoteIP  contextKey = "remoteIP"
	RequestKeyRequestID contextKey = "requestId"
)

// Server holds every component the HTTP surface dispatches into. One
// Server serves both the user and admin path prefixes; handlers select a
// storage.SessionDomain explicitly rather than running two separate
// server instances, since every component below is already domain-aware.
type Server struct {
	config   Config
	storage  storage.Storage
	sessions *session.Manager
	opaque   *opaque.Engine
	otp      *otp.Engine
	keyring  *kek.Keyring
	limiter  *ratelimit.Limiter
	audit    *audit.Logger
	clock    clockwork.Clock
	logger   *slog.Logger

	installToken string
}

// New constructs a Server. installToken is the one-time console-printed
// token minted at startup while the system is uninitialized (spec §4.E
// "Install gate"); it is empty once initialization has completed.
func New(
	cfg Config,
	store storage.Storage,
	sessions *session.Manager,
	opaqueEngine *opaque.Engine,
	otpEngine *otp.Engine,
	keyring *kek.Keyring,
	limiter *ratelimit.Limiter,
	auditLogger *audit.Logger,
	clock clockwork.Clock,
	logger *slog.Logger,
	installToken string,
) *Server {
	return &Server{
		config:       cfg,
		storage:      store,
		sessions:     sessions,
		opaque:       opaqueEngine,
		otp:          otpEngine,
		keyring:      keyring,
		limiter:      limiter,
		audit:        auditLogger,
		clock:        clock,
		logger:       logger,
		installToken: installToken,
	}
}

// Handler builds the complete routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /.well-known/openid-configuration", s.wrap(s.handleDiscovery))
	mux.HandleFunc("GET /.well-known/jwks.json", s.wrap(s.handleJWKS))

	mux.HandleFunc("POST /api/user/opaque/register/start", s.wrap(s.handleOpaqueRegisterStart(storage.DomainUser)))
	mux.HandleFunc("POST /api/user/opaque/register/finish", s.wrap(s.handleOpaqueRegisterFinish(storage.DomainUser)))
	mux.HandleFunc("POST /api/user/opaque/login/start", s.wrap(s.handleOpaqueLoginStart(storage.DomainUser)))
	mux.HandleFunc("POST /api/user/opaque/login/finish", s.wrap(s.handleOpaqueLoginFinish(storage.DomainUser)))

	mux.HandleFunc("POST /api/admin/opaque/login/start", s.wrap(s.handleOpaqueLoginStart(storage.DomainAdmin)))
	mux.HandleFunc("POST /api/admin/opaque/login/finish", s.wrap(s.handleOpaqueLoginFinish(storage.DomainAdmin)))

	mux.HandleFunc("POST /api/otp/setup/init", s.wrap(s.handleOTPSetupInit(storage.DomainUser)))
	mux.HandleFunc("POST /api/otp/setup/verify", s.wrap(s.handleOTPSetupVerify(storage.DomainUser)))
	mux.HandleFunc("POST /api/otp/verify", s.wrap(s.handleOTPVerify(storage.DomainUser)))
	mux.HandleFunc("POST /api/otp/reauth", s.wrap(s.handleOTPReauth(storage.DomainUser)))

	mux.HandleFunc("GET /api/session", s.wrap(s.handleSessionStatus(storage.DomainUser)))
	mux.HandleFunc("POST /logout", s.wrap(s.handleLogout(storage.DomainUser)))

	mux.HandleFunc("GET /authorize", s.wrap(s.handleAuthorize))
	mux.HandleFunc("POST /consent", s.wrap(s.handleConsent))
	mux.HandleFunc("POST /token", s.wrap(s.handleToken))

	mux.HandleFunc("POST /install/opaque/start", s.wrap(s.handleInstallOpaqueStart))
	mux.HandleFunc("POST /install/opaque/finish", s.wrap(s.handleInstallOpaqueFinish))
	mux.HandleFunc("POST /install/complete", s.wrap(s.handleInstallComplete))

	return s.requestContext(s.sameOriginGate(s.installGate(mux)))
}

// now returns the injected clock's current time, used in place of
// time.Now inside any handler so tests can control it.
func (s *Server) now() time.Time { return s.clock.Now() }

// requestContext stamps every request's context with a fresh request id
// and the caller's remote address, so every log line emitted while
// handling the request carries both attributes automatically.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, RequestKeyRequestID, uuid.NewString())
		ctx = context.WithValue(ctx, RequestKeyRemoteIP, remoteIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
