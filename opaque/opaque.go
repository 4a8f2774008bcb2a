// Package opaque implements the server half of the augmented PAKE named in
// spec §4.C: registration_start/finish and login_start/finish, with
// transient session state held in the storage.OpaqueLoginSessions contract
// so a deployment can run the core across multiple stateless workers.
//
// Grounded on _examples/avahowell-occlude (package occlude)'s Server type:
// the group, OPRF, envelope-sealing, and key-exchange math are ported
// directly from occlude's pake.go/crypto.go. What changes is state
// management — occlude keeps pendingRegistrations and passwordFiles in
// process memory; this engine persists the same fields through the
// storage contract so sessionId affinity never pins a request to a
// specific worker (spec §5 "Suspension points").
package opaque

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	ristretto "github.com/gtank/ristretto255"
	"github.com/jonboulle/clockwork"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/storage"
)

const (
	kindRegister = "register"
	kindLogin    = "login"
	kindDecoy    = "login-decoy"
)

// Outcome is the result of login_finish, mirroring spec §4.C's three-way
// LoginOutcome without leaking which failure mode applies to an
// unauthenticated caller.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota
	OutcomeInvalidCredentials
	OutcomeSessionNotFound
)

// Engine is the server side of the OPAQUE protocol.
type Engine struct {
	records    storage.OpaqueRecords
	sessions   storage.OpaqueLoginSessions
	clock      clockwork.Clock
	logger     *slog.Logger
	sessionTTL time.Duration
}

// New constructs an Engine. sessionTTL bounds transient registration/login
// session lifetime (spec §4.C: "TTL ≤ 2 minutes").
func New(records storage.OpaqueRecords, sessions storage.OpaqueLoginSessions, clock clockwork.Clock, logger *slog.Logger, sessionTTL time.Duration) *Engine {
	return &Engine{records: records, sessions: sessions, clock: clock, logger: logger, sessionTTL: sessionTTL}
}

// serverKeyMaterial is the permanent, server-only half of a user's OPAQUE
// record: the OPRF key and the server's static PAKE key pair.
type serverKeyMaterial struct {
	KS []byte // OPRF scalar
	PS []byte // server static private scalar
	Ps []byte // server static public element
}

// envelope is the client-authored half of a user's OPAQUE record, sealed
// under a key derived from the password at registration time.
type envelope struct {
	Pu         []byte // client static public element
	Ciphertext []byte
	Tag        []byte
}

type registrationState struct {
	KS []byte
	PS []byte
	Ps []byte
}

type loginState struct {
	Domain      storage.SessionDomain
	Identity    string
	ExpectedFK2 []byte
	SessionKey  []byte
	Decoy       bool
}

// RegistrationStartResponse is the server's reply to registration_start:
// the OPRF key and server static public key the client needs to compute
// its envelope. Per the occlude suite this is sent in the clear and relies
// on the registration channel already being authenticated and confidential
// (TLS), exactly as occlude's package doc requires.
type RegistrationStartResponse struct {
	KS []byte
	Ps []byte
}

// RegistrationStart begins enrollment for identity, per spec §4.C.
func (e *Engine) RegistrationStart(ctx context.Context, domain storage.SessionDomain, identity string) (sessionID string, resp RegistrationStartResponse, err error) {
	ks := randomScalar()
	ps := randomScalar()
	Ps := new(ristretto.Element).ScalarBaseMult(ps)

	state, err := json.Marshal(registrationState{KS: ks.Encode(nil), PS: ps.Encode(nil), Ps: Ps.Encode(nil)})
	if err != nil {
		return "", resp, apierror.Wrap(apierror.Internal, err)
	}

	sessionID = storage.NewID()
	err = e.sessions.CreateOpaqueLoginSession(ctx, storage.OpaqueLoginSession{
		SessionID: sessionID,
		Identity:  identity,
		Domain:    domain,
		Kind:      kindRegister,
		State:     state,
		ExpiresAt: e.clock.Now().Add(e.sessionTTL),
	})
	if err != nil {
		return "", resp, fmt.Errorf("create registration session: %w", err)
	}

	e.logger.Info("opaque registration started", "session", "[SESSION]", "identity", "[USER]")
	return sessionID, RegistrationStartResponse{KS: ks.Encode(nil), Ps: Ps.Encode(nil)}, nil
}

// RegistrationFinishRequest is the client's completed envelope.
type RegistrationFinishRequest struct {
	Pu         []byte
	Ciphertext []byte
	Tag        []byte
}

// RegistrationFinish completes enrollment, persisting the OPAQUE record
// for sub and destroying the transient session, per spec §4.C.
func (e *Engine) RegistrationFinish(ctx context.Context, sessionID string, sub string, req RegistrationFinishRequest) error {
	sess, err := e.sessions.TakeOpaqueLoginSession(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return apierror.New(apierror.Unauthorized, "registration session not found or expired")
		}
		return fmt.Errorf("take registration session: %w", err)
	}
	if sess.Kind != kindRegister {
		return apierror.New(apierror.Unauthorized, "session is not a registration session")
	}
	if e.clock.Now().After(sess.ExpiresAt) {
		return apierror.New(apierror.Unauthorized, "registration session expired")
	}

	var st registrationState
	if err := json.Unmarshal(sess.State, &st); err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}

	keyMaterial, err := json.Marshal(serverKeyMaterial{KS: st.KS, PS: st.PS, Ps: st.Ps})
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}
	env, err := json.Marshal(envelope{Pu: req.Pu, Ciphertext: req.Ciphertext, Tag: req.Tag})
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}

	if err := e.records.UpsertOpaqueRecord(ctx, storage.OpaqueRecord{
		Sub:               sub,
		Envelope:          env,
		ServerKeyMaterial: keyMaterial,
		UpdatedAt:         e.clock.Now(),
	}); err != nil {
		return fmt.Errorf("upsert opaque record: %w", err)
	}

	e.logger.Info("opaque registration finished", "session", "[SESSION]", "user", "[USER]")
	return nil
}

// LoginStartResponse is the server's KE2-equivalent reply.
type LoginStartResponse struct {
	Beta []byte
	Xs   []byte
	FK1  []byte
	// Envelope fields the client needs to recover its static key pair and
	// authenticate the server response.
	Pu         []byte
	Ciphertext []byte
	Tag        []byte
}

// LoginStart begins authentication for identity (spec §4.C "Login"). When
// sub is "" the identity does not exist; the engine still performs the
// full protocol against freshly generated, indistinguishable state so the
// response shape, size, and cost are identical to a real user (defeats
// enumeration via timing or response inspection).
func (e *Engine) LoginStart(ctx context.Context, domain storage.SessionDomain, identity, sub string, alpha, xu []byte) (sessionID string, resp LoginStartResponse, err error) {
	Alpha := new(ristretto.Element)
	if err := Alpha.Decode(alpha); err != nil {
		return "", resp, apierror.New(apierror.Validation, "invalid alpha").WithField("alpha")
	}
	Xu := new(ristretto.Element)
	if err := Xu.Decode(xu); err != nil {
		return "", resp, apierror.New(apierror.Validation, "invalid xu").WithField("xu")
	}

	decoy := sub == ""

	var ks, ps *ristretto.Scalar
	var Ps *ristretto.Element
	var env envelope

	if decoy {
		ks, ps = randomScalar(), randomScalar()
		Ps = new(ristretto.Element).ScalarBaseMult(ps)
		env = envelope{
			Pu:         new(ristretto.Element).ScalarBaseMult(randomScalar()).Encode(nil),
			Ciphertext: make([]byte, 80),
			Tag:        make([]byte, 32),
		}
		if _, readErr := rand.Read(env.Ciphertext); readErr != nil {
			return "", resp, apierror.Wrap(apierror.Crypto, readErr)
		}
	} else {
		rec, getErr := e.records.GetOpaqueRecord(ctx, sub)
		if getErr != nil {
			return "", resp, fmt.Errorf("get opaque record: %w", getErr)
		}
		var km serverKeyMaterial
		if unmarshalErr := json.Unmarshal(rec.ServerKeyMaterial, &km); unmarshalErr != nil {
			return "", resp, apierror.Wrap(apierror.Internal, unmarshalErr)
		}
		if unmarshalErr := json.Unmarshal(rec.Envelope, &env); unmarshalErr != nil {
			return "", resp, apierror.Wrap(apierror.Internal, unmarshalErr)
		}
		ks = new(ristretto.Scalar)
		if decodeErr := ks.Decode(km.KS); decodeErr != nil {
			return "", resp, apierror.Wrap(apierror.Internal, decodeErr)
		}
		ps = new(ristretto.Scalar)
		if decodeErr := ps.Decode(km.PS); decodeErr != nil {
			return "", resp, apierror.Wrap(apierror.Internal, decodeErr)
		}
		Ps = new(ristretto.Element)
		if decodeErr := Ps.Decode(km.Ps); decodeErr != nil {
			return "", resp, apierror.Wrap(apierror.Internal, decodeErr)
		}
	}

	xs := randomScalar()
	Xs := new(ristretto.Element).ScalarBaseMult(xs)
	Beta := new(ristretto.Element).ScalarMult(ks, Alpha)

	Pu := new(ristretto.Element)
	var K []byte
	if decoy {
		K = randomScalar().Encode(nil)[:32]
	} else {
		if err := Pu.Decode(env.Pu); err != nil {
			return "", resp, apierror.Wrap(apierror.Internal, err)
		}
		K = keyExchangeServer(ps, xs, Pu, Xu)
	}
	sessionKey := prf(K, []byte{0})
	fk1 := prf(K, []byte{1})
	fk2 := prf(K, []byte{2})

	kind := kindLogin
	if decoy {
		kind = kindDecoy
	}
	state, err := json.Marshal(loginState{Domain: domain, Identity: identity, ExpectedFK2: fk2, SessionKey: sessionKey, Decoy: decoy})
	if err != nil {
		return "", resp, apierror.Wrap(apierror.Internal, err)
	}

	sessionID = storage.NewID()
	if err := e.sessions.CreateOpaqueLoginSession(ctx, storage.OpaqueLoginSession{
		SessionID: sessionID,
		Identity:  identity,
		Domain:    domain,
		Kind:      kind,
		State:     state,
		ExpiresAt: e.clock.Now().Add(e.sessionTTL),
	}); err != nil {
		return "", resp, fmt.Errorf("create login session: %w", err)
	}

	e.logger.Info("opaque login started", "session", "[SESSION]", "identity", "[USER]")
	return sessionID, LoginStartResponse{
		Beta: Beta.Encode(nil), Xs: Xs.Encode(nil), FK1: fk1,
		Pu: env.Pu, Ciphertext: env.Ciphertext, Tag: env.Tag,
	}, nil
}

// LoginFinish validates the client's authenticator against the transient
// session and reports an Outcome per spec §4.C. The transient session is
// always destroyed, win or lose.
func (e *Engine) LoginFinish(ctx context.Context, sessionID string, clientFK2 []byte) (identity string, sessionKey []byte, outcome Outcome, err error) {
	sess, takeErr := e.sessions.TakeOpaqueLoginSession(ctx, sessionID)
	if takeErr != nil {
		if takeErr == storage.ErrNotFound {
			return "", nil, OutcomeSessionNotFound, nil
		}
		return "", nil, OutcomeSessionNotFound, fmt.Errorf("take login session: %w", takeErr)
	}
	if sess.Kind != kindLogin && sess.Kind != kindDecoy {
		return "", nil, OutcomeSessionNotFound, nil
	}
	if e.clock.Now().After(sess.ExpiresAt) {
		return "", nil, OutcomeSessionNotFound, nil
	}

	var st loginState
	if unmarshalErr := json.Unmarshal(sess.State, &st); unmarshalErr != nil {
		return "", nil, OutcomeInvalidCredentials, apierror.Wrap(apierror.Internal, unmarshalErr)
	}

	if st.Decoy || !constantTimeEqual(st.ExpectedFK2, clientFK2) {
		e.logger.Info("opaque login failed", "session", "[SESSION]", "identity", "[USER]")
		return "", nil, OutcomeInvalidCredentials, nil
	}

	e.logger.Info("opaque login succeeded", "session", "[SESSION]", "identity", "[USER]")
	return st.Identity, st.SessionKey, OutcomeAuthenticated, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
