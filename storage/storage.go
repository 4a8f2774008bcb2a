// Package storage defines the persistence contract of spec §4.G: a narrow
// repository interface over relational storage for users, clients, codes,
// sessions, OPAQUE records, keys, settings, and audit. Implementations live
// in storage/memory and storage/sql; storage/conformance exercises both
// against the same behavioral suite.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a lookup finds no matching row.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned by Create methods on a uniqueness
	// violation (spec §3 invariants: unique sub, case-insensitive unique
	// email, unique clientId, unique kid).
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrConsumed is returned by Consume methods when the resource was
	// already redeemed or does not exist (spec §8 invariant 1).
	ErrConsumed = errors.New("storage: already consumed or not found")
)

// idEncoding is a lower-case, Kubernetes-safe id alphabet.
var idEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567")

// NewID returns a random opaque identifier suitable for a sub, requestId,
// or sessionId.
func NewID() string {
	buf := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return string(buf[0]%26+'a') + strings.TrimRight(idEncoding.EncodeToString(buf[1:]), "=")
}

// GCResult reports how many expired rows were removed by a sweep, per the
// sweepers named in spec §5 "Scheduling".
type GCResult struct {
	PendingAuth int64
	AuthCodes   int64
	Sessions    int64
	OpaqueLogin int64
}

// IsEmpty reports whether the sweep removed nothing.
func (g GCResult) IsEmpty() bool {
	return g.PendingAuth == 0 && g.AuthCodes == 0 && g.Sessions == 0 && g.OpaqueLogin == 0
}

// Users is the repository contract for the User entity (spec §3 "User").
type Users interface {
	GetUserBySub(ctx context.Context, sub string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	CreateUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, sub string, updater func(User) (User, error)) error
	DeleteUser(ctx context.Context, sub string) error
}

// OpaqueRecords is the repository contract for OPAQUE records (spec §3
// "OPAQUE record").
type OpaqueRecords interface {
	GetOpaqueRecord(ctx context.Context, sub string) (OpaqueRecord, error)
	UpsertOpaqueRecord(ctx context.Context, rec OpaqueRecord) error
	DeleteOpaqueRecord(ctx context.Context, sub string) error
}

// Clients is the repository contract for the Client entity (spec §3 "Client").
type Clients interface {
	GetClient(ctx context.Context, clientID string) (Client, error)
	ListClients(ctx context.Context) ([]Client, error)
	UpsertClient(ctx context.Context, c Client) error
	DeleteClient(ctx context.Context, clientID string) error
}

// SigningKeys is the repository contract for signing-key rows (spec §3
// "Signing key", §4.B, §4.G).
type SigningKeys interface {
	ListActiveSigningKeys(ctx context.Context) ([]SigningKey, error)
	ListAllSigningKeys(ctx context.Context) ([]SigningKey, error)
	InsertSigningKey(ctx context.Context, k SigningKey) error
	RetireSigningKey(ctx context.Context, kid string) error
}

// PendingAuths is the repository contract for pending-authorization records
// (spec §3 "Pending authorization", §4.G).
type PendingAuths interface {
	CreatePendingAuth(ctx context.Context, p PendingAuth) error
	GetPendingAuth(ctx context.Context, requestID string) (PendingAuth, error)
	BindPendingAuthSubject(ctx context.Context, requestID, sub string) error
	ConsumePendingAuth(ctx context.Context, requestID string) (PendingAuth, error)
	SweepExpiredPendingAuth(ctx context.Context, now time.Time) (int64, error)
}

// AuthCodes is the repository contract for one-time authorization codes
// (spec §3 "Authorization code", §4.G, §8 invariant 1).
type AuthCodes interface {
	CreateAuthCode(ctx context.Context, hash string, rec AuthCode) error
	// ConsumeAuthCode atomically deletes and returns the code row. Called
	// twice with the same hash, the second call returns ErrConsumed.
	ConsumeAuthCode(ctx context.Context, hash string) (AuthCode, error)
	SweepExpiredAuthCodes(ctx context.Context, now time.Time) (int64, error)
}

// Sessions is the repository contract for the Session entity (spec §3
// "Session", §4.D).
type Sessions interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, domain SessionDomain, id string) (Session, error)
	TouchSession(ctx context.Context, domain SessionDomain, id string, lastSeen, expiresAt time.Time) error
	MarkSessionOTPElevated(ctx context.Context, domain SessionDomain, id string) error
	DeleteSession(ctx context.Context, domain SessionDomain, id string) error
	SweepExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// OpaqueLoginSessions is the repository contract for transient OPAQUE
// server state (spec §3 "OPAQUE login session", §4.C, §5 "Transient
// OPAQUE state"). A sessionId is single-use: Take deletes the row it
// returns.
type OpaqueLoginSessions interface {
	CreateOpaqueLoginSession(ctx context.Context, s OpaqueLoginSession) error
	// TakeOpaqueLoginSession atomically fetches and deletes the session. It
	// returns ErrNotFound for both "never existed" and "already taken",
	// which keeps login_start/login_finish indistinguishable regardless of
	// the reason (spec §4.C invariants).
	TakeOpaqueLoginSession(ctx context.Context, sessionID string) (OpaqueLoginSession, error)
	SweepExpiredOpaqueLoginSessions(ctx context.Context, now time.Time) (int64, error)
}

// OTPRecords is the repository contract for TOTP state (spec §3 "OTP
// record", §4.F).
type OTPRecords interface {
	GetOTPRecord(ctx context.Context, domain SessionDomain, identity string) (OTPRecord, error)
	UpsertOTPRecord(ctx context.Context, rec OTPRecord) error
	DeleteOTPRecord(ctx context.Context, domain SessionDomain, identity string) error
	// ConsumeBackupCode atomically removes a matching backup code hash and
	// reports whether one was found.
	ConsumeBackupCode(ctx context.Context, domain SessionDomain, identity, codeHash string) (bool, error)
}

// Policy is the repository contract for the role/group graph feeding the
// OTP policy engine (spec §3 "Role/group policy", §4.F, §9).
type Policy interface {
	GetUserGroups(ctx context.Context, sub string) ([]Group, error)
	GetUserRoles(ctx context.Context, sub string) ([]Role, error)
}

// Settings is the repository contract for typed configuration rows (spec §3
// "Settings").
type Settings interface {
	GetSetting(ctx context.Context, key string) (Setting, error)
	SetSetting(ctx context.Context, s Setting) error
	ListSettings(ctx context.Context) ([]Setting, error)
}

// Audit is the append-only audit log contract (spec §3 "Audit entry").
type Audit interface {
	WriteAudit(ctx context.Context, e AuditEntry) error
}

// Storage is the full persistence contract used by the server. Every method
// is atomic with respect to concurrent callers; methods documented as
// "atomic with" another operation are implemented within a single
// transaction at this layer (spec §4.G).
type Storage interface {
	Users
	OpaqueRecords
	Clients
	SigningKeys
	PendingAuths
	AuthCodes
	Sessions
	OpaqueLoginSessions
	OTPRecords
	Policy
	Settings
	Audit

	Close() error
}
