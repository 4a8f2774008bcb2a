// Package memory provides an in-memory implementation of storage.Storage,
// used by tests and single-process development deployments.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/puzed/darkauth/storage"
)

var _ storage.Storage = (*memStorage)(nil)

// New returns an in-memory storage.Storage.
func New(logger *slog.Logger) storage.Storage {
	return &memStorage{
		users:        make(map[string]storage.User),
		opaque:       make(map[string]storage.OpaqueRecord),
		clients:      make(map[string]storage.Client),
		signingKeys:  make(map[string]storage.SigningKey),
		pendingAuths: make(map[string]storage.PendingAuth),
		authCodes:    make(map[string]storage.AuthCode),
		sessions:     make(map[sessionKey]storage.Session),
		opaqueLogins: make(map[string]storage.OpaqueLoginSession),
		otpRecords:   make(map[otpKey]storage.OTPRecord),
		groups:       make(map[string]storage.Group),
		roles:        make(map[string]storage.Role),
		userGroups:   make(map[string][]string),
		userRoles:    make(map[string][]string),
		settings:     make(map[string]storage.Setting),
		logger:       logger,
	}
}

// Config implements storage.Storage's SQL-flavored Open contract for parity
// with storage/sql, so the top-level wiring code can switch backends on a
// single interface.
type Config struct{}

// Open always returns a fresh in-memory storage.Storage.
func (c *Config) Open(logger *slog.Logger) (storage.Storage, error) {
	return New(logger), nil
}

type sessionKey struct {
	domain storage.SessionDomain
	id     string
}

type otpKey struct {
	domain   storage.SessionDomain
	identity string
}

type memStorage struct {
	mu sync.Mutex

	users        map[string]storage.User // sub -> user
	opaque       map[string]storage.OpaqueRecord
	clients      map[string]storage.Client
	signingKeys  map[string]storage.SigningKey
	pendingAuths map[string]storage.PendingAuth
	authCodes    map[string]storage.AuthCode
	sessions     map[sessionKey]storage.Session
	opaqueLogins map[string]storage.OpaqueLoginSession
	otpRecords   map[otpKey]storage.OTPRecord
	groups       map[string]storage.Group
	roles        map[string]storage.Role
	userGroups   map[string][]string // sub -> group keys
	userRoles    map[string][]string // sub -> role keys
	settings     map[string]storage.Setting

	logger *slog.Logger
}

func (s *memStorage) tx(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f()
}

func (s *memStorage) Close() error { return nil }

// ---- Users ----

func (s *memStorage) CreateUser(ctx context.Context, u storage.User) (err error) {
	s.tx(func() {
		if _, ok := s.users[u.Sub]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		for _, existing := range s.users {
			if strings.EqualFold(existing.Email, u.Email) {
				err = storage.ErrAlreadyExists
				return
			}
		}
		s.users[u.Sub] = u
	})
	return
}

func (s *memStorage) GetUserBySub(ctx context.Context, sub string) (u storage.User, err error) {
	s.tx(func() {
		var ok bool
		if u, ok = s.users[sub]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) GetUserByEmail(ctx context.Context, email string) (u storage.User, err error) {
	s.tx(func() {
		for _, existing := range s.users {
			if strings.EqualFold(existing.Email, email) {
				u = existing
				return
			}
		}
		err = storage.ErrNotFound
	})
	return
}

func (s *memStorage) UpdateUser(ctx context.Context, sub string, updater func(storage.User) (storage.User, error)) (err error) {
	s.tx(func() {
		u, ok := s.users[sub]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		if u, err = updater(u); err != nil {
			return
		}
		s.users[sub] = u
	})
	return
}

func (s *memStorage) DeleteUser(ctx context.Context, sub string) (err error) {
	s.tx(func() {
		if _, ok := s.users[sub]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.users, sub)
	})
	return
}

// ---- OpaqueRecords ----

func (s *memStorage) GetOpaqueRecord(ctx context.Context, sub string) (rec storage.OpaqueRecord, err error) {
	s.tx(func() {
		var ok bool
		if rec, ok = s.opaque[sub]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpsertOpaqueRecord(ctx context.Context, rec storage.OpaqueRecord) error {
	s.tx(func() {
		s.opaque[rec.Sub] = rec
	})
	return nil
}

func (s *memStorage) DeleteOpaqueRecord(ctx context.Context, sub string) (err error) {
	s.tx(func() {
		if _, ok := s.opaque[sub]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.opaque, sub)
	})
	return
}

// ---- Clients ----

func (s *memStorage) GetClient(ctx context.Context, clientID string) (c storage.Client, err error) {
	s.tx(func() {
		var ok bool
		if c, ok = s.clients[clientID]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) ListClients(ctx context.Context) (out []storage.Client, err error) {
	s.tx(func() {
		for _, c := range s.clients {
			out = append(out, c)
		}
	})
	return
}

func (s *memStorage) UpsertClient(ctx context.Context, c storage.Client) error {
	s.tx(func() {
		s.clients[c.ClientID] = c
	})
	return nil
}

func (s *memStorage) DeleteClient(ctx context.Context, clientID string) (err error) {
	s.tx(func() {
		if _, ok := s.clients[clientID]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.clients, clientID)
	})
	return
}

// ---- SigningKeys ----

func (s *memStorage) ListActiveSigningKeys(ctx context.Context) (out []storage.SigningKey, err error) {
	s.tx(func() {
		for _, k := range s.signingKeys {
			if k.Active {
				out = append(out, k)
			}
		}
	})
	return
}

func (s *memStorage) ListAllSigningKeys(ctx context.Context) (out []storage.SigningKey, err error) {
	s.tx(func() {
		for _, k := range s.signingKeys {
			out = append(out, k)
		}
	})
	return
}

func (s *memStorage) InsertSigningKey(ctx context.Context, k storage.SigningKey) (err error) {
	s.tx(func() {
		if _, ok := s.signingKeys[k.Kid]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.signingKeys[k.Kid] = k
	})
	return
}

func (s *memStorage) RetireSigningKey(ctx context.Context, kid string) (err error) {
	s.tx(func() {
		k, ok := s.signingKeys[kid]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		k.Active = false
		k.Retired = true
		s.signingKeys[kid] = k
	})
	return
}

// ---- PendingAuths ----

func (s *memStorage) CreatePendingAuth(ctx context.Context, p storage.PendingAuth) (err error) {
	s.tx(func() {
		if _, ok := s.pendingAuths[p.RequestID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.pendingAuths[p.RequestID] = p
	})
	return
}

func (s *memStorage) GetPendingAuth(ctx context.Context, requestID string) (p storage.PendingAuth, err error) {
	s.tx(func() {
		var ok bool
		if p, ok = s.pendingAuths[requestID]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) BindPendingAuthSubject(ctx context.Context, requestID, sub string) (err error) {
	s.tx(func() {
		p, ok := s.pendingAuths[requestID]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		p.UserSub = sub
		s.pendingAuths[requestID] = p
	})
	return
}

func (s *memStorage) ConsumePendingAuth(ctx context.Context, requestID string) (p storage.PendingAuth, err error) {
	s.tx(func() {
		var ok bool
		if p, ok = s.pendingAuths[requestID]; !ok {
			err = storage.ErrConsumed
			return
		}
		delete(s.pendingAuths, requestID)
	})
	return
}

func (s *memStorage) SweepExpiredPendingAuth(ctx context.Context, now time.Time) (n int64, err error) {
	s.tx(func() {
		for id, p := range s.pendingAuths {
			if p.Expired(now) {
				delete(s.pendingAuths, id)
				n++
			}
		}
	})
	return
}

// ---- AuthCodes ----

func (s *memStorage) CreateAuthCode(ctx context.Context, hash string, rec storage.AuthCode) (err error) {
	s.tx(func() {
		if _, ok := s.authCodes[hash]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		rec.Hash = hash
		s.authCodes[hash] = rec
	})
	return
}

func (s *memStorage) ConsumeAuthCode(ctx context.Context, hash string) (rec storage.AuthCode, err error) {
	s.tx(func() {
		var ok bool
		if rec, ok = s.authCodes[hash]; !ok {
			err = storage.ErrConsumed
			return
		}
		delete(s.authCodes, hash)
	})
	return
}

func (s *memStorage) SweepExpiredAuthCodes(ctx context.Context, now time.Time) (n int64, err error) {
	s.tx(func() {
		for hash, a := range s.authCodes {
			if now.After(a.ExpiresAt) {
				delete(s.authCodes, hash)
				n++
			}
		}
	})
	return
}

// ---- Sessions ----

func (s *memStorage) CreateSession(ctx context.Context, sess storage.Session) (err error) {
	key := sessionKey{sess.Domain, sess.ID}
	s.tx(func() {
		if _, ok := s.sessions[key]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.sessions[key] = sess
	})
	return
}

func (s *memStorage) GetSession(ctx context.Context, domain storage.SessionDomain, id string) (sess storage.Session, err error) {
	s.tx(func() {
		var ok bool
		if sess, ok = s.sessions[sessionKey{domain, id}]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) TouchSession(ctx context.Context, domain storage.SessionDomain, id string, lastSeen, expiresAt time.Time) (err error) {
	key := sessionKey{domain, id}
	s.tx(func() {
		sess, ok := s.sessions[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		sess.LastSeenAt = lastSeen
		sess.ExpiresAt = expiresAt
		s.sessions[key] = sess
	})
	return
}

func (s *memStorage) MarkSessionOTPElevated(ctx context.Context, domain storage.SessionDomain, id string) (err error) {
	key := sessionKey{domain, id}
	s.tx(func() {
		sess, ok := s.sessions[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		sess.OTPElevated = true
		s.sessions[key] = sess
	})
	return
}

func (s *memStorage) DeleteSession(ctx context.Context, domain storage.SessionDomain, id string) (err error) {
	key := sessionKey{domain, id}
	s.tx(func() {
		if _, ok := s.sessions[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.sessions, key)
	})
	return
}

func (s *memStorage) SweepExpiredSessions(ctx context.Context, now time.Time) (n int64, err error) {
	s.tx(func() {
		for key, sess := range s.sessions {
			if sess.Expired(now) {
				delete(s.sessions, key)
				n++
			}
		}
	})
	return
}

// ---- OpaqueLoginSessions ----

func (s *memStorage) CreateOpaqueLoginSession(ctx context.Context, sess storage.OpaqueLoginSession) (err error) {
	s.tx(func() {
		if _, ok := s.opaqueLogins[sess.SessionID]; ok {
			err = storage.ErrAlreadyExists
			return
		}
		s.opaqueLogins[sess.SessionID] = sess
	})
	return
}

func (s *memStorage) TakeOpaqueLoginSession(ctx context.Context, sessionID string) (sess storage.OpaqueLoginSession, err error) {
	s.tx(func() {
		var ok bool
		if sess, ok = s.opaqueLogins[sessionID]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.opaqueLogins, sessionID)
	})
	return
}

func (s *memStorage) SweepExpiredOpaqueLoginSessions(ctx context.Context, now time.Time) (n int64, err error) {
	s.tx(func() {
		for id, sess := range s.opaqueLogins {
			if now.After(sess.ExpiresAt) {
				delete(s.opaqueLogins, id)
				n++
			}
		}
	})
	return
}

// ---- OTPRecords ----

func (s *memStorage) GetOTPRecord(ctx context.Context, domain storage.SessionDomain, identity string) (rec storage.OTPRecord, err error) {
	s.tx(func() {
		var ok bool
		if rec, ok = s.otpRecords[otpKey{domain, identity}]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) UpsertOTPRecord(ctx context.Context, rec storage.OTPRecord) error {
	s.tx(func() {
		s.otpRecords[otpKey{rec.Domain, rec.Identity}] = rec
	})
	return nil
}

func (s *memStorage) DeleteOTPRecord(ctx context.Context, domain storage.SessionDomain, identity string) (err error) {
	key := otpKey{domain, identity}
	s.tx(func() {
		if _, ok := s.otpRecords[key]; !ok {
			err = storage.ErrNotFound
			return
		}
		delete(s.otpRecords, key)
	})
	return
}

func (s *memStorage) ConsumeBackupCode(ctx context.Context, domain storage.SessionDomain, identity, codeHash string) (found bool, err error) {
	key := otpKey{domain, identity}
	s.tx(func() {
		rec, ok := s.otpRecords[key]
		if !ok {
			err = storage.ErrNotFound
			return
		}
		remaining := rec.BackupCodeHashes[:0]
		for _, h := range rec.BackupCodeHashes {
			if h == codeHash && !found {
				found = true
				continue
			}
			remaining = append(remaining, h)
		}
		if found {
			rec.BackupCodeHashes = remaining
			s.otpRecords[key] = rec
		}
	})
	return
}

// ---- Policy ----

func (s *memStorage) GetUserGroups(ctx context.Context, sub string) (out []storage.Group, err error) {
	s.tx(func() {
		for _, key := range s.userGroups[sub] {
			if g, ok := s.groups[key]; ok {
				out = append(out, g)
			}
		}
	})
	return
}

func (s *memStorage) GetUserRoles(ctx context.Context, sub string) (out []storage.Role, err error) {
	s.tx(func() {
		for _, key := range s.userRoles[sub] {
			if r, ok := s.roles[key]; ok {
				out = append(out, r)
			}
		}
	})
	return
}

// ---- Settings ----

func (s *memStorage) GetSetting(ctx context.Context, key string) (st storage.Setting, err error) {
	s.tx(func() {
		var ok bool
		if st, ok = s.settings[key]; !ok {
			err = storage.ErrNotFound
		}
	})
	return
}

func (s *memStorage) SetSetting(ctx context.Context, st storage.Setting) error {
	s.tx(func() {
		s.settings[st.Key] = st
	})
	return nil
}

func (s *memStorage) ListSettings(ctx context.Context) (out []storage.Setting, err error) {
	s.tx(func() {
		for _, st := range s.settings {
			out = append(out, st)
		}
	})
	return
}

// ---- Audit ----

func (s *memStorage) WriteAudit(ctx context.Context, e storage.AuditEntry) error {
	s.logger.Info("audit",
		"actor", e.Actor,
		"eventType", e.EventType,
		"resourceType", e.ResourceType,
		"resourceId", e.ResourceID,
		"outcome", e.Outcome,
	)
	return nil
}
