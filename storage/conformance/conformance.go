// Package conformance provides a shared behavioral test suite run against
// every storage.Storage implementation, so storage/memory and storage/sql
// are held to identical semantics.
package conformance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puzed/darkauth/storage"
)

// neverExpire is used for rows under test that should never be swept.
var neverExpire = time.Now().UTC().Add(time.Hour * 24 * 365 * 100)

type subTest struct {
	name string
	run  func(t *testing.T, s storage.Storage)
}

func runTests(t *testing.T, newStorage func() storage.Storage, tests []subTest) {
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStorage()
			test.run(t, s)
			require.NoError(t, s.Close())
		})
	}
}

// RunTests runs the full conformance suite against a storage.Storage.
// newStorage must return an initialized but empty store; it is closed at
// the end of each subtest.
func RunTests(t *testing.T, newStorage func() storage.Storage) {
	runTests(t, newStorage, []subTest{
		{"UserCRUD", testUserCRUD},
		{"OpaqueRecordCRUD", testOpaqueRecordCRUD},
		{"ClientCRUD", testClientCRUD},
		{"SigningKeyCRUD", testSigningKeyCRUD},
		{"PendingAuthCRUD", testPendingAuthCRUD},
		{"AuthCodeCRUD", testAuthCodeCRUD},
		{"SessionCRUD", testSessionCRUD},
		{"OpaqueLoginSessionCRUD", testOpaqueLoginSessionCRUD},
		{"OTPRecordCRUD", testOTPRecordCRUD},
		{"SettingsCRUD", testSettingsCRUD},
		{"GarbageCollection", testGC},
	})
}

func testUserCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	u := storage.User{
		Sub:         storage.NewID(),
		Email:       "Jane@Example.com",
		DisplayName: "Jane",
		CreatedAt:   neverExpire,
		UpdatedAt:   neverExpire,
	}

	err := s.DeleteUser(ctx, u.Sub)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateUser(ctx, u))
	require.ErrorIs(t, s.CreateUser(ctx, u), storage.ErrAlreadyExists)

	got, err := s.GetUserBySub(ctx, u.Sub)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)

	got, err = s.GetUserByEmail(ctx, "jane@example.com")
	require.NoError(t, err, "email lookup must be case-insensitive")
	assert.Equal(t, u.Sub, got.Sub)

	require.NoError(t, s.UpdateUser(ctx, u.Sub, func(old storage.User) (storage.User, error) {
		old.DisplayName = "Jane Doe"
		return old, nil
	}))
	got, err = s.GetUserBySub(ctx, u.Sub)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got.DisplayName)

	require.NoError(t, s.DeleteUser(ctx, u.Sub))
	_, err = s.GetUserBySub(ctx, u.Sub)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testOpaqueRecordCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sub := storage.NewID()
	require.NoError(t, s.CreateUser(ctx, storage.User{Sub: sub, Email: "rec@example.com", CreatedAt: neverExpire, UpdatedAt: neverExpire}))

	rec := storage.OpaqueRecord{Sub: sub, Envelope: []byte("env"), ServerKeyMaterial: []byte("ks"), UpdatedAt: neverExpire}
	require.NoError(t, s.UpsertOpaqueRecord(ctx, rec))

	got, err := s.GetOpaqueRecord(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, rec.Envelope, got.Envelope)

	rec.Envelope = []byte("env2")
	require.NoError(t, s.UpsertOpaqueRecord(ctx, rec))
	got, err = s.GetOpaqueRecord(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, []byte("env2"), got.Envelope)

	require.NoError(t, s.DeleteOpaqueRecord(ctx, sub))
	_, err = s.GetOpaqueRecord(ctx, sub)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClientCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	c := storage.Client{
		ClientID:                "darkauth-console",
		Kind:                    storage.ClientPublic,
		RedirectURIs:            []string{"https://app.example.com/callback"},
		RequirePKCE:             true,
		ZKDelivery:              storage.ZKDeliveryFragmentJWE,
		ZKRequired:              true,
		TokenEndpointAuthMethod: storage.AuthMethodNone,
		AllowedScopes:           []storage.ScopeDescriptor{{Key: "openid"}},
		AllowedZKOrigins:        []string{"https://app.example.com"},
		CreatedAt:               neverExpire,
		UpdatedAt:               neverExpire,
	}

	err := s.DeleteClient(ctx, c.ClientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UpsertClient(ctx, c))

	got, err := s.GetClient(ctx, c.ClientID)
	require.NoError(t, err)
	assert.True(t, got.HasRedirectURI("https://app.example.com/callback"))
	assert.True(t, got.AllowsScope("openid"))
	assert.True(t, got.AllowsZKOrigin("https://app.example.com/"))

	list, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	c.RequirePKCE = false
	require.NoError(t, s.UpsertClient(ctx, c))
	got, err = s.GetClient(ctx, c.ClientID)
	require.NoError(t, err)
	assert.False(t, got.RequirePKCE)

	require.NoError(t, s.DeleteClient(ctx, c.ClientID))
	_, err = s.GetClient(ctx, c.ClientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSigningKeyCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	k := storage.SigningKey{
		Kid:            storage.NewID(),
		Algorithm:      "EdDSA",
		WrappedPrivate: []byte("wrapped"),
		PublicJWKJSON:  []byte(`{"kty":"OKP"}`),
		CreatedAt:      neverExpire,
		Active:         true,
	}
	require.NoError(t, s.InsertSigningKey(ctx, k))
	require.ErrorIs(t, s.InsertSigningKey(ctx, k), storage.ErrAlreadyExists)

	active, err := s.ListActiveSigningKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, s.RetireSigningKey(ctx, k.Kid))
	active, err = s.ListActiveSigningKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListAllSigningKeys(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Retired)

	assert.ErrorIs(t, s.RetireSigningKey(ctx, "missing"), storage.ErrNotFound)
}

func testPendingAuthCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	p := storage.PendingAuth{
		RequestID:           storage.NewID(),
		ClientID:            "darkauth-console",
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       "abc",
		CodeChallengeMethod: "S256",
		Origin:              "https://app.example.com",
		CreatedAt:           time.Now().UTC(),
		ExpiresAt:           neverExpire,
	}
	require.NoError(t, s.CreatePendingAuth(ctx, p))
	require.ErrorIs(t, s.CreatePendingAuth(ctx, p), storage.ErrAlreadyExists)

	require.NoError(t, s.BindPendingAuthSubject(ctx, p.RequestID, "sub-1"))
	got, err := s.GetPendingAuth(ctx, p.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", got.UserSub)

	consumed, err := s.ConsumePendingAuth(ctx, p.RequestID)
	require.NoError(t, err)
	assert.Equal(t, p.RequestID, consumed.RequestID)

	_, err = s.ConsumePendingAuth(ctx, p.RequestID)
	assert.ErrorIs(t, err, storage.ErrConsumed)
}

func testAuthCodeCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	hash := "deadbeef"
	a := storage.AuthCode{
		RequestID:   storage.NewID(),
		ClientID:    "darkauth-console",
		UserSub:     "sub-1",
		RedirectURI: "https://app.example.com/callback",
		Scopes:      []string{"openid"},
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   neverExpire,
	}
	require.NoError(t, s.CreateAuthCode(ctx, hash, a))
	require.ErrorIs(t, s.CreateAuthCode(ctx, hash, a), storage.ErrAlreadyExists)

	got, err := s.ConsumeAuthCode(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, a.ClientID, got.ClientID)

	_, err = s.ConsumeAuthCode(ctx, hash)
	assert.ErrorIs(t, err, storage.ErrConsumed, "a code must be single-use")
}

func testSessionCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	sess := storage.Session{
		ID:         storage.NewID(),
		Domain:     storage.DomainUser,
		Sub:        "sub-1",
		CSRFToken:  "csrf-1",
		CreatedAt:  time.Now().UTC(),
		LastSeenAt: time.Now().UTC(),
		ExpiresAt:  neverExpire,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.ErrorIs(t, s.CreateSession(ctx, sess), storage.ErrAlreadyExists)

	got, err := s.GetSession(ctx, storage.DomainUser, sess.ID)
	require.NoError(t, err)
	assert.False(t, got.OTPElevated)

	require.NoError(t, s.MarkSessionOTPElevated(ctx, storage.DomainUser, sess.ID))
	got, err = s.GetSession(ctx, storage.DomainUser, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.OTPElevated)

	newExpiry := neverExpire.Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, storage.DomainUser, sess.ID, time.Now().UTC(), newExpiry))
	got, err = s.GetSession(ctx, storage.DomainUser, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, newExpiry.Unix(), got.ExpiresAt.Unix())

	_, err = s.GetSession(ctx, storage.DomainAdmin, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "user and admin session domains must be disjoint")

	require.NoError(t, s.DeleteSession(ctx, storage.DomainUser, sess.ID))
	_, err = s.GetSession(ctx, storage.DomainUser, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testOpaqueLoginSessionCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ol := storage.OpaqueLoginSession{
		SessionID: storage.NewID(),
		Identity:  "jane@example.com",
		Domain:    storage.DomainUser,
		Kind:      "login",
		State:     []byte("opaque-state"),
		ExpiresAt: neverExpire,
	}
	require.NoError(t, s.CreateOpaqueLoginSession(ctx, ol))

	got, err := s.TakeOpaqueLoginSession(ctx, ol.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ol.State, got.State)

	_, err = s.TakeOpaqueLoginSession(ctx, ol.SessionID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "take must be single-use")
}

func testOTPRecordCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	rec := storage.OTPRecord{
		Identity:         "sub-1",
		Domain:           storage.DomainUser,
		SecretBase32:     "JBSWY3DPEHPK3PXP",
		BackupCodeHashes: []string{"hash-a", "hash-b"},
		CreatedAt:        neverExpire,
		UpdatedAt:        neverExpire,
	}
	require.NoError(t, s.UpsertOTPRecord(ctx, rec))

	got, err := s.GetOTPRecord(ctx, storage.DomainUser, rec.Identity)
	require.NoError(t, err)
	assert.Equal(t, rec.SecretBase32, got.SecretBase32)

	found, err := s.ConsumeBackupCode(ctx, storage.DomainUser, rec.Identity, "hash-a")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.ConsumeBackupCode(ctx, storage.DomainUser, rec.Identity, "hash-a")
	require.NoError(t, err)
	assert.False(t, found, "a backup code must not be reusable")

	got, err = s.GetOTPRecord(ctx, storage.DomainUser, rec.Identity)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-b"}, got.BackupCodeHashes)

	require.NoError(t, s.DeleteOTPRecord(ctx, storage.DomainUser, rec.Identity))
	_, err = s.GetOTPRecord(ctx, storage.DomainUser, rec.Identity)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSettingsCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	st := storage.Setting{Key: "issuer_url", Value: "https://auth.example.com"}
	require.NoError(t, s.SetSetting(ctx, st))

	got, err := s.GetSetting(ctx, "issuer_url")
	require.NoError(t, err)
	assert.Equal(t, st.Value, got.Value)

	st.Value = "https://auth2.example.com"
	require.NoError(t, s.SetSetting(ctx, st))
	got, err = s.GetSetting(ctx, "issuer_url")
	require.NoError(t, err)
	assert.Equal(t, st.Value, got.Value)

	list, err := s.ListSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testGC(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.CreatePendingAuth(ctx, storage.PendingAuth{
		RequestID: storage.NewID(), CreatedAt: past, ExpiresAt: past,
	}))
	require.NoError(t, s.CreateAuthCode(ctx, "expired-hash", storage.AuthCode{
		RequestID: storage.NewID(), IssuedAt: past, ExpiresAt: past,
	}))
	require.NoError(t, s.CreateSession(ctx, storage.Session{
		ID: storage.NewID(), Domain: storage.DomainUser, CreatedAt: past, LastSeenAt: past, ExpiresAt: past,
	}))
	require.NoError(t, s.CreateOpaqueLoginSession(ctx, storage.OpaqueLoginSession{
		SessionID: storage.NewID(), Domain: storage.DomainUser, ExpiresAt: past,
	}))

	now := time.Now().UTC()
	n, err := s.SweepExpiredPendingAuth(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.SweepExpiredAuthCodes(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.SweepExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.SweepExpiredOpaqueLoginSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
