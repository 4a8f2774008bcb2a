// Package kek derives the key-encryption key that wraps JWT signing keys at
// rest, and manages the signing-key lifecycle (generation, rotation,
// retirement, JWKS publication) described in spec §4.B.
package kek

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/argon2"

	"github.com/puzed/darkauth/internal/apierror"
	"github.com/puzed/darkauth/internal/dcrypto"
	"github.com/puzed/darkauth/storage"
)

// ArgonParams tunes the Argon2id KDF used to derive the KEK from an
// operator-supplied passphrase. Defaults match spec §4.B's guidance:
// memory-hard enough to resist offline brute force of a leaked salt.
type ArgonParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

// DefaultArgonParams is used when the deployment config does not override
// them.
var DefaultArgonParams = ArgonParams{Time: 3, MemoryKB: 64 * 1024, Threads: 4}

const kekSaltSettingKey = "kek_salt"
const kekSize = 32

// Derive produces a 32-byte KEK from a passphrase and salt using Argon2id.
func Derive(passphrase string, salt []byte, params ArgonParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKB, params.Threads, kekSize)
}

// LoadOrCreateSalt fetches the persisted KEK salt, generating and storing a
// fresh one on first run. The salt is not secret; only the passphrase and
// the derived KEK are.
func LoadOrCreateSalt(ctx context.Context, s storage.Settings) ([]byte, error) {
	existing, err := s.GetSetting(ctx, kekSaltSettingKey)
	if err == nil {
		return dcrypto.Base64URLDecode(existing.Value)
	}
	if err != storage.ErrNotFound {
		return nil, fmt.Errorf("load kek salt: %w", err)
	}
	salt, err := dcrypto.RandomBytes(16)
	if err != nil {
		return nil, err
	}
	if err := s.SetSetting(ctx, storage.Setting{Key: kekSaltSettingKey, Value: dcrypto.Base64URLEncode(salt), Secure: true}); err != nil {
		return nil, fmt.Errorf("store kek salt: %w", err)
	}
	return salt, nil
}

// Keyring owns the active and retired JWT signing keys, wrapping private
// material at rest under the KEK and rotating on the schedule spec §4.B
// describes: a rotation frequency and a retention window past it during
// which a retired key's public half still verifies previously-issued
// tokens.
type Keyring struct {
	storage           storage.SigningKeys
	kek               []byte
	clock             clockwork.Clock
	logger            *slog.Logger
	rotationFrequency time.Duration
	retireFor         time.Duration
}

// New constructs a Keyring. rotationFrequency and retireFor mirror the
// teacher's RotationStrategy: how often a fresh key is minted, and how long
// a retired key's public half is kept in the JWKS response after rotation.
func New(store storage.SigningKeys, kekBytes []byte, clock clockwork.Clock, logger *slog.Logger, rotationFrequency, retireFor time.Duration) *Keyring {
	return &Keyring{
		storage:           store,
		kek:               kekBytes,
		clock:             clock,
		logger:            logger,
		rotationFrequency: rotationFrequency,
		retireFor:         retireFor,
	}
}

// EnsureActiveKey generates a signing key if none is active yet, idempotent
// across process restarts.
func (k *Keyring) EnsureActiveKey(ctx context.Context) error {
	active, err := k.storage.ListActiveSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("list active signing keys: %w", err)
	}
	if len(active) > 0 {
		return nil
	}
	return k.generate(ctx)
}

// RotateIfDue mints a new signing key and demotes the current one to
// retired if the rotation frequency has elapsed, per spec §4.B "Key
// rotation".
func (k *Keyring) RotateIfDue(ctx context.Context) error {
	active, err := k.storage.ListActiveSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("list active signing keys: %w", err)
	}
	if len(active) == 0 {
		return k.generate(ctx)
	}
	newest := active[0]
	for _, a := range active[1:] {
		if a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	if k.clock.Now().Before(newest.CreatedAt.Add(k.rotationFrequency)) {
		return nil
	}
	k.logger.Info("rotating signing key", "previousKid", newest.Kid)
	if err := k.generate(ctx); err != nil {
		return err
	}
	for _, a := range active {
		if a.Kid == newest.Kid {
			continue
		}
		if err := k.storage.RetireSigningKey(ctx, a.Kid); err != nil {
			return fmt.Errorf("retire stale active key %s: %w", a.Kid, err)
		}
	}
	return k.storage.RetireSigningKey(ctx, newest.Kid)
}

func (k *Keyring) generate(ctx context.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return apierror.Wrap(apierror.Crypto, err)
	}
	kid := storage.NewID()

	pubJWK := jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: string(jose.EdDSA), Use: "sig"}

	// The private JWK wrapper is never persisted; only the raw seed is
	// sealed under the KEK and rehydrated into an ed25519.PrivateKey on use.
	wrapped, err := dcrypto.SealAESGCM(k.kek, []byte(priv), []byte(kid))
	if err != nil {
		return err
	}
	pubJSON, err := pubJWK.MarshalJSON()
	if err != nil {
		return apierror.Wrap(apierror.Internal, err)
	}

	return k.storage.InsertSigningKey(ctx, storage.SigningKey{
		Kid:            kid,
		Algorithm:      string(jose.EdDSA),
		WrappedPrivate: wrapped,
		PublicJWKJSON:  pubJSON,
		CreatedAt:      k.clock.Now(),
		Active:         true,
	})
}

// unwrap recovers the ed25519 private key sealed under the KEK.
func (k *Keyring) unwrap(sk storage.SigningKey) (ed25519.PrivateKey, error) {
	raw, err := dcrypto.OpenAESGCM(k.kek, sk.WrappedPrivate, []byte(sk.Kid))
	if err != nil {
		return nil, err
	}
	return ed25519.PrivateKey(raw), nil
}

// Sign produces a compact JWS over payload using the current active
// signing key.
func (k *Keyring) Sign(ctx context.Context, payload []byte) (string, string, error) {
	active, err := k.storage.ListActiveSigningKeys(ctx)
	if err != nil {
		return "", "", fmt.Errorf("list active signing keys: %w", err)
	}
	if len(active) == 0 {
		return "", "", apierror.New(apierror.Internal, "no active signing key")
	}
	sk := active[0]
	priv, err := k.unwrap(sk)
	if err != nil {
		return "", "", err
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": sk.Kid},
	})
	if err != nil {
		return "", "", apierror.Wrap(apierror.Internal, err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", "", apierror.Wrap(apierror.Internal, err)
	}
	compact, err := sig.CompactSerialize()
	if err != nil {
		return "", "", apierror.Wrap(apierror.Internal, err)
	}
	return compact, sk.Kid, nil
}

// WrapSecret seals plaintext under the KEK, bound to aad (typically a
// client ID or user sub), for values the caller must later recover in
// full rather than only verify, e.g. a confidential client's secret or a
// user's DRK (spec §4.E "DRK delivery").
func (k *Keyring) WrapSecret(plaintext, aad []byte) ([]byte, error) {
	return dcrypto.SealAESGCM(k.kek, plaintext, aad)
}

// UnwrapSecret reverses WrapSecret.
func (k *Keyring) UnwrapSecret(sealed, aad []byte) ([]byte, error) {
	return dcrypto.OpenAESGCM(k.kek, sealed, aad)
}

// JWKS builds the published key set: every active key's public half plus
// any retired key still within its retention window, per spec §4.B and
// the discovery surface of §4.E.
func (k *Keyring) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	all, err := k.storage.ListAllSigningKeys(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("list signing keys: %w", err)
	}
	now := k.clock.Now()
	set := jose.JSONWebKeySet{}
	for _, sk := range all {
		if sk.Retired && now.After(sk.CreatedAt.Add(k.rotationFrequency).Add(k.retireFor)) {
			continue
		}
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(sk.PublicJWKJSON); err != nil {
			k.logger.Warn("skipping unparsable signing key in jwks", "kid", sk.Kid, "error", err)
			continue
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}
