// Package dcrypto provides the crypto primitives shared by every component
// of the core: HKDF, AES-GCM, hashing, constant-time comparison, random byte
// generation, and P-256 JWK validation. Every error returned by this package
// is an opaque apierror.Crypto or apierror.Validation value; callers must
// never propagate the underlying library error text to a client.
package dcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/puzed/darkauth/internal/apierror"
)

const (
	gcmNonceSize = 12
	aesKeySize   = 32
)

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err)
	}
	return b, nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Base64URLEncode encodes data without padding, per spec §4.A.
func Base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64URLDecode decodes an unpadded base64url string.
func Base64URLDecode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, apierror.New(apierror.Validation, "malformed base64url value")
	}
	return b, nil
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// still run a comparison of equal length to avoid leaking the
		// length difference through branch timing of the caller.
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// HKDFExtractExpand derives outLen bytes of key material from secret using
// HKDF-SHA256 with the given salt and info, per spec §4.A.
func HKDFExtractExpand(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err)
	}
	return out, nil
}

// SealAESGCM encrypts plaintext under a 256-bit key with AES-256-GCM,
// returning iv || ciphertext || tag, optionally authenticating aad.
func SealAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, apierror.New(apierror.Crypto, "invalid key size")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, apierror.Wrap(apierror.Crypto, err)
	}
	nonce, err := RandomBytes(gcmNonceSize)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	return append(nonce, sealed...), nil
}

// OpenAESGCM is the inverse of SealAESGCM. Any failure, including
// authentication failure or malformed input, is reported as the same
// opaque Crypto error so the server never reveals which check failed.
func OpenAESGCM(key, sealed, aad []byte) ([]byte, error) {
	if len(key) != aesKeySize {
		return nil, apierror.New(apierror.Crypto, "decrypt failed")
	}
	if len(sealed) < gcmNonceSize {
		return nil, apierror.New(apierror.Crypto, "decrypt failed")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apierror.New(apierror.Crypto, "decrypt failed")
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, apierror.New(apierror.Crypto, "decrypt failed")
	}
	nonce, ciphertext := sealed[:gcmNonceSize], sealed[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, apierror.New(apierror.Crypto, "decrypt failed")
	}
	return plaintext, nil
}

// rawJWK is the minimal shape needed to validate a P-256 ECDH public key
// per spec §4.A / §4.E "ZK parameter validation", without accepting any
// object carrying a private component.
type rawJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// P256PublicKeyFromJWK validates and parses a JWK JSON string as a P-256
// ECDH public key. It rejects keys carrying a private component "d", and
// requires 32-byte base64url-encoded coordinates.
func P256PublicKeyFromJWK(jwkJSON []byte) (*ecdh.PublicKey, error) {
	var raw rawJWK
	if err := json.Unmarshal(jwkJSON, &raw); err != nil {
		return nil, apierror.New(apierror.Validation, "malformed JWK")
	}
	if raw.Kty != "EC" || raw.Crv != "P-256" {
		return nil, apierror.New(apierror.Validation, "zk_pub must be an EC P-256 key")
	}
	if raw.D != "" {
		return nil, apierror.New(apierror.Validation, "zk_pub must not contain a private component")
	}
	x, err := Base64URLDecode(raw.X)
	if err != nil || len(x) != 32 {
		return nil, apierror.New(apierror.Validation, "zk_pub has an invalid x coordinate")
	}
	y, err := Base64URLDecode(raw.Y)
	if err != nil || len(y) != 32 {
		return nil, apierror.New(apierror.Validation, "zk_pub has an invalid y coordinate")
	}

	uncompressed := make([]byte, 0, 65)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, x...)
	uncompressed = append(uncompressed, y...)

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, apierror.New(apierror.Validation, "zk_pub is not a valid point on P-256")
	}
	return pub, nil
}

// JWKThumbprintKid returns the SHA-256 base64url digest used as zkPubKid:
// the digest of the canonical JWK bytes as supplied by the client.
func JWKThumbprintKid(jwkJSON []byte) string {
	return Base64URLEncode(SHA256(jwkJSON))
}
