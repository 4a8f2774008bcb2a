// Package zkjwe builds the DRK-JWE fragment of spec §4.E step 7: when a
// pending authorization carries a client-supplied zk_pub, the token
// endpoint wraps the user's Data Root Key to that ephemeral public key
// via ECDH-ES+A256KW so the plaintext DRK is never visible to the server
// at token-issuance time, only at the moment it was originally wrapped.
package zkjwe

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"math/big"

	"github.com/go-jose/go-jose/v4"

	"github.com/puzed/darkauth/internal/apierror"
)

// Seal wraps drk (the user's plaintext Data Root Key, already recovered
// from its server-side wrapped form) to the client's ephemeral P-256
// public key, returning a compact JWE string.
func Seal(drk []byte, zkPub *ecdh.PublicKey) (string, error) {
	ecdsaPub, err := toECDSA(zkPub)
	if err != nil {
		return "", err
	}
	recipient := jose.Recipient{Algorithm: jose.ECDH_ES_A256KW, Key: ecdsaPub}
	encrypter, err := jose.NewEncrypter(jose.A256GCM, recipient, nil)
	if err != nil {
		return "", apierror.Wrap(apierror.Crypto, err)
	}
	obj, err := encrypter.Encrypt(drk)
	if err != nil {
		return "", apierror.Wrap(apierror.Crypto, err)
	}
	compact, err := obj.CompactSerialize()
	if err != nil {
		return "", apierror.Wrap(apierror.Crypto, err)
	}
	return compact, nil
}

// toECDSA re-expresses a crypto/ecdh P-256 public key as a crypto/ecdsa
// one, since go-jose's ECDH-ES recipient keys are typed as *ecdsa.PublicKey.
// The curve point itself is identical; only the Go type differs.
func toECDSA(pub *ecdh.PublicKey) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, apierror.New(apierror.Validation, "zk_pub is not an uncompressed P-256 point")
	}
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
