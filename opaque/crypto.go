package opaque

// The group and hash choices mirror the reference suite named in spec §4.C:
// Ristretto255 as the prime-order group, SHA3/Keccak as H, Elligator2
// (FromUniformBytes) as the hash-to-curve map H'. All group operations are
// constant-time by construction of the ristretto255 package.

import (
	"crypto/rand"

	ristretto "github.com/gtank/ristretto255"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// randomScalar returns a uniformly random ristretto255 scalar.
func randomScalar() *ristretto.Scalar {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		panic("opaque: could not get entropy")
	}
	return new(ristretto.Scalar).FromUniformBytes(b)
}

// prf is blake2b keyed with the derived shared secret.
func prf(k []byte, x []byte) []byte {
	b, err := blake2b.New256(k)
	if err != nil {
		panic(err)
	}
	b.Write(x)
	return b.Sum(nil)
}

// keyExchangeServer computes the server's view of the shared ECDH-style
// transcript secret from the static/ephemeral key pairs of both parties.
func keyExchangeServer(ps *ristretto.Scalar, xs *ristretto.Scalar, Pu, Xu *ristretto.Element) []byte {
	xsPu := new(ristretto.Element).ScalarMult(xs, Pu)
	psXu := new(ristretto.Element).ScalarMult(ps, Xu)
	xsXu := new(ristretto.Element).ScalarMult(xs, Xu)
	secret := append(xsPu.Encode(nil), psXu.Encode(nil)...)
	secret = append(secret, xsXu.Encode(nil)...)
	sum := sha3.Sum256(secret)
	return sum[:]
}
