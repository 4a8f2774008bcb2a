package zkjwe

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrips(t *testing.T) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)

	drk := []byte("thirty-two-byte-data-root-key!!")
	compact, err := Seal(drk, priv.PublicKey())
	require.NoError(t, err)
	require.NotEmpty(t, compact)

	ecdsaPriv := ecdsaPrivateKeyFromECDH(t, priv)
	obj, err := jose.ParseEncrypted(compact, []jose.KeyAlgorithm{jose.ECDH_ES_A256KW}, []jose.ContentEncryption{jose.A256GCM})
	require.NoError(t, err)
	plaintext, err := obj.Decrypt(ecdsaPriv)
	require.NoError(t, err)
	require.Equal(t, drk, plaintext)
}

// ecdsaPrivateKeyFromECDH re-expresses a crypto/ecdh P-256 private key as
// a crypto/ecdsa one purely so the test can drive go-jose's decrypt path,
// which is typed against *ecdsa.PrivateKey.
func ecdsaPrivateKeyFromECDH(t *testing.T, priv *ecdh.PrivateKey) *ecdsa.PrivateKey {
	t.Helper()
	pubRaw := priv.PublicKey().Bytes()
	require.Len(t, pubRaw, 65)
	x := new(big.Int).SetBytes(pubRaw[1:33])
	y := new(big.Int).SetBytes(pubRaw[33:65])
	d := new(big.Int).SetBytes(priv.Bytes())
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         d,
	}
}
