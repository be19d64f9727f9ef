// Package modp implements the MODP-2048 (RFC 3526 Group 14) Diffie-Hellman
// group shared by the transport handshake (package handshake) and the E2E key
// agreement (e2e.Manager). Both callers derive keys through the same
// HKDF-SHA256 construction over a big-endian fixed-width shared secret; only
// the "info" string differs, per spec.md §3.
package modp

import (
	"crypto/rand"
	"math/big"

	"github.com/braidwire/braidwire/ferrors"
	"github.com/braidwire/braidwire/internal/hkdf"
)

// pHex is the 2048-bit MODP Group 14 safe prime from RFC 3526.
const pHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381" +
	"FFFFFFFFFFFFFFFF"

var (
	// P is the MODP-2048 group modulus.
	P = mustParseHex(pHex)
	// G is the group generator.
	G = big.NewInt(2)
	// two and pMinus1 bound valid secrets and public values: 1 < v < P-1.
	two     = big.NewInt(2)
	pMinus1 = new(big.Int).Sub(P, big.NewInt(1))
	pMinus2 = new(big.Int).Sub(P, big.NewInt(2))
)

// BLEN is the fixed byte width of public values: ceil(bitlen(P)/8).
var BLEN = (P.BitLen() + 7) / 8

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("modp: invalid prime literal")
	}
	return n
}

// RandSecret samples a secret uniformly in [2, P-2].
func RandSecret() (*big.Int, error) {
	// big.Int.Rand-free: use crypto/rand.Int over [0, P-4] then shift to [2, P-2].
	span := new(big.Int).Sub(pMinus2, two)          // span = P-4
	bound := new(big.Int).Add(span, big.NewInt(1)) // [0, P-4] inclusive
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return nil, err
	}
	return n.Add(n, two), nil
}

// GenPub computes G^secret mod P.
func GenPub(secret *big.Int) *big.Int {
	return new(big.Int).Exp(G, secret, P)
}

// I2B encodes x as a BLEN-byte big-endian fixed-width value.
func I2B(x *big.Int) []byte {
	b := x.Bytes()
	if len(b) == BLEN {
		return b
	}
	out := make([]byte, BLEN)
	copy(out[BLEN-len(b):], b)
	return out
}

// B2I decodes a big-endian byte slice into an integer.
func B2I(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// ValidatePublic checks 1 < v < P-1, per spec.md §3's invariant on stored and
// received public values.
func ValidatePublic(v *big.Int) error {
	if v.Cmp(two) >= 0 && v.Cmp(pMinus1) < 0 {
		// v must additionally be strictly greater than 1: two<=v already implies v>1.
		return nil
	}
	return ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeBadPublicValue, nil)
}

// DeriveKey runs HKDF-SHA256 (empty salt, 32-byte output) over the
// BLEN-byte big-endian shared secret s = peerPub^ownSecret mod P, with the
// given info string.
func DeriveKey(ownSecret *big.Int, peerPub *big.Int, info []byte) ([32]byte, error) {
	s := new(big.Int).Exp(peerPub, ownSecret, P)
	prk := hkdf.ExtractSHA256(nil, I2B(s))
	okm, err := hkdf.ExpandSHA256(prk, info, 32)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], okm)
	return out, nil
}
