// Package codec implements the two wire codecs negotiated by the handshake:
// Identity (no transform) and AEAD (AES-256-GCM with a random 12-byte
// nonce). It is the Go-native tagged variant of the source's duck-typed
// AsyncCodec, per spec.md §9's "Polymorphism of codec" design note.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"github.com/braidwire/braidwire/ferrors"
)

// NonceLen is the AES-GCM nonce size used on the wire.
const NonceLen = 12

// errOpen is the cause wrapped when a wire message cannot be opened.
var errOpen = errors.New("cipher: message authentication failed")

// Codec transforms plaintext to wire bytes and back. Both variants are safe
// to call concurrently for independent encode/decode calls; they hold no
// mutable state beyond the AEAD key.
type Codec interface {
	Encode(plaintext []byte) ([]byte, error)
	Decode(wire []byte) ([]byte, error)
}

// Identity is the zero-copy codec installed after a plain handshake.
type Identity struct{}

func (Identity) Encode(plaintext []byte) ([]byte, error) { return plaintext, nil }
func (Identity) Decode(wire []byte) ([]byte, error)      { return wire, nil }

// AEAD is the AES-256-GCM codec installed after a Diffie-Hellman handshake.
// The wire format is nonce(12) || ciphertext-with-tag, no associated data.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD constructs an AEAD codec from a 32-byte derived key.
func NewAEAD(key [32]byte) (*AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if gcm.NonceSize() != NonceLen {
		return nil, ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeAuthFailure, errOpen)
	}
	return &AEAD{aead: gcm}, nil
}

// Encode generates a fresh random nonce and returns nonce||ciphertext, with
// no associated data.
func (a *AEAD) Encode(plaintext []byte) ([]byte, error) {
	return a.EncodeWithAAD(plaintext, nil)
}

// Decode splits the leading nonce and opens the remaining ciphertext,
// assuming no associated data. It fails with ferrors.CodeAuthFailure on tag
// mismatch, truncated nonce, or a mismatched key.
func (a *AEAD) Decode(wire []byte) ([]byte, error) {
	return a.DecodeWithAAD(wire, nil)
}

// EncodeWithAAD is Encode with explicit associated data, used by callers
// (such as the e2e package) whose wire format binds a sender/recipient tag
// into the AEAD tag.
func (a *AEAD) EncodeWithAAD(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := a.aead.Seal(nonce, nonce, plaintext, aad)
	return out, nil
}

// DecodeWithAAD is Decode with explicit associated data.
func (a *AEAD) DecodeWithAAD(wire, aad []byte) ([]byte, error) {
	if len(wire) < NonceLen {
		return nil, ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeAuthFailure, errOpen)
	}
	nonce, ct := wire[:NonceLen], wire[NonceLen:]
	pt, err := a.aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeAuthFailure, err)
	}
	return pt, nil
}
