// Package handshake negotiates a codec.Codec between two peers over a
// fresh, unencrypted framed channel, per spec.md §4.3. Exactly one round
// trip runs for either algorithm; the handshake commits no server-side
// state until it succeeds.
package handshake

import (
	"bytes"
	"io"

	"github.com/braidwire/braidwire/codec"
	"github.com/braidwire/braidwire/ferrors"
	"github.com/braidwire/braidwire/framing"
	"github.com/braidwire/braidwire/modp"
)

// Algorithm selects the handshake variant a client offers.
type Algorithm string

const (
	AlgPlain Algorithm = "plain"
	AlgDH    Algorithm = "dh"
)

// Wire tags, ASCII byte sequences exchanged verbatim per spec.md §3/§6.
var (
	tagPlain  = []byte("ALG:PLAIN")
	tagDH     = []byte("ALG:DHMP14")
	tagDHResp = []byte("ALG:DHMP14R")
)

// infoPrefix is the fixed HKDF info prefix for the transport key, per
// spec.md §3. It must never change: it is part of the cross-version wire
// contract.
const infoPrefix = "MODP-2048-AESGCM-CHAT"

// ClientNegotiate runs the client side of the handshake and returns the
// installed codec.
func ClientNegotiate(rw io.ReadWriter, alg Algorithm) (codec.Codec, error) {
	switch alg {
	case AlgPlain, "":
		if err := framing.WriteFrame(rw, tagPlain); err != nil {
			return nil, err
		}
		return codec.Identity{}, nil
	case AlgDH:
		secret, err := modp.RandSecret()
		if err != nil {
			return nil, err
		}
		pub := modp.GenPub(secret)
		pubBytes := modp.I2B(pub)

		offer := append(append([]byte{}, tagDH...), pubBytes...)
		if err := framing.WriteFrame(rw, offer); err != nil {
			return nil, err
		}

		resp, err := framing.ReadFrame(rw)
		if err != nil {
			return nil, err
		}
		if len(resp) != len(tagDHResp)+modp.BLEN || !bytes.HasPrefix(resp, tagDHResp) {
			return nil, ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeUnknownAlgorithm, nil)
		}
		serverPubBytes := resp[len(tagDHResp):]
		serverPub := modp.B2I(serverPubBytes)
		if err := modp.ValidatePublic(serverPub); err != nil {
			return nil, err
		}

		info := make([]byte, 0, len(infoPrefix)+len(pubBytes)+len(serverPubBytes))
		info = append(info, infoPrefix...)
		info = append(info, pubBytes...)
		info = append(info, serverPubBytes...)
		key, err := modp.DeriveKey(secret, serverPub, info)
		if err != nil {
			return nil, err
		}
		return codec.NewAEAD(key)
	default:
		return nil, ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeUnknownAlgorithm, nil)
	}
}

// ServerNegotiate runs the server side of the handshake over the first frame
// read from rw and returns the installed codec.
func ServerNegotiate(rw io.ReadWriter) (codec.Codec, error) {
	first, err := framing.ReadFrame(rw)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(first, tagPlain) {
		return codec.Identity{}, nil
	}
	if bytes.HasPrefix(first, tagDH) && len(first) == len(tagDH)+modp.BLEN {
		clientPubBytes := first[len(tagDH):]
		clientPub := modp.B2I(clientPubBytes)
		if err := modp.ValidatePublic(clientPub); err != nil {
			return nil, err
		}

		secret, err := modp.RandSecret()
		if err != nil {
			return nil, err
		}
		pub := modp.GenPub(secret)
		pubBytes := modp.I2B(pub)

		reply := append(append([]byte{}, tagDHResp...), pubBytes...)
		if err := framing.WriteFrame(rw, reply); err != nil {
			return nil, err
		}

		info := make([]byte, 0, len(infoPrefix)+len(clientPubBytes)+len(pubBytes))
		info = append(info, infoPrefix...)
		info = append(info, clientPubBytes...)
		info = append(info, pubBytes...)
		key, err := modp.DeriveKey(secret, clientPub, info)
		if err != nil {
			return nil, err
		}
		return codec.NewAEAD(key)
	}
	return nil, ferrors.Wrap(ferrors.StageHandshake, ferrors.CodeUnknownAlgorithm, nil)
}
