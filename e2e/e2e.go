// Package e2e implements end-to-end key agreement and message confidentiality
// layered on top of a connected chat session: every E2E participant carries
// its own MODP-2048 keypair, announces its public value over the broadcast
// channel, and derives a directional AES-256-GCM key per peer the first time
// it needs one. The server only ever sees these envelopes as opaque chat
// text, per spec.md §5.
package e2e

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/braidwire/braidwire/codec"
	"github.com/braidwire/braidwire/ferrors"
	"github.com/braidwire/braidwire/modp"
	"github.com/braidwire/braidwire/observability"
)

// Envelope tags, exchanged verbatim as plain chat text over the broadcast
// channel.
const (
	tagHello = "__E2E1_HELLO__:"
	tagReply = "__E2E1_REPLY__:"
	tagMsg   = "__E2E1_MSG__:"
)

// Sender is the subset of client.Session that the manager needs: a way to
// push plain chat text onto the wire. It lets e2e be tested without a real
// network connection.
type Sender interface {
	Send(text string) error
}

// Manager tracks one user's E2E identity: its own keypair, every peer public
// value it has learned, and lazily derived per-peer directional AEAD keys.
// A Manager is safe for concurrent use.
type Manager struct {
	send     Sender
	username string
	observer observability.Observer

	secret  *big.Int
	pubInt  *big.Int
	pubByte []byte

	mu        sync.Mutex
	peerPub   map[string]*big.Int
	peerBytes map[string][]byte
	aeadSend  map[string]*codec.AEAD
	aeadRecv  map[string]*codec.AEAD
}

// Option configures an optional aspect of a Manager at construction.
type Option func(*Manager)

// WithObserver records E2E control and message counters on o instead of
// discarding them.
func WithObserver(o observability.Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewManager generates a fresh MODP-2048 keypair for username and binds it
// to send for outgoing envelopes.
func NewManager(send Sender, username string, opts ...Option) (*Manager, error) {
	secret, err := modp.RandSecret()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.StageE2E, ferrors.CodeAuthFailure, err)
	}
	pub := modp.GenPub(secret)
	m := &Manager{
		send:      send,
		username:  username,
		observer:  observability.Noop,
		secret:    secret,
		pubInt:    pub,
		pubByte:   modp.I2B(pub),
		peerPub:   make(map[string]*big.Int),
		peerBytes: make(map[string][]byte),
		aeadSend:  make(map[string]*codec.AEAD),
		aeadRecv:  make(map[string]*codec.AEAD),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Users returns the usernames this manager has learned a public key for.
func (m *Manager) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peerPub))
	for u := range m.peerPub {
		out = append(out, u)
	}
	return out
}

// Announce broadcasts this manager's public value as a HELLO envelope.
func (m *Manager) Announce() error {
	return m.send.Send(tagHello + base64.URLEncoding.EncodeToString(m.pubByte))
}

func (m *Manager) reply() error {
	return m.send.Send(tagReply + base64.URLEncoding.EncodeToString(m.pubByte))
}

func infoFor(from, to string, fromPub, toPub []byte) []byte {
	info := make([]byte, 0, len("E2E1-MODP14|")+len(from)+2+len(to)+1+len(fromPub)+len(toPub))
	info = append(info, "E2E1-MODP14|"...)
	info = append(info, from...)
	info = append(info, "->"...)
	info = append(info, to...)
	info = append(info, '|')
	info = append(info, fromPub...)
	info = append(info, toPub...)
	return info
}

// ensureKeysLocked derives and caches the send/recv AEAD pair for peer, under
// m.mu. Callers must hold m.mu.
func (m *Manager) ensureKeysLocked(peer string) error {
	if _, ok := m.aeadSend[peer]; ok {
		if _, ok := m.aeadRecv[peer]; ok {
			return nil
		}
	}
	peerPub := m.peerPub[peer]
	peerBytes := m.peerBytes[peer]

	sendInfo := infoFor(m.username, peer, m.pubByte, peerBytes)
	recvInfo := infoFor(peer, m.username, peerBytes, m.pubByte)

	sendKey, err := modp.DeriveKey(m.secret, peerPub, sendInfo)
	if err != nil {
		return ferrors.Wrap(ferrors.StageE2E, ferrors.CodeAuthFailure, err)
	}
	recvKey, err := modp.DeriveKey(m.secret, peerPub, recvInfo)
	if err != nil {
		return ferrors.Wrap(ferrors.StageE2E, ferrors.CodeAuthFailure, err)
	}
	sendAEAD, err := codec.NewAEAD(sendKey)
	if err != nil {
		return ferrors.Wrap(ferrors.StageE2E, ferrors.CodeAuthFailure, err)
	}
	recvAEAD, err := codec.NewAEAD(recvKey)
	if err != nil {
		return ferrors.Wrap(ferrors.StageE2E, ferrors.CodeAuthFailure, err)
	}
	m.aeadSend[peer] = sendAEAD
	m.aeadRecv[peer] = recvAEAD
	return nil
}

// SendPrivate encrypts message separately for each recipient and sends one
// MSG envelope per recipient. A nil recipients list targets every known peer
// other than the sender itself.
func (m *Manager) SendPrivate(message string, recipients []string) error {
	m.mu.Lock()
	if recipients == nil {
		for u := range m.peerPub {
			if u != m.username {
				recipients = append(recipients, u)
			}
		}
	}
	m.mu.Unlock()

	for _, r := range recipients {
		m.mu.Lock()
		_, known := m.peerPub[r]
		if !known {
			m.mu.Unlock()
			continue
		}
		if err := m.ensureKeysLocked(r); err != nil {
			m.mu.Unlock()
			return err
		}
		aead := m.aeadSend[r]
		m.mu.Unlock()

		aad := m.username + "->" + r
		ct, err := aead.EncodeWithAAD([]byte(message), []byte(aad))
		if err != nil {
			return ferrors.Wrap(ferrors.StageE2E, ferrors.CodeAuthFailure, err)
		}
		blob := base64.URLEncoding.EncodeToString(ct)
		if err := m.send.Send(fmt.Sprintf("%s%s:%s", tagMsg, r, blob)); err != nil {
			return err
		}
		m.observer.E2EMessage(observability.E2EEncrypted)
	}
	return nil
}

// HandleIncoming processes one broadcast line already split into its sender
// and payload. It reports handled=true for every E2E envelope it recognizes
// (HELLO/REPLY consume silently; MSG yields the decrypted plaintext when
// this manager is the addressee). handled=false tells the caller the line
// was ordinary chat text.
func (m *Manager) HandleIncoming(sender, text string) (handled bool, plaintext *string) {
	switch {
	case strings.HasPrefix(text, tagHello):
		m.handleHello(sender, text[len(tagHello):])
		m.observer.E2EControlHandled("hello")
		return true, nil
	case strings.HasPrefix(text, tagReply):
		m.handleReply(sender, text[len(tagReply):])
		m.observer.E2EControlHandled("reply")
		return true, nil
	case strings.HasPrefix(text, tagMsg):
		pt := m.handleMsg(sender, text[len(tagMsg):])
		m.observer.E2EControlHandled("msg")
		if pt != nil {
			m.observer.E2EMessage(observability.E2EDecrypted)
		}
		return true, pt
	default:
		return false, nil
	}
}

func (m *Manager) handleHello(sender, b64 string) {
	if m.learnPeer(sender, b64) {
		_ = m.reply()
	}
}

func (m *Manager) handleReply(sender, b64 string) {
	m.learnPeer(sender, b64)
}

// learnPeer decodes and validates a peer public value, storing it if valid.
// It reports whether the value was accepted.
func (m *Manager) learnPeer(sender, b64 string) bool {
	raw, err := base64.URLEncoding.DecodeString(b64)
	if err != nil || len(raw) != modp.BLEN {
		return false
	}
	pub := modp.B2I(raw)
	if modp.ValidatePublic(pub) != nil {
		return false
	}
	m.mu.Lock()
	m.peerPub[sender] = pub
	m.peerBytes[sender] = raw
	m.mu.Unlock()
	return true
}

func (m *Manager) handleMsg(sender, rest string) *string {
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return nil
	}
	to, b64 := parts[0], parts[1]
	if to != m.username {
		return nil
	}
	m.mu.Lock()
	_, known := m.peerPub[sender]
	if !known {
		m.mu.Unlock()
		return nil
	}
	if err := m.ensureKeysLocked(sender); err != nil {
		m.mu.Unlock()
		return nil
	}
	aead := m.aeadRecv[sender]
	m.mu.Unlock()

	blob, err := base64.URLEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	aad := sender + "->" + m.username
	pt, err := aead.DecodeWithAAD(blob, []byte(aad))
	if err != nil {
		return nil
	}
	s := string(pt)
	return &s
}
