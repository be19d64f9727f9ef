// Package client implements the high-level chat session used by the CLI and
// tests: connect, send, receive, close, in the style of the teacher's
// bundled Client type but scaled to braidwire's single framed+coded stream
// instead of a yamux-multiplexed RPC session.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/braidwire/braidwire/codec"
	"github.com/braidwire/braidwire/ferrors"
	"github.com/braidwire/braidwire/framing"
	"github.com/braidwire/braidwire/handshake"
	"github.com/braidwire/braidwire/observability"
)

// ConnectOption configures an optional aspect of Connect, in the shape of
// the teacher's client.ConnectOption functional options.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	observer observability.Observer
}

func defaultConnectOptions() connectOptions {
	return connectOptions{observer: observability.Noop}
}

// WithObserver records handshake outcomes on o instead of discarding them.
func WithObserver(o observability.Observer) ConnectOption {
	return func(cfg *connectOptions) {
		if o != nil {
			cfg.observer = o
		}
	}
}

// Session is a connected chat client: one TCP stream, a negotiated codec,
// and a write mutex shared between explicit Send calls and anything else
// that might write on this connection.
type Session struct {
	nc    net.Conn
	codec codec.Codec

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Connect dials host:port, negotiates alg, and announces username. It
// returns once the username frame is written; the server admits the
// session to its connection map when it has read that frame, which may
// happen after Connect returns.
func Connect(ctx context.Context, host string, port int, username string, alg handshake.Algorithm, opts ...ConnectOption) (*Session, error) {
	cfg := defaultConnectOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, ferrors.Wrap(ferrors.StageConnect, ferrors.CodeNotConnected, err)
	}
	cdc, err := handshake.ClientNegotiate(nc, alg)
	if err != nil {
		cfg.observer.Handshake(string(alg), observability.HandshakeError)
		_ = nc.Close()
		return nil, err
	}
	cfg.observer.Handshake(string(alg), observability.HandshakeOK)
	s := &Session{nc: nc, codec: cdc}
	if err := s.writeFrame([]byte(username)); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) writeFrame(plaintext []byte) error {
	wire, err := s.codec.Encode(plaintext)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return framing.WriteFrame(s.nc, wire)
}

// Send transmits a chat message.
func (s *Session) Send(text string) error {
	if s == nil || s.nc == nil {
		return ferrors.Wrap(ferrors.StageConnect, ferrors.CodeNotConnected, nil)
	}
	return s.writeFrame([]byte(text))
}

// Recv reads the next message, decodes it, and prefixes it with a leading
// newline so CLI output mirrors the reference client's `'\n' + text` shape.
// A zero timeout blocks indefinitely; a positive timeout bounds the read. A
// deadline-exceeded read surfaces as ferrors.CodeTimeout, distinguishable
// from a fatal connection failure: the session remains usable afterward.
func (s *Session) Recv(timeout time.Duration) (string, error) {
	if s == nil || s.nc == nil {
		return "", ferrors.Wrap(ferrors.StageConnect, ferrors.CodeNotConnected, nil)
	}
	if timeout > 0 {
		if err := s.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", err
		}
		defer s.nc.SetReadDeadline(time.Time{})
	}
	payload, err := framing.ReadFrame(s.nc)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", ferrors.Wrap(ferrors.StageConnect, ferrors.CodeTimeout, err)
		}
		return "", err
	}
	plaintext, err := s.codec.Decode(payload)
	if err != nil {
		return "", err
	}
	return "\n" + string(plaintext), nil
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.nc != nil {
			if err := s.nc.Close(); err != nil {
				s.closeErr = ferrors.Wrap(ferrors.StageClose, ferrors.CodeNotConnected, err)
			}
		}
	})
	return s.closeErr
}

// Conn exposes the underlying stream for callers that need to layer the E2E
// manager's SendPrivate/HandleIncoming envelopes over the same connection.
func (s *Session) Conn() net.Conn { return s.nc }

// Codec exposes the negotiated transport codec.
func (s *Session) Codec() codec.Codec { return s.codec }
