// Package wsgateway adapts a message-oriented websocket connection into the
// byte-stream net.Conn that framing, handshake, server, and client already
// know how to speak, so the same protocol code path serves both raw TCP and
// websocket transports. Grounded on the teacher's
// crypto/e2ee.WebSocketBinaryTransport and realtime/ws.Conn.
package wsgateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/braidwire/braidwire/realtime/ws"
)

// Gateway wraps a *ws.Conn as a net.Conn. Every Write call is relayed as one
// binary websocket message; Read drains messages one at a time, buffering
// any bytes a caller didn't consume before the next Read.
type Gateway struct {
	c *ws.Conn

	mu            sync.Mutex
	buf           []byte
	readDeadline  time.Time
	writeDeadline time.Time
}

// New wraps an accepted or dialed websocket connection.
func New(c *ws.Conn) *Gateway {
	return &Gateway{c: c}
}

func deadlineCtx(deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}

// Read implements io.Reader by serving buffered bytes from the last
// websocket message before blocking for a new one.
func (g *Gateway) Read(p []byte) (int, error) {
	g.mu.Lock()
	deadline := g.readDeadline
	if len(g.buf) == 0 {
		g.mu.Unlock()
		ctx, cancel := deadlineCtx(deadline)
		defer cancel()
		mt, b, err := g.c.ReadMessage(ctx)
		if err != nil {
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			return 0, errUnexpectedText
		}
		g.mu.Lock()
		g.buf = b
	}
	n := copy(p, g.buf)
	g.buf = g.buf[n:]
	g.mu.Unlock()
	return n, nil
}

// Write implements io.Writer, sending p as a single binary websocket
// message. framing.WriteFrame always calls Write exactly once per frame, so
// one frame maps to exactly one websocket message.
func (g *Gateway) Write(p []byte) (int, error) {
	g.mu.Lock()
	deadline := g.writeDeadline
	g.mu.Unlock()
	ctx, cancel := deadlineCtx(deadline)
	defer cancel()
	if err := g.c.WriteMessage(ctx, websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (g *Gateway) Close() error { return g.c.Close() }

func (g *Gateway) LocalAddr() net.Addr  { return g.c.Underlying().LocalAddr() }
func (g *Gateway) RemoteAddr() net.Addr { return g.c.Underlying().RemoteAddr() }

func (g *Gateway) SetDeadline(t time.Time) error {
	g.mu.Lock()
	g.readDeadline, g.writeDeadline = t, t
	g.mu.Unlock()
	return nil
}

func (g *Gateway) SetReadDeadline(t time.Time) error {
	g.mu.Lock()
	g.readDeadline = t
	g.mu.Unlock()
	return nil
}

func (g *Gateway) SetWriteDeadline(t time.Time) error {
	g.mu.Lock()
	g.writeDeadline = t
	g.mu.Unlock()
	return nil
}

var errUnexpectedText = errors.New("wsgateway: unexpected text message")

var _ net.Conn = (*Gateway)(nil)
