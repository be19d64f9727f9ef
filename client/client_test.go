package client_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/braidwire/braidwire/client"
	"github.com/braidwire/braidwire/ferrors"
	"github.com/braidwire/braidwire/framing"
	"github.com/braidwire/braidwire/handshake"
)

// echoServer accepts one connection, negotiates a handshake, and echoes back
// every frame it receives.
func echoServer(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		cdc, err := handshake.ServerNegotiate(nc)
		if err != nil {
			return
		}
		// First frame is the username announcement; consume it like a real
		// admission step instead of echoing it back.
		if _, err := framing.ReadFrame(nc); err != nil {
			return
		}
		for {
			payload, err := framing.ReadFrame(nc)
			if err != nil {
				return
			}
			pt, err := cdc.Decode(payload)
			if err != nil {
				return
			}
			wire, err := cdc.Encode(pt)
			if err != nil {
				return
			}
			if framing.WriteFrame(nc, wire) != nil {
				return
			}
		}
	}()
}

func TestConnectSendRecv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoServer(t, ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	sess, err := client.Connect(context.Background(), host, port, "alice", handshake.AlgPlain)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.Send("ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := sess.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got != "\nping" {
		t.Fatalf("got %q, want %q", got, "\nping")
	}
}

func TestRecvTimesOutWithNoData(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoServer(t, ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	sess, err := client.Connect(context.Background(), host, port, "alice", handshake.AlgPlain)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	_, err = sess.Recv(200 * time.Millisecond)
	if err == nil {
		t.Fatalf("expected Recv to time out")
	}
	if !ferrors.Is(err, ferrors.CodeTimeout) {
		t.Fatalf("expected ferrors.CodeTimeout, got %v", err)
	}

	// A timeout must leave the session usable: the echo server still answers.
	if err := sess.Send("still alive"); err != nil {
		t.Fatalf("Send after timeout: %v", err)
	}
	got, err := sess.Recv(2 * time.Second)
	if err != nil {
		t.Fatalf("Recv after timeout: %v", err)
	}
	if got != "\nstill alive" {
		t.Fatalf("got %q, want %q", got, "\nstill alive")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	echoServer(t, ln)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	sess, err := client.Connect(context.Background(), host, port, "alice", handshake.AlgPlain)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
