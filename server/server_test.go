package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/braidwire/braidwire/client"
	"github.com/braidwire/braidwire/handshake"
)

func startTestServer(t *testing.T, cfg Config) (addr string, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	return ln.Addr().String(), func() {
		cancel()
		ln.Close()
	}
}

func dialTestClient(t *testing.T, addr, username string, alg handshake.Algorithm) *client.Session {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	sess, err := client.Connect(context.Background(), host, port, username, alg)
	if err != nil {
		t.Fatalf("connect %s: %v", username, err)
	}
	return sess
}

func TestBroadcastPlainThreeClients(t *testing.T) {
	addr, shutdown := startTestServer(t, DefaultConfig())
	defer shutdown()

	alice := dialTestClient(t, addr, "alice", handshake.AlgPlain)
	defer alice.Close()
	bob := dialTestClient(t, addr, "bob", handshake.AlgPlain)
	defer bob.Close()
	carol := dialTestClient(t, addr, "carol", handshake.AlgPlain)
	defer carol.Close()

	time.Sleep(50 * time.Millisecond)

	if err := alice.Send("hello"); err != nil {
		t.Fatalf("alice.Send: %v", err)
	}

	want := "\nalice > hello"
	if got, err := bob.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("bob.Recv: got (%q, %v), want %q", got, err, want)
	}
	if got, err := carol.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("carol.Recv: got (%q, %v), want %q", got, err, want)
	}
	if _, err := alice.Recv(300 * time.Millisecond); err == nil {
		t.Fatalf("expected alice.Recv to time out (sender excluded by default)")
	}
}

func TestBroadcastDHThreeClients(t *testing.T) {
	addr, shutdown := startTestServer(t, DefaultConfig())
	defer shutdown()

	alice := dialTestClient(t, addr, "alice", handshake.AlgDH)
	defer alice.Close()
	bob := dialTestClient(t, addr, "bob", handshake.AlgDH)
	defer bob.Close()
	carol := dialTestClient(t, addr, "carol", handshake.AlgDH)
	defer carol.Close()

	time.Sleep(50 * time.Millisecond)

	if err := alice.Send("hello"); err != nil {
		t.Fatalf("alice.Send: %v", err)
	}

	want := "\nalice > hello"
	if got, err := bob.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("bob.Recv: got (%q, %v), want %q", got, err, want)
	}
	if got, err := carol.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("carol.Recv: got (%q, %v), want %q", got, err, want)
	}
}

func TestDisconnectedClientEvicted(t *testing.T) {
	addr, shutdown := startTestServer(t, DefaultConfig())
	defer shutdown()

	alice := dialTestClient(t, addr, "alice", handshake.AlgPlain)
	defer alice.Close()
	bob := dialTestClient(t, addr, "bob", handshake.AlgPlain)
	carol := dialTestClient(t, addr, "carol", handshake.AlgPlain)
	defer carol.Close()

	time.Sleep(50 * time.Millisecond)
	bob.Close()
	time.Sleep(100 * time.Millisecond)

	if err := alice.Send("hi all"); err != nil {
		t.Fatalf("alice.Send: %v", err)
	}
	want := "\nalice > hi all"
	if got, err := carol.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("carol.Recv: got (%q, %v), want %q", got, err, want)
	}
}

func TestUnicodeUsernameAndMessage(t *testing.T) {
	addr, shutdown := startTestServer(t, DefaultConfig())
	defer shutdown()

	alisa := dialTestClient(t, addr, "алиса", handshake.AlgPlain)
	defer alisa.Close()
	boris := dialTestClient(t, addr, "борис", handshake.AlgPlain)
	defer boris.Close()

	time.Sleep(50 * time.Millisecond)

	if err := alisa.Send("Привет, мир 🌍"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := "\nалиса > Привет, мир 🌍"
	if got, err := boris.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("boris.Recv: got (%q, %v), want %q", got, err, want)
	}
}

func TestBogusHandshakeDoesNotAffectOtherClients(t *testing.T) {
	addr, shutdown := startTestServer(t, DefaultConfig())
	defer shutdown()

	alice := dialTestClient(t, addr, "alice", handshake.AlgPlain)
	defer alice.Close()
	bob := dialTestClient(t, addr, "bob", handshake.AlgPlain)
	defer bob.Close()

	bogus, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial bogus: %v", err)
	}
	defer bogus.Close()
	payload := "ALG:BOGUS"
	frame := fmt.Sprintf("%-10d%s", len(payload), payload)
	if _, err := bogus.Write([]byte(frame)); err != nil {
		t.Fatalf("write bogus frame: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := alice.Send("still alive"); err != nil {
		t.Fatalf("alice.Send: %v", err)
	}
	want := "\nalice > still alive"
	if got, err := bob.Recv(2 * time.Second); err != nil || got != want {
		t.Fatalf("bob.Recv: got (%q, %v), want %q", got, err, want)
	}
}
