package handshake

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/braidwire/braidwire/ferrors"
)

func TestPlainHandshakeRoundTrip(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	serverErr := make(chan error, 1)
	var serverCodec interface{}
	go func() {
		c, err := ServerNegotiate(srv)
		serverCodec = c
		serverErr <- err
	}()

	clientCodec, err := ClientNegotiate(client, AlgPlain)
	if err != nil {
		t.Fatalf("ClientNegotiate: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("ServerNegotiate: %v", err)
	}

	plaintext := []byte("hello")
	wire, err := clientCodec.Encode(plaintext)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(wire, plaintext) {
		t.Fatalf("plain codec must not transform bytes")
	}
	_ = serverCodec
}

func TestDHHandshakeDerivesMatchingCodec(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	type result struct {
		codec interface {
			Encode([]byte) ([]byte, error)
			Decode([]byte) ([]byte, error)
		}
		err error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := ServerNegotiate(srv)
		serverCh <- result{c, err}
	}()

	clientCodec, err := ClientNegotiate(client, AlgDH)
	if err != nil {
		t.Fatalf("ClientNegotiate: %v", err)
	}
	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("ServerNegotiate: %v", sr.err)
	}

	plaintext := []byte("a DH-protected message")
	wire, err := clientCodec.Encode(plaintext)
	if err != nil {
		t.Fatalf("client Encode: %v", err)
	}
	got, err := sr.codec.Decode(wire)
	if err != nil {
		t.Fatalf("server Decode: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	reply, err := sr.codec.Encode([]byte("ack"))
	if err != nil {
		t.Fatalf("server Encode: %v", err)
	}
	gotReply, err := clientCodec.Decode(reply)
	if err != nil {
		t.Fatalf("client Decode: %v", err)
	}
	if string(gotReply) != "ack" {
		t.Fatalf("got %q, want %q", gotReply, "ack")
	}
}

func TestServerNegotiateRejectsUnknownAlgorithm(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.SetWriteDeadline(time.Now().Add(2 * time.Second))
		payload := "BOGUS:JUNK"
		client.Write([]byte(fmt.Sprintf("%-10d%s", len(payload), payload)))
	}()

	_, err := ServerNegotiate(srv)
	<-done
	if !ferrors.Is(err, ferrors.CodeUnknownAlgorithm) {
		t.Fatalf("expected unknown_algorithm error, got %v", err)
	}
}
