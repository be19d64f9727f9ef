package framing

import (
	"bytes"
	"strings"
	"testing"

	"github.com/braidwire/braidwire/ferrors"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, world")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("unexpected frame length %d", buf.Len())
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestWriteFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %q", got)
	}
}

func TestReadFrameShortHeaderFails(t *testing.T) {
	r := strings.NewReader("12345")
	if _, err := ReadFrame(r); !ferrors.Is(err, ferrors.CodeShortRead) {
		t.Fatalf("expected short_read error, got %v", err)
	}
}

func TestReadFrameBadHeaderFails(t *testing.T) {
	r := strings.NewReader("not-a-num!")
	if _, err := ReadFrame(r); !ferrors.Is(err, ferrors.CodeBadHeader) {
		t.Fatalf("expected bad_header error, got %v", err)
	}
}

func TestReadFrameShortBodyFails(t *testing.T) {
	r := strings.NewReader("20        short")
	if _, err := ReadFrame(r); !ferrors.Is(err, ferrors.CodeShortRead) {
		t.Fatalf("expected short_read error, got %v", err)
	}
}
