// Package framing implements the length-prefixed octet framing used on every
// braidwire stream: a 10-byte ASCII decimal header followed by exactly that
// many payload bytes.
package framing

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/braidwire/braidwire/ferrors"
)

// HeaderLen is the fixed width of the ASCII decimal length header.
const HeaderLen = 10

// MaxLen is the largest length a header can express (10 left-justified
// decimal digits).
const MaxLen = 9_999_999_999

// ReadFrame consumes exactly HeaderLen header bytes followed by the payload
// they describe. It fails with ferrors.CodeShortRead if the stream ends
// mid-frame, or ferrors.CodeBadHeader if the header is not a non-negative
// decimal.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, ferrors.Wrap(ferrors.StageFraming, ferrors.CodeShortRead, err)
	}
	n, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, ferrors.Wrap(ferrors.StageFraming, ferrors.CodeShortRead, err)
	}
	return payload, nil
}

func parseHeader(hdr []byte) (int, error) {
	trimmed := bytes.TrimSpace(hdr)
	if len(trimmed) == 0 {
		return 0, ferrors.Wrap(ferrors.StageFraming, ferrors.CodeBadHeader, fmt.Errorf("empty frame header"))
	}
	n, err := strconv.Atoi(string(trimmed))
	if err != nil || n < 0 {
		return 0, ferrors.Wrap(ferrors.StageFraming, ferrors.CodeBadHeader, fmt.Errorf("invalid frame header %q", trimmed))
	}
	return n, nil
}

// WriteFrame emits header+payload as a single logical write. The caller must
// guarantee at most one writer per stream at a time; WriteFrame itself does
// not serialize concurrent callers.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxLen {
		return ferrors.Wrap(ferrors.StageFraming, ferrors.CodeEncodeTooLarge, fmt.Errorf("frame of %d bytes exceeds header capacity", len(payload)))
	}
	hdr := fmt.Sprintf("%-*d", HeaderLen, len(payload))
	buf := make([]byte, 0, HeaderLen+len(payload))
	buf = append(buf, hdr...)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return ferrors.Wrap(ferrors.StageFraming, ferrors.CodeShortRead, err)
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
