package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/telemd/internal/protocol"
)

// Stream wraps one connection and carries bytes read past a token into the
// next read, so a keyword coalesced with binary data does not lose the data.
type Stream struct {
	rw      io.ReadWriter
	pending []byte
	buf     [protocol.MaxTokenRead]byte
}

func NewStream(rw io.ReadWriter) *Stream {
	return &Stream{rw: rw}
}

func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	return s.rw.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.rw.Write(p)
}

// Buffered reports how many carried bytes are waiting.
func (s *Stream) Buffered() int {
	return len(s.pending)
}

// ReadToken performs one read of up to MaxTokenRead bytes and returns it as a
// whitespace-trimmed token. When the read starts with one of keywords and
// continues past it, the keyword is returned and the remainder is carried.
// Text keywords must be followed by whitespace or the end of the read. After
// sizecoming or ready the remainder is carried byte for byte, except that a
// remainder of exactly "\n" or "\r\n" is dropped.
// An empty token with a nil error means the read returned no bytes.
func (s *Stream) ReadToken(keywords ...string) (string, error) {
	n, err := s.Read(s.buf[:])
	if n == 0 {
		if err != nil {
			return "", classifyReadErr(err)
		}
		return "", nil
	}
	token, rest := splitToken(s.buf[:n], keywords)
	if len(rest) > 0 {
		carried := make([]byte, 0, len(rest)+len(s.pending))
		carried = append(carried, rest...)
		s.pending = append(carried, s.pending...)
	}
	return token, nil
}

// ReadSizeByte reads exactly one byte; ok is false when the read returned nothing.
func (s *Stream) ReadSizeByte() (b byte, ok bool, err error) {
	var one [1]byte
	n, err := s.Read(one[:])
	if n == 1 {
		return one[0], true, nil
	}
	if err != nil {
		return 0, false, classifyReadErr(err)
	}
	return 0, false, nil
}

func (s *Stream) WriteByte(b byte) error {
	if _, err := s.rw.Write([]byte{b}); err != nil {
		return fmt.Errorf("%w: session: write %q: %w", protocol.ErrTransport, b, err)
	}
	return nil
}

func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return protocol.ErrPeerClosed
	}
	return fmt.Errorf("%w: session: read: %w", protocol.ErrTransport, err)
}

func splitToken(data []byte, keywords []string) (string, []byte) {
	lead := bytes.TrimLeft(data, " \t\r\n\v\f")
	for _, kw := range keywords {
		if !bytes.HasPrefix(lead, []byte(kw)) {
			continue
		}
		rest := lead[len(kw):]
		if bindsBinary(kw) {
			if isLineTerminator(rest) {
				return kw, nil
			}
			return kw, rest
		}
		if len(rest) > 0 && !isSpace(rest[0]) {
			continue
		}
		return kw, bytes.TrimLeft(rest, " \t\r\n\v\f")
	}
	return string(bytes.TrimSpace(data)), nil
}

// bindsBinary reports keywords that are followed by raw bytes. Every byte
// after them is data unless the read ends with a bare line terminator.
func bindsBinary(kw string) bool {
	return kw == protocol.TokenSizeComing || kw == protocol.TokenReady
}

func isLineTerminator(b []byte) bool {
	return string(b) == "\n" || string(b) == "\r\n"
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}
