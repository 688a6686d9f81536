package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/danmuck/telemd/internal/protocol"
)

var (
	ErrInvalidLength   = fmt.Errorf("%w: frame: invalid frame length", protocol.ErrDecode)
	ErrPayloadMismatch = fmt.Errorf("%w: frame: payload size mismatch", protocol.ErrDecode)
)

// Frame is one fixed-length array of samples in arrival order.
type Frame []float64

// Clone returns a copy that does not alias f.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// PayloadSize is the wire size of a frame of n samples.
func PayloadSize(n int) int {
	return n * protocol.BytesPerSample
}

// ValidLength reports whether n can be negotiated as a frame length.
func ValidLength(n int) bool {
	return n >= 1 && n <= protocol.MaxFrameLength
}

// Receive collects exactly n*8 bytes from r and decodes them.
//
// Reads are issued for the remaining byte count until the payload is
// complete. The partial payload is discarded when ctx is done, when a read
// returns zero bytes or EOF, or when a read fails.
func Receive(ctx context.Context, r io.Reader, n int) (Frame, error) {
	if !ValidLength(n) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	buf := make([]byte, PayloadSize(n))
	got := 0
	for got < len(buf) {
		if ctx.Err() != nil {
			return nil, &ShortReadError{Got: got, Want: len(buf), Cause: protocol.ErrStopped}
		}
		m, err := r.Read(buf[got:])
		got += m
		if got == len(buf) {
			break
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil, &ShortReadError{Got: got, Want: len(buf), Cause: protocol.ErrStopped}
			case errors.Is(err, io.EOF):
				return nil, &ShortReadError{Got: got, Want: len(buf), Cause: protocol.ErrPeerClosed}
			default:
				return nil, &ShortReadError{Got: got, Want: len(buf), Cause: protocol.ErrTransport, Err: err}
			}
		}
		if m == 0 {
			return nil, &ShortReadError{Got: got, Want: len(buf), Cause: protocol.ErrPeerClosed}
		}
	}
	return Decode(buf, n)
}

// ShortReadError reports a frame abandoned before its payload was complete.
type ShortReadError struct {
	Got   int
	Want  int
	Cause error
	Err   error
}

func (e *ShortReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: discarded %d/%d bytes: %v: %v", e.Got, e.Want, e.Cause, e.Err)
	}
	return fmt.Sprintf("frame: discarded %d/%d bytes: %v", e.Got, e.Want, e.Cause)
}

func (e *ShortReadError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Cause, e.Err}
	}
	return []error{e.Cause}
}

// Decode interprets b as n little-endian IEEE-754 doubles.
func Decode(b []byte, n int) (Frame, error) {
	if !ValidLength(n) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if len(b) != PayloadSize(n) {
		return nil, fmt.Errorf("%w: got=%d want=%d", ErrPayloadMismatch, len(b), PayloadSize(n))
	}
	out := make(Frame, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*protocol.BytesPerSample:]))
	}
	return out, nil
}

// Encode is the inverse of Decode.
func Encode(f Frame) []byte {
	return AppendEncode(make([]byte, 0, PayloadSize(len(f))), f)
}

// AppendEncode appends the little-endian encoding of f to dst and returns
// the extended slice.
func AppendEncode(dst []byte, f Frame) []byte {
	for _, v := range f {
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return dst
}
