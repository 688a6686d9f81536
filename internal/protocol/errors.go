package protocol

import "errors"

var (
	// ErrTransport covers bind/listen/accept/recv/send failures.
	ErrTransport = errors.New("protocol: transport failure")
	// ErrProtocolViolation marks input that is not valid in the current state.
	ErrProtocolViolation = errors.New("protocol: violation")
	// ErrDecode marks a byte count mismatch or malformed numeric payload.
	ErrDecode = errors.New("protocol: decode failure")
	// ErrStopped is returned when a cooperative stop interrupted an operation.
	ErrStopped = errors.New("protocol: stopped")
	// ErrPeerClosed is returned when the peer closed the stream.
	ErrPeerClosed = errors.New("protocol: peer closed")
)
