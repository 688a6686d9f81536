// Package session owns the per-connection side of the telemetry protocol.
//
// Ownership boundary:
// - handshake state machine (WAIT_CMD, RECEIVE_SIZE, AWAIT_START, RECEIVE_DATA)
// - token reads with carry-over of coalesced bytes
// - peer side of the handshake and frame streaming
// - dial retry/backoff primitives
//
// One Machine serves exactly one connection and is discarded on disconnect.
package session
