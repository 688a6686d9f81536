// Package protocol owns the telemetry wire contract.
//
// Ownership boundary:
// - handshake tokens and reply bytes
// - error taxonomy shared by frame and session
//
// Subpackages:
// - frame: exact-length frame receive and float64 codec
// - session: handshake state machine and the peer side of the exchange
package protocol
