package protocol

// Handshake tokens sent by the peer as text.
const (
	TokenPrepared   = "prepared"
	TokenSucceed    = "succeed"
	TokenSizeComing = "sizecoming"
	TokenReady      = "ready"
)

// Single-byte messages sent by the service.
const (
	AckPrepared  byte = '1'
	AckSucceed   byte = '2'
	AckSize      byte = '3'
	RequestReady byte = '4'
)

// SizeSentinel ends the size negotiation phase.
const SizeSentinel byte = 0

const (
	MaxTokenRead   = 1024
	BytesPerSample = 8
	MaxFrameLength = 255
)
