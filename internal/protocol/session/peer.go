package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/telemd/internal/protocol"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

var (
	ErrPeerAddressRequired = errors.New("session: peer address required")
	ErrUnexpectedReply     = fmt.Errorf("%w: session: unexpected reply", protocol.ErrProtocolViolation)
	ErrFrameLengthMismatch = errors.New("session: frame length mismatch")
)

// PeerConfig configures the sending side of the protocol.
type PeerConfig struct {
	Address            string
	FrameLength        int
	Session            Config
	MaxConnectAttempts int
}

// Peer dials a telemetry service and negotiates a streaming session.
type Peer struct {
	cfg PeerConfig
	rng *rand.Rand
}

func NewPeer(cfg PeerConfig) (*Peer, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrPeerAddressRequired
	}
	if !frame.ValidLength(cfg.FrameLength) {
		return nil, fmt.Errorf("%w: %d", frame.ErrInvalidLength, cfg.FrameLength)
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Peer{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials with backoff, performs the handshake and returns a session
// ready for frames.
func (p *Peer) Connect(ctx context.Context) (*PeerSession, error) {
	var attempt int
	for {
		attempt++
		dialer := net.Dialer{Timeout: p.cfg.Session.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Address)
		if err == nil {
			if err = p.handshake(conn); err == nil {
				return &PeerSession{conn: conn, n: p.cfg.FrameLength, writeTimeout: p.cfg.Session.WriteTimeout}, nil
			}
			_ = conn.Close()
			if errors.Is(err, protocol.ErrProtocolViolation) {
				return nil, err
			}
		}
		log.Warn().
			Int("attempt", attempt).
			Str("addr", p.cfg.Address).
			Err(err).
			Msg("session.Peer connect failed")
		if !p.shouldRetry(attempt) {
			return nil, err
		}
		if err := p.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (p *Peer) handshake(conn net.Conn) error {
	if p.cfg.Session.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.cfg.Session.HandshakeTimeout))
		defer conn.SetDeadline(time.Time{})
	}
	return Handshake(conn, p.cfg.FrameLength)
}

func (p *Peer) shouldRetry(attempt int) bool {
	if p.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < p.cfg.MaxConnectAttempts
}

func (p *Peer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := p.cfg.Session.Backoff.Delay(attempt, p.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Handshake runs the peer side of the exchange on rw: prepared, succeed,
// sizecoming, length n, sentinel, then ready once the service asks for it.
// prepared and succeed are newline terminated. sizecoming and ready are
// sent bare because the bytes after them are binary.
func Handshake(rw io.ReadWriter, n int) error {
	if !frame.ValidLength(n) {
		return fmt.Errorf("%w: %d", frame.ErrInvalidLength, n)
	}
	if err := sendToken(rw, protocol.TokenPrepared); err != nil {
		return err
	}
	if err := expectReply(rw, protocol.AckPrepared); err != nil {
		return err
	}
	if err := sendToken(rw, protocol.TokenSucceed); err != nil {
		return err
	}
	if err := expectReply(rw, protocol.AckSucceed); err != nil {
		return err
	}
	if err := sendBytes(rw, []byte(protocol.TokenSizeComing)...); err != nil {
		return err
	}
	if err := sendBytes(rw, byte(n)); err != nil {
		return err
	}
	if err := expectReply(rw, protocol.AckSize); err != nil {
		return err
	}
	if err := sendBytes(rw, protocol.SizeSentinel); err != nil {
		return err
	}
	if err := expectReply(rw, protocol.RequestReady); err != nil {
		return err
	}
	return sendBytes(rw, []byte(protocol.TokenReady)...)
}

func sendToken(w io.Writer, token string) error {
	if _, err := io.WriteString(w, token+"\n"); err != nil {
		return fmt.Errorf("%w: session: send %q: %w", protocol.ErrTransport, token, err)
	}
	return nil
}

func sendBytes(w io.Writer, b ...byte) error {
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("%w: session: send % x: %w", protocol.ErrTransport, b, err)
	}
	return nil
}

func expectReply(r io.Reader, want byte) error {
	var got [1]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return fmt.Errorf("%w: session: await %q: %w", protocol.ErrTransport, want, err)
	}
	if got[0] != want {
		return fmt.Errorf("%w: got=%q want=%q", ErrUnexpectedReply, got[0], want)
	}
	return nil
}

// PeerSession streams frames of the negotiated length.
type PeerSession struct {
	conn         net.Conn
	n            int
	writeTimeout time.Duration
}

func (s *PeerSession) FrameLength() int {
	return s.n
}

// Send writes one frame. The service drops frames of any other length, so
// a mismatch is rejected before touching the wire.
func (s *PeerSession) Send(f frame.Frame) error {
	if len(f) != s.n {
		return fmt.Errorf("%w: got=%d want=%d", ErrFrameLengthMismatch, len(f), s.n)
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(frame.Encode(f)); err != nil {
		return fmt.Errorf("%w: session: send frame: %w", protocol.ErrTransport, err)
	}
	return nil
}

// WriteRaw sends bytes without framing. Used to emulate truncated senders.
func (s *PeerSession) WriteRaw(b []byte) error {
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("%w: session: send raw: %w", protocol.ErrTransport, err)
	}
	return nil
}

func (s *PeerSession) Close() error {
	return s.conn.Close()
}
