package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/telemd/internal/observability"
	"github.com/danmuck/telemd/internal/protocol"
	"github.com/danmuck/telemd/internal/protocol/frame"
)

// State is the handshake position of one connection.
type State int32

const (
	StateWaitCmd State = iota
	StateReceiveSize
	StateAwaitStart
	StateReceiveData
)

func (s State) String() string {
	switch s {
	case StateWaitCmd:
		return "WAIT_CMD"
	case StateReceiveSize:
		return "RECEIVE_SIZE"
	case StateAwaitStart:
		return "AWAIT_START"
	case StateReceiveData:
		return "RECEIVE_DATA"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Sink receives decoded frames and human-readable protocol events.
// The machine is its only writer for the lifetime of one connection.
type Sink interface {
	AppendFrame(f frame.Frame)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ErrNoFrameLength is returned when the size phase ends before any length.
var ErrNoFrameLength = fmt.Errorf("%w: session: size phase ended without a frame length", protocol.ErrProtocolViolation)

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Machine drives the handshake and frame loop for one connection.
type Machine struct {
	cfg  Config
	sink Sink

	state    atomic.Int32
	frameLen atomic.Int32
	frames   atomic.Uint64
}

func NewMachine(cfg Config, sink Sink) *Machine {
	return &Machine{cfg: cfg.WithDefaults(), sink: sink}
}

func (m *Machine) State() State {
	return State(m.state.Load())
}

// FrameLength is the negotiated N, 0 until a size byte arrives.
func (m *Machine) FrameLength() int {
	return int(m.frameLen.Load())
}

// Frames is the number of frames appended during this connection.
func (m *Machine) Frames() uint64 {
	return m.frames.Load()
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}

// Run serves rw until the peer disconnects, a transport error occurs or ctx
// is done. The returned error is never nil; protocol.ErrPeerClosed and
// protocol.ErrStopped mark the normal endings.
func (m *Machine) Run(ctx context.Context, rw io.ReadWriter) error {
	s := NewStream(rw)
	dl, _ := rw.(deadliner)
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: session: state=%s", protocol.ErrStopped, m.State())
		}
		m.armDeadlines(dl)
		var err error
		switch m.State() {
		case StateWaitCmd:
			err = m.waitCmd(s)
		case StateReceiveSize:
			err = m.receiveSize(s)
		case StateAwaitStart:
			err = m.awaitStart(s)
		case StateReceiveData:
			err = m.receiveData(ctx, s)
		}
		if err != nil {
			if ctx.Err() != nil && !errors.Is(err, protocol.ErrStopped) {
				return fmt.Errorf("%w: session: state=%s: %w", protocol.ErrStopped, m.State(), err)
			}
			return err
		}
	}
}

func (m *Machine) armDeadlines(dl deadliner) {
	if dl == nil {
		return
	}
	timeout := m.cfg.HandshakeTimeout
	if m.State() == StateReceiveData {
		timeout = m.cfg.IdleTimeout
	}
	if timeout > 0 {
		_ = dl.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = dl.SetReadDeadline(time.Time{})
	}
	_ = dl.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
}

func (m *Machine) waitCmd(s *Stream) error {
	token, err := s.ReadToken(protocol.TokenPrepared, protocol.TokenSucceed, protocol.TokenSizeComing)
	if err != nil {
		return err
	}
	switch token {
	case "":
		return nil
	case protocol.TokenPrepared:
		m.sink.Infof("received %q", token)
		return s.WriteByte(protocol.AckPrepared)
	case protocol.TokenSucceed:
		m.sink.Infof("received %q", token)
		return s.WriteByte(protocol.AckSucceed)
	case protocol.TokenSizeComing:
		m.sink.Infof("received %q, awaiting frame length", token)
		m.setState(StateReceiveSize)
		return nil
	default:
		m.ignore(token)
		return nil
	}
}

func (m *Machine) receiveSize(s *Stream) error {
	b, ok, err := s.ReadSizeByte()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if b == protocol.SizeSentinel {
		n := m.FrameLength()
		if n == 0 {
			return ErrNoFrameLength
		}
		m.sink.Infof("size phase complete, frame length %d", n)
		m.setState(StateAwaitStart)
		return nil
	}
	if prev := m.FrameLength(); prev != 0 {
		m.sink.Warnf("frame length renegotiated %d -> %d", prev, b)
	} else {
		m.sink.Infof("frame length %d", b)
	}
	m.frameLen.Store(int32(b))
	observability.SetFrameLength(int(b))
	return s.WriteByte(protocol.AckSize)
}

func (m *Machine) awaitStart(s *Stream) error {
	if err := s.WriteByte(protocol.RequestReady); err != nil {
		return err
	}
	token, err := s.ReadToken(protocol.TokenReady)
	if err != nil {
		return err
	}
	switch token {
	case protocol.TokenReady:
		m.sink.Infof("peer ready, streaming %d values per frame", m.FrameLength())
		m.setState(StateReceiveData)
	case "":
	default:
		m.ignore(token)
	}
	return nil
}

func (m *Machine) receiveData(ctx context.Context, s *Stream) error {
	n := m.FrameLength()
	f, err := frame.Receive(ctx, s, n)
	if err == nil {
		m.sink.AppendFrame(f)
		count := m.frames.Add(1)
		observability.RecordFrame(n)
		m.sink.Infof("frame %d received", count)
		return nil
	}
	if errors.Is(err, protocol.ErrDecode) {
		observability.RecordDroppedFrame("decode")
		m.sink.Errorf("frame dropped: %v", err)
		return nil
	}
	var short *frame.ShortReadError
	if errors.As(err, &short) && short.Got > 0 {
		reason := "partial"
		if errors.Is(err, protocol.ErrStopped) {
			reason = "stopped"
		}
		observability.RecordDroppedFrame(reason)
		m.sink.Warnf("incomplete frame discarded: %v", err)
	}
	return err
}

func (m *Machine) ignore(token string) {
	observability.RecordIgnoredToken()
	if len(token) > 32 {
		token = token[:32] + "..."
	}
	m.sink.Warnf("ignored token %q in state %s", token, m.State())
}
