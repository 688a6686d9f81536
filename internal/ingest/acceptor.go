package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/telemd/internal/observability"
	"github.com/danmuck/telemd/internal/protocol"
	"github.com/danmuck/telemd/internal/protocol/session"
	"github.com/google/uuid"
)

// SessionInfo describes the connection currently being served.
type SessionInfo struct {
	ID          string    `json:"id"`
	Peer        string    `json:"peer"`
	State       string    `json:"state"`
	FrameLength int       `json:"frame_length"`
	Frames      uint64    `json:"frames"`
	Since       time.Time `json:"since"`
}

type activeSession struct {
	id      uuid.UUID
	conn    net.Conn
	machine *session.Machine
	since   time.Time
}

// Acceptor owns one listening socket and serves accepted connections one at
// a time. It is single use: after Shutdown a new Acceptor is required.
type Acceptor struct {
	cfg  session.Config
	ln   net.Listener
	sink session.Sink

	accepted atomic.Uint64

	mu      sync.Mutex
	closing bool
	active  *activeSession
}

// Listen binds addr. A failure here is fatal for the service instance.
func Listen(addr string, cfg session.Config, sink session.Sink) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %w", protocol.ErrTransport, addr, err)
	}
	return &Acceptor{cfg: cfg.WithDefaults(), ln: ln, sink: sink}, nil
}

func (a *Acceptor) Addr() net.Addr {
	return a.ln.Addr()
}

// Accepted is the number of connections served by this acceptor.
func (a *Acceptor) Accepted() uint64 {
	return a.accepted.Load()
}

// Serve accepts connections sequentially and runs the protocol on each until
// it ends. It returns nil after Shutdown and an error when Accept fails.
func (a *Acceptor) Serve(ctx context.Context) error {
	defer a.ln.Close()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.sink.Errorf("accept failed: %v", err)
			return fmt.Errorf("%w: accept: %w", protocol.ErrTransport, err)
		}
		a.serveConn(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (a *Acceptor) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	as := &activeSession{
		id:      uuid.New(),
		conn:    conn,
		machine: session.NewMachine(a.cfg, a.sink),
		since:   time.Now(),
	}
	if !a.track(as) {
		return
	}
	defer a.untrack()
	a.accepted.Add(1)
	observability.RecordSession()

	peer := conn.RemoteAddr().String()
	a.sink.Infof("connection accepted from %s session=%s", peer, as.id)
	err := as.machine.Run(ctx, conn)
	frames := as.machine.Frames()
	switch {
	case errors.Is(err, protocol.ErrStopped):
		a.sink.Infof("session %s stopped after %d frames", as.id, frames)
	case errors.Is(err, protocol.ErrPeerClosed):
		a.sink.Infof("peer %s disconnected after %d frames", peer, frames)
	default:
		a.sink.Errorf("session %s ended after %d frames: %v", as.id, frames, err)
	}
}

func (a *Acceptor) track(as *activeSession) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.active = as
	return true
}

func (a *Acceptor) untrack() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = nil
}

// Active reports the session being served, if any.
func (a *Acceptor) Active() (SessionInfo, bool) {
	a.mu.Lock()
	as := a.active
	a.mu.Unlock()
	if as == nil {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:          as.id.String(),
		Peer:        as.conn.RemoteAddr().String(),
		State:       as.machine.State().String(),
		FrameLength: as.machine.FrameLength(),
		Frames:      as.machine.Frames(),
		Since:       as.since,
	}, true
}

// Shutdown forces both directions of the active connection closed and closes
// the listener, unblocking any pending Accept or Read. Errors are expected on
// this path and ignored.
func (a *Acceptor) Shutdown() {
	a.mu.Lock()
	a.closing = true
	as := a.active
	a.mu.Unlock()
	if as != nil {
		shutdownConn(as.conn)
	}
	_ = a.ln.Close()
}

func shutdownConn(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseRead()
		_ = tcp.CloseWrite()
	}
	_ = conn.Close()
}
