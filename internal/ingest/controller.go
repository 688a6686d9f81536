package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/danmuck/telemd/internal/buffer"
	"github.com/danmuck/telemd/internal/export"
	"github.com/danmuck/telemd/internal/observability"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/danmuck/telemd/internal/protocol/session"
	"github.com/rs/zerolog"
)

var ErrSavePathRequired = errors.New("ingest: save path required")

// Config is the ingest service configuration.
type Config struct {
	ListenAddr string
	SavePath   string
	Session    session.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		SavePath:   "received_data.csv",
		Session:    session.DefaultConfig(),
	}
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running    bool         `json:"running"`
	ListenAddr string       `json:"listen_addr,omitempty"`
	Session    *SessionInfo `json:"session,omitempty"`
	Frames     int          `json:"frames"`
	Events     int          `json:"events"`
	Sessions   uint64       `json:"sessions_total"`
	LastError  string       `json:"last_error,omitempty"`
}

type run struct {
	acceptor *Acceptor
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

func (r *run) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Controller owns the frame buffer, the event history and the background
// network service. Start, Stop and Reset are serialized; the background
// goroutine is the only writer of the buffers.
type Controller struct {
	cfg    Config
	frames *buffer.Frames
	events *buffer.Events
	sink   *recorder
	logger zerolog.Logger

	mu           sync.Mutex
	run          *run
	pastSessions uint64
	lastErr      error
}

func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if strings.TrimSpace(cfg.SavePath) == "" {
		cfg.SavePath = def.SavePath
	}
	cfg.Session = cfg.Session.WithDefaults()
	logger := observability.Component("ingest")
	c := &Controller{
		cfg:    cfg,
		frames: buffer.NewFrames(),
		events: buffer.NewEvents(),
		logger: logger,
	}
	c.sink = &recorder{frames: c.frames, events: c.events, logger: logger}
	return c
}

// Start binds the listener and runs the accept loop in the background. It
// returns without waiting for connections. Starting a running controller is
// a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	if c.run != nil {
		if c.run.alive() {
			return nil
		}
		c.reapLocked()
	}
	acc, err := Listen(c.cfg.ListenAddr, c.cfg.Session, c.sink)
	if err != nil {
		c.lastErr = err
		c.sink.Errorf("service failed to start: %v", err)
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{acceptor: acc, cancel: cancel, done: make(chan struct{})}
	c.run = r
	c.lastErr = nil
	c.sink.Infof("listening on %s", acc.Addr())
	c.logger.Info().Str("addr", acc.Addr().String()).Msg("ingest.Controller started")

	go func() {
		defer close(r.done)
		if err := acc.Serve(ctx); err != nil {
			r.err = err
			c.logger.Error().Err(err).Msg("ingest.Controller accept loop terminated")
		}
	}()
	return nil
}

// Stop cancels the background service, forces its sockets closed and waits
// for the goroutine to exit. Stopping a stopped controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.run == nil {
		return
	}
	r := c.run
	r.cancel()
	r.acceptor.Shutdown()
	<-r.done
	c.reapLocked()
	c.sink.Infof("service stopped")
	c.logger.Info().Msg("ingest.Controller stopped")
}

// reapLocked folds an exited run into the controller totals.
func (c *Controller) reapLocked() {
	r := c.run
	c.run = nil
	r.cancel()
	c.pastSessions += r.acceptor.Accepted()
	if r.err != nil {
		c.lastErr = r.err
	}
}

// Reset stops the service, clears frames and events, then starts a fresh
// acceptor. The clear happens only after the previous goroutine has exited.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.frames.Clear()
	c.events.Clear()
	c.sink.Infof("service reset")
	c.logger.Info().Msg("ingest.Controller buffers cleared")
	return c.startLocked()
}

func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && c.run.alive()
}

// Addr is the bound listen address, empty when stopped.
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil || !c.run.alive() {
		return ""
	}
	return c.run.acceptor.Addr().String()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Frames:   c.frames.Len(),
		Events:   c.events.Len(),
		Sessions: c.pastSessions,
	}
	if c.run != nil {
		st.Sessions += c.run.acceptor.Accepted()
		if c.run.alive() {
			st.Running = true
			st.ListenAddr = c.run.acceptor.Addr().String()
			if info, ok := c.run.acceptor.Active(); ok {
				st.Session = &info
			}
		} else if c.run.err != nil {
			st.LastError = c.run.err.Error()
		}
	}
	if st.LastError == "" && c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Frames returns a page of the buffered frames. A negative limit returns
// everything from offset.
func (c *Controller) Frames(offset, limit int) []frame.Frame {
	return c.frames.Range(offset, limit)
}

func (c *Controller) FrameCount() int {
	return c.frames.Len()
}

// Events returns events with a sequence number above since.
func (c *Controller) Events(since uint64) []buffer.Event {
	return c.events.Since(since)
}

// Subscribe streams new events until cancel is called.
func (c *Controller) Subscribe(size int) (<-chan buffer.Event, func()) {
	return c.events.Subscribe(size)
}

// SavePath is the table path used when Save is given none.
func (c *Controller) SavePath() string {
	return c.cfg.SavePath
}

// Save writes a snapshot of the buffer to path, or to the configured save
// path when path is empty, and returns the number of frames written.
func (c *Controller) Save(path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = c.cfg.SavePath
	}
	if path == "" {
		return 0, ErrSavePathRequired
	}
	frames := c.frames.Snapshot()
	if err := export.SaveFile(path, frames); err != nil {
		c.sink.Errorf("save failed: %v", err)
		return 0, err
	}
	c.sink.Infof("saved %d frames to %s", len(frames), path)
	return len(frames), nil
}
