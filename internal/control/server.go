// Package control exposes the ingest controller over HTTP: lifecycle
// actions, buffer and event queries, an event stream and metrics.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/telemd/internal/buffer"
	"github.com/danmuck/telemd/internal/ingest"
	"github.com/danmuck/telemd/internal/observability"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Service is the controller surface the HTTP API drives.
type Service interface {
	Start() error
	Stop()
	Reset() error
	Running() bool
	Status() ingest.Status
	Frames(offset, limit int) []frame.Frame
	FrameCount() int
	Events(since uint64) []buffer.Event
	Subscribe(size int) (<-chan buffer.Event, func())
	SavePath() string
	Save(path string) (int, error)
}

var _ Service = (*ingest.Controller)(nil)

type Config struct {
	Addr        string
	CorsOrigins []string
}

type Server struct {
	cfg      Config
	svc      Service
	router   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	started  time.Time
}

func New(cfg Config, svc Service) *Server {
	observability.RegisterMetrics()
	logger := observability.Component("control")
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:    cfg,
		svc:    svc,
		router: r,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("control.Server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		<-errCh
		s.logger.Info().Msg("control.Server stopped")
		return nil
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return fmt.Errorf("control: listen address required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
