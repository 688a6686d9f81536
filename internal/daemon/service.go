// Package daemon runs the ingest controller and its control API as one
// process.
package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/telemd/internal/config"
	"github.com/danmuck/telemd/internal/control"
	"github.com/danmuck/telemd/internal/ingest"
	"github.com/danmuck/telemd/internal/logging"
	"github.com/danmuck/telemd/internal/observability"
	"github.com/rs/zerolog"
)

type Service struct {
	cfg    config.Config
	ctl    *ingest.Controller
	logger zerolog.Logger

	controlAddr chan net.Addr
}

func NewService(cfg config.Config) *Service {
	return &Service{
		cfg:         cfg,
		ctl:         ingest.NewController(cfg.Ingest),
		logger:      observability.Component("daemon"),
		controlAddr: make(chan net.Addr, 1),
	}
}

func (s *Service) Controller() *ingest.Controller {
	return s.ctl
}

// ControlAddr yields the bound control address once Serve has listened.
func (s *Service) ControlAddr() <-chan net.Addr {
	return s.controlAddr
}

// ApplyLogLevel sets the configured level unless the environment already
// chose one.
func ApplyLogLevel(level zerolog.Level) {
	if strings.TrimSpace(os.Getenv(logging.EnvLogLevel)) != "" {
		return
	}
	zerolog.SetGlobalLevel(level)
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve starts ingest and the control API, then tears both down when ctx is
// done. The ingest service is stopped before the buffer is saved.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.ctl.Start(); err != nil {
		return err
	}
	defer s.shutdown()

	addr := strings.TrimSpace(s.cfg.ControlAddr)
	if addr == "" {
		s.logger.Info().Msg("daemon.Service control API disabled")
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.controlAddr <- ln.Addr()
	srv := control.New(control.Config{Addr: addr, CorsOrigins: s.cfg.CorsOrigins}, s.ctl)
	if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) shutdown() {
	s.ctl.Stop()
	if !s.cfg.SaveOnExit {
		return
	}
	n, err := s.ctl.Save("")
	if err != nil {
		s.logger.Error().Err(err).Msg("daemon.Service save on exit failed")
		return
	}
	s.logger.Info().Int("frames", n).Str("path", s.ctl.SavePath()).Msg("daemon.Service saved buffer")
}
