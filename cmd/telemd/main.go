package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/danmuck/telemd/internal/config"
	"github.com/danmuck/telemd/internal/daemon"
	"github.com/danmuck/telemd/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "telemd.toml", "path to telemd.toml")
	listen := flag.String("listen", "", "override listen_addr")
	controlAddr := flag.String("control", "", "override control_addr")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemd: %v\n", err)
		os.Exit(1)
	}
	if v := strings.TrimSpace(*listen); v != "" {
		cfg.Ingest.ListenAddr = v
	}
	if v := strings.TrimSpace(*controlAddr); v != "" {
		cfg.ControlAddr = v
	}
	daemon.ApplyLogLevel(cfg.LogLevel)

	log.Info().
		Str("listen_addr", cfg.Ingest.ListenAddr).
		Str("control_addr", cfg.ControlAddr).
		Str("save_path", cfg.Ingest.SavePath).
		Msg("telemd starting")
	if err := daemon.NewService(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "telemd: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig falls back to defaults when the file does not exist.
func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("telemd config not found, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}
