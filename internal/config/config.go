// Package config loads telemd.toml and renders its template.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/telemd/internal/ingest"
	"github.com/danmuck/telemd/internal/logging"
	gotoml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("config: invalid")

// File is the on-disk key mapping. Durations are Go duration strings.
type File struct {
	ListenAddr       string   `toml:"listen_addr"`
	ControlAddr      string   `toml:"control_addr"`
	SavePath         string   `toml:"save_path"`
	SaveOnExit       bool     `toml:"save_on_exit"`
	CorsOrigins      []string `toml:"cors_origins"`
	LogLevel         string   `toml:"log_level"`
	HandshakeTimeout string   `toml:"handshake_timeout"`
	IdleTimeout      string   `toml:"idle_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
}

// Config is the resolved daemon configuration.
type Config struct {
	Ingest      ingest.Config
	ControlAddr string
	SaveOnExit  bool
	CorsOrigins []string
	LogLevel    zerolog.Level
}

func Default() Config {
	return Config{
		Ingest:      ingest.DefaultConfig(),
		ControlAddr: "127.0.0.1:9501",
		SaveOnExit:  true,
		CorsOrigins: []string{"http://localhost:3000"},
		LogLevel:    zerolog.InfoLevel,
	}
}

// Load decodes path and overlays every key it defines onto Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	if meta.IsDefined("listen_addr") {
		cfg.Ingest.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("control_addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.ControlAddr)
	}
	if meta.IsDefined("save_path") {
		cfg.Ingest.SavePath = strings.TrimSpace(raw.SavePath)
	}
	if meta.IsDefined("save_on_exit") {
		cfg.SaveOnExit = raw.SaveOnExit
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = trimAll(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		level, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return Config{}, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, raw.LogLevel)
		}
		cfg.LogLevel = level
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Ingest.Session.HandshakeTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.Ingest.Session.IdleTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Ingest.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.key, err)
		}
		*d.dst = v
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	cfg.Ingest.Session = cfg.Ingest.Session.WithDefaults()
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Ingest.ListenAddr) == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Ingest.SavePath) == "" {
		return fmt.Errorf("%w: save_path is required", ErrInvalidConfig)
	}
	if cfg.ControlAddr != "" && cfg.ControlAddr == cfg.Ingest.ListenAddr {
		return fmt.Errorf("%w: control_addr must differ from listen_addr", ErrInvalidConfig)
	}
	s := cfg.Ingest.Session
	if s.HandshakeTimeout < 0 || s.IdleTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Template renders the defaults in telemd.toml form.
func Template() (string, error) {
	def := Default()
	out, err := gotoml.Marshal(FileFrom(def))
	if err != nil {
		return "", fmt.Errorf("config template: %w", err)
	}
	return string(out), nil
}

// FileFrom maps a resolved config back to its on-disk keys.
func FileFrom(cfg Config) File {
	return File{
		ListenAddr:       cfg.Ingest.ListenAddr,
		ControlAddr:      cfg.ControlAddr,
		SavePath:         cfg.Ingest.SavePath,
		SaveOnExit:       cfg.SaveOnExit,
		CorsOrigins:      cfg.CorsOrigins,
		LogLevel:         cfg.LogLevel.String(),
		HandshakeTimeout: cfg.Ingest.Session.HandshakeTimeout.String(),
		IdleTimeout:      cfg.Ingest.Session.IdleTimeout.String(),
		WriteTimeout:     cfg.Ingest.Session.WriteTimeout.String(),
	}
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
