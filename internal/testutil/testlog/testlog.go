// Package testlog gives tests the shared logger setup and marks test
// boundaries in the log stream.
package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/telemd/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and logs the test name, then its outcome and
// duration when the test finishes.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	began := time.Now()
	log.Info().Str("test", t.Name()).Msg("test.start")
	t.Cleanup(func() {
		ev := log.Info()
		if t.Failed() {
			ev = log.Warn()
		}
		ev.Str("test", t.Name()).
			Bool("failed", t.Failed()).
			Dur("elapsed", time.Since(began)).
			Msg("test.end")
	})
}
