package ingest

import (
	"fmt"

	"github.com/danmuck/telemd/internal/buffer"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/rs/zerolog"
)

// recorder is the session.Sink backing a Controller: frames go to the frame
// buffer, messages become events and are mirrored to the process log.
type recorder struct {
	frames *buffer.Frames
	events *buffer.Events
	logger zerolog.Logger
}

func (r *recorder) AppendFrame(f frame.Frame) {
	r.frames.Append(f)
}

func (r *recorder) Infof(format string, args ...any) {
	ev := r.events.Append(buffer.LevelInfo, fmt.Sprintf(format, args...))
	r.logger.Debug().Uint64("seq", ev.Seq).Msg(ev.Message)
}

func (r *recorder) Warnf(format string, args ...any) {
	ev := r.events.Append(buffer.LevelWarn, fmt.Sprintf(format, args...))
	r.logger.Warn().Uint64("seq", ev.Seq).Msg(ev.Message)
}

func (r *recorder) Errorf(format string, args ...any) {
	ev := r.events.Append(buffer.LevelError, fmt.Sprintf(format, args...))
	r.logger.Error().Uint64("seq", ev.Seq).Msg(ev.Message)
}
