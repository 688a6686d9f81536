package buffer

import (
	"sync"

	"github.com/danmuck/telemd/internal/protocol/frame"
)

// Frames is the append-only, arrival-ordered collection of decoded frames.
// It is cleared only by an explicit Clear.
type Frames struct {
	mu     sync.RWMutex
	frames []frame.Frame
}

func NewFrames() *Frames {
	return &Frames{}
}

func (b *Frames) Append(f frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f.Clone())
}

func (b *Frames) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.frames)
}

// Snapshot returns a copy of every buffered frame in arrival order.
func (b *Frames) Snapshot() []frame.Frame {
	return b.Range(0, -1)
}

// Range returns copies of up to limit frames starting at offset. A negative
// limit means no bound.
func (b *Frames) Range(offset, limit int) []frame.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(b.frames) {
		return []frame.Frame{}
	}
	end := len(b.frames)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]frame.Frame, 0, end-offset)
	for _, f := range b.frames[offset:end] {
		out = append(out, f.Clone())
	}
	return out
}

func (b *Frames) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}
