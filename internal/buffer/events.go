package buffer

import (
	"fmt"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one timestamped, human-readable protocol milestone or error.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Level, e.Message)
}

// Events is the append-only event history. Sequence numbers keep growing
// across Clear so pollers never see a number twice.
type Events struct {
	mu      sync.RWMutex
	events  []Event
	nextSeq uint64
	subs    map[chan Event]struct{}
	now     func() time.Time
}

func NewEvents() *Events {
	return &Events{
		subs: make(map[chan Event]struct{}),
		now:  time.Now,
	}
}

func (l *Events) Append(level Level, msg string) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	ev := Event{Seq: l.nextSeq, Time: l.now(), Level: level, Message: msg}
	l.events = append(l.events, ev)
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it can recover with Since.
		}
	}
	return ev
}

func (l *Events) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Since returns the events with Seq greater than seq, oldest first.
func (l *Events) Since(seq uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0)
	for _, ev := range l.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

func (l *Events) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// Subscribe delivers events appended after the call until cancel is invoked.
func (l *Events) Subscribe(size int) (<-chan Event, func()) {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}
