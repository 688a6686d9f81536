package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/danmuck/telemd/internal/testutil/testlog"
)

func TestFramesAppendKeepsArrivalOrder(t *testing.T) {
	testlog.Start(t)
	b := NewFrames()
	for i := 0; i < 5; i++ {
		b.Append(frame.Frame{float64(i)})
	}
	snap := b.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("len got=%d", len(snap))
	}
	for i, f := range snap {
		if f[0] != float64(i) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
}

func TestFramesSnapshotIsIsolated(t *testing.T) {
	testlog.Start(t)
	b := NewFrames()
	src := frame.Frame{1, 2}
	b.Append(src)
	src[0] = 99
	snap := b.Snapshot()
	if snap[0][0] != 1 {
		t.Fatalf("append aliased caller slice")
	}
	snap[0][1] = 42
	if b.Snapshot()[0][1] != 2 {
		t.Fatalf("snapshot aliased buffer")
	}
}

func TestFramesRange(t *testing.T) {
	testlog.Start(t)
	b := NewFrames()
	for i := 0; i < 10; i++ {
		b.Append(frame.Frame{float64(i)})
	}
	page := b.Range(3, 4)
	if len(page) != 4 || page[0][0] != 3 || page[3][0] != 6 {
		t.Fatalf("unexpected page: %v", page)
	}
	if got := b.Range(8, 10); len(got) != 2 {
		t.Fatalf("tail page len got=%d", len(got))
	}
	if got := b.Range(20, 1); len(got) != 0 {
		t.Fatalf("out of range page len got=%d", len(got))
	}
	if got := b.Range(-5, -1); len(got) != 10 {
		t.Fatalf("unbounded page len got=%d", len(got))
	}
}

func TestFramesClear(t *testing.T) {
	testlog.Start(t)
	b := NewFrames()
	b.Append(frame.Frame{1})
	b.Clear()
	if b.Len() != 0 || len(b.Snapshot()) != 0 {
		t.Fatalf("buffer not cleared")
	}
}

func TestFramesConcurrentReaders(t *testing.T) {
	testlog.Start(t)
	b := NewFrames()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			b.Append(frame.Frame{float64(i)})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := b.Snapshot()
				for j, f := range snap {
					if f[0] != float64(j) {
						t.Errorf("snapshot out of order at %d: %v", j, f)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if b.Len() != 500 {
		t.Fatalf("len got=%d", b.Len())
	}
}

func TestEventsSequenceAndSince(t *testing.T) {
	testlog.Start(t)
	l := NewEvents()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Append(LevelInfo, "a")
	l.Append(LevelWarn, "b")
	third := l.Append(LevelError, "c")
	if third.Seq != 3 {
		t.Fatalf("seq got=%d", third.Seq)
	}
	since := l.Since(1)
	if len(since) != 2 || since[0].Message != "b" || since[1].Message != "c" {
		t.Fatalf("unexpected since: %+v", since)
	}
	if got := third.String(); got != "2026-01-02T03:04:05Z [error] c" {
		t.Fatalf("string got=%q", got)
	}

	l.Clear()
	if l.Len() != 0 {
		t.Fatalf("events not cleared")
	}
	if next := l.Append(LevelInfo, "d"); next.Seq != 4 {
		t.Fatalf("seq must keep growing after clear, got=%d", next.Seq)
	}
}

func TestEventsSubscribe(t *testing.T) {
	testlog.Start(t)
	l := NewEvents()
	l.Append(LevelInfo, "before")
	ch, cancel := l.Subscribe(4)
	l.Append(LevelInfo, "after")

	select {
	case ev := <-ch:
		if ev.Message != "after" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after cancel")
	}
	l.Append(LevelInfo, "ignored")
}
