package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/telemd/internal/protocol"
	"github.com/danmuck/telemd/internal/protocol/frame"
	"github.com/danmuck/telemd/internal/testutil/testlog"
)

func TestBackoffDelay(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := map[int]time.Duration{
		1:  250 * time.Millisecond,
		2:  500 * time.Millisecond,
		3:  time.Second,
		6:  5 * time.Second,
		40: 5 * time.Second,
	}
	for attempt, d := range want {
		if got := cfg.Delay(attempt, nil); got != d {
			t.Fatalf("attempt%d got=%v want=%v", attempt, got, d)
		}
	}

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		got := cfg.Delay(3, rng)
		if got < 500*time.Millisecond || got > time.Second {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
	if got := (BackoffConfig{}).Delay(3, rng); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{IdleTimeout: -time.Second}.WithDefaults()
	def := DefaultConfig()
	if cfg.ConnectTimeout != def.ConnectTimeout || cfg.WriteTimeout != def.WriteTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.IdleTimeout != 0 || cfg.HandshakeTimeout != 0 {
		t.Fatalf("read timeouts must stay disabled: %+v", cfg)
	}
	if cfg.Backoff != def.Backoff {
		t.Fatalf("backoff defaults not applied: %+v", cfg.Backoff)
	}
}

func TestSplitToken(t *testing.T) {
	testlog.Start(t)
	all := []string{protocol.TokenPrepared, protocol.TokenSucceed, protocol.TokenSizeComing}
	cases := []struct {
		name     string
		in       string
		keywords []string
		token    string
		rest     string
	}{
		{"bare", "prepared", all, "prepared", ""},
		{"trimmed", "  prepared\r\n", all, "prepared", ""},
		{"unknown", " hello \n", all, "hello", ""},
		{"coalesced text", "prepared\nsucceed\n", all, "prepared", "succeed\n"},
		{"size byte", "sizecoming\x03", all, "sizecoming", "\x03"},
		{"terminator alone after size keyword", "sizecoming\n", all, "sizecoming", ""},
		{"terminator alone after ready", "ready\r\n", []string{protocol.TokenReady}, "ready", ""},
		{"newline is a size byte", "sizecoming\n\x03\x00", all, "sizecoming", "\n\x03\x00"},
		{"size ten then sentinel", "sizecoming\x0a\x00", all, "sizecoming", "\n\x00"},
		{"two newline bytes", "sizecoming\n\n", all, "sizecoming", "\n\n"},
		{"ready with data", "ready\r\n\x01\x02", []string{protocol.TokenReady}, "ready", "\r\n\x01\x02"},
		{"keyword prefix of a word", "preparedness", all, "preparedness", ""},
		{"keyword glued to keyword", "succeedprepared\n", all, "succeedprepared", ""},
		{"keyword not valid in state", "ready", all, "ready", ""},
	}
	for _, tc := range cases {
		token, rest := splitToken([]byte(tc.in), tc.keywords)
		if token != tc.token || string(rest) != tc.rest {
			t.Fatalf("%s: got token=%q rest=%q want token=%q rest=%q", tc.name, token, rest, tc.token, tc.rest)
		}
	}
}

func TestStreamCarriesBytesAcrossReads(t *testing.T) {
	testlog.Start(t)
	s := NewStream(rwPair{Reader: strings.NewReader("sizecoming\x07rest")})
	token, err := s.ReadToken(protocol.TokenSizeComing)
	if err != nil || token != protocol.TokenSizeComing {
		t.Fatalf("token=%q err=%v", token, err)
	}
	if s.Buffered() != 5 {
		t.Fatalf("buffered got=%d", s.Buffered())
	}
	b, ok, err := s.ReadSizeByte()
	if err != nil || !ok || b != 7 {
		t.Fatalf("size byte got=%d ok=%v err=%v", b, ok, err)
	}
	rest, err := io.ReadAll(s)
	if err != nil || string(rest) != "rest" {
		t.Fatalf("rest got=%q err=%v", rest, err)
	}
	if _, err := s.ReadToken(); !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
}

func TestMachineHandshakeRepliesInOrder(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	client, done := runMachine(t, sink)

	send(t, client, "prepared")
	expect(t, client, '1')
	send(t, client, "succeed")
	expect(t, client, '2')
	send(t, client, "sizecoming")
	send(t, client, "\x03")
	expect(t, client, '3')
	send(t, client, "\x00")
	expect(t, client, '4')
	send(t, client, "ready")
	send(t, client, string(frame.Encode(frame.Frame{1.0, 2.5, -3.25})))
	_ = client.Close()

	if err := waitRun(t, done); !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	frames := sink.Frames()
	if len(frames) != 1 {
		t.Fatalf("expected one frame, got %d", len(frames))
	}
	if fmt.Sprint(frames[0]) != "[1 2.5 -3.25]" {
		t.Fatalf("unexpected frame: %v", frames[0])
	}
	if !sink.HasEvent("frame 1 received") {
		t.Fatalf("missing frame counter event: %v", sink.Events())
	}
}

func TestMachineIgnoresUnknownTokens(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	client, done := runMachine(t, sink)

	send(t, client, "hello")
	send(t, client, "prepared")
	// '1' being the next byte proves "hello" produced no reply.
	expect(t, client, '1')
	_ = client.Close()
	_ = waitRun(t, done)

	if !sink.HasEvent(`ignored token "hello" in state WAIT_CMD`) {
		t.Fatalf("missing ignored token event: %v", sink.Events())
	}
}

func TestMachineRetainsLastSizeBeforeSentinel(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	m := NewMachine(DefaultConfig(), sink)
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background(), server) }()
	t.Cleanup(func() { _ = server.Close() })

	send(t, client, "sizecoming")
	send(t, client, "\x05")
	expect(t, client, '3')
	send(t, client, "\x02")
	expect(t, client, '3')
	send(t, client, "\x00")
	expect(t, client, '4')
	if got := m.FrameLength(); got != 2 {
		t.Fatalf("frame length got=%d want=2", got)
	}
	if m.State() != StateAwaitStart {
		t.Fatalf("state got=%s", m.State())
	}
	_ = client.Close()
	_ = waitRun(t, done)
}

func TestMachineAwaitStartRepeatsRequest(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	client, done := runMachine(t, sink)

	send(t, client, "sizecoming")
	send(t, client, "\x01")
	expect(t, client, '3')
	send(t, client, "\x00")
	expect(t, client, '4')
	send(t, client, "not-yet")
	expect(t, client, '4')
	send(t, client, "ready")
	send(t, client, string(frame.Encode(frame.Frame{42})))
	_ = client.Close()
	_ = waitRun(t, done)

	if frames := sink.Frames(); len(frames) != 1 || frames[0][0] != 42 {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestMachineSentinelWithoutLength(t *testing.T) {
	testlog.Start(t)
	m := NewMachine(DefaultConfig(), &recordingSink{})
	rw := rwPair{Reader: strings.NewReader("sizecoming\x00"), Writer: io.Discard}
	err := m.Run(context.Background(), rw)
	if !errors.Is(err, ErrNoFrameLength) || !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected ErrNoFrameLength, got %v", err)
	}
}

func TestMachineCoalescedStream(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	m := NewMachine(DefaultConfig(), sink)
	var in bytes.Buffer
	in.WriteString("sizecoming\x02\x00ready")
	in.Write(frame.Encode(frame.Frame{1, 2}))
	in.Write(frame.Encode(frame.Frame{3, 4}))
	var out bytes.Buffer

	err := m.Run(context.Background(), rwPair{Reader: &in, Writer: &out})
	if !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if out.String() != "34" {
		t.Fatalf("replies got=%q want=%q", out.String(), "34")
	}
	frames := sink.Frames()
	if len(frames) != 2 || frames[1][1] != 4 {
		t.Fatalf("unexpected frames: %v", frames)
	}
	if m.Frames() != 2 {
		t.Fatalf("frame counter got=%d", m.Frames())
	}
}

func TestMachineDiscardsPartialFrame(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	m := NewMachine(DefaultConfig(), sink)
	payload := frame.Encode(frame.Frame{1, 2, 3})
	in := bytes.NewBufferString("sizecoming\x03\x00ready")
	in.Write(payload[:len(payload)-1])

	err := m.Run(context.Background(), rwPair{Reader: in, Writer: io.Discard})
	if !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if frames := sink.Frames(); len(frames) != 0 {
		t.Fatalf("partial frame appended: %v", frames)
	}
	if !sink.HasEvent("incomplete frame discarded") {
		t.Fatalf("missing discard event: %v", sink.Events())
	}
}

func TestMachineKeepsNewlineBytesAfterBinaryKeywords(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	m := NewMachine(DefaultConfig(), sink)
	// The first encoded byte of want is 0x0a.
	want := math.Float64frombits(0x3ff000000000000a)
	var in bytes.Buffer
	in.WriteString("sizecoming\x01\x00ready")
	in.Write(frame.Encode(frame.Frame{want}))
	var out bytes.Buffer

	err := m.Run(context.Background(), rwPair{Reader: &in, Writer: &out})
	if !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if out.String() != "34" {
		t.Fatalf("replies got=%q want=%q", out.String(), "34")
	}
	frames := sink.Frames()
	if len(frames) != 1 || math.Float64bits(frames[0][0]) != math.Float64bits(want) {
		t.Fatalf("unexpected frames: %v", frames)
	}
}

func TestMachineNewlineAsSizeByte(t *testing.T) {
	testlog.Start(t)
	m := NewMachine(DefaultConfig(), &recordingSink{})
	var out bytes.Buffer
	err := m.Run(context.Background(), rwPair{Reader: strings.NewReader("sizecoming\x0a\x00"), Writer: &out})
	if !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if got := m.FrameLength(); got != 10 {
		t.Fatalf("frame length got=%d want=10", got)
	}
	if out.String() != "34" {
		t.Fatalf("replies got=%q want=%q", out.String(), "34")
	}
}

func TestMachineIgnoresWordStartingWithKeyword(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	client, done := runMachine(t, sink)

	send(t, client, "preparedness")
	send(t, client, "prepared")
	expect(t, client, '1')
	_ = client.Close()
	_ = waitRun(t, done)

	if !sink.HasEvent(`ignored token "preparedness" in state WAIT_CMD`) {
		t.Fatalf("missing ignored token event: %v", sink.Events())
	}
}

func TestMachineMaximumFrameLength(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	m := NewMachine(DefaultConfig(), sink)
	client, server := net.Pipe()
	defer client.Close()
	done := make(chan error, 1)
	go func() {
		defer server.Close()
		done <- m.Run(context.Background(), server)
	}()

	send(t, client, "sizecoming")
	send(t, client, "\xff")
	expect(t, client, '3')
	send(t, client, "\x00")
	expect(t, client, '4')
	if got := m.FrameLength(); got != protocol.MaxFrameLength {
		t.Fatalf("frame length got=%d want=%d", got, protocol.MaxFrameLength)
	}
	send(t, client, "ready")

	want := make(frame.Frame, protocol.MaxFrameLength)
	for i := range want {
		want[i] = float64(i) - 0.5
	}
	payload := frame.Encode(want)
	if len(payload) != 2040 {
		t.Fatalf("payload size got=%d", len(payload))
	}
	send(t, client, string(payload))
	_ = client.Close()

	if err := waitRun(t, done); !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	frames := sink.Frames()
	if len(frames) != 1 || len(frames[0]) != protocol.MaxFrameLength {
		t.Fatalf("unexpected frames: %d", len(frames))
	}
	for i, v := range frames[0] {
		if v != want[i] {
			t.Fatalf("value %d got=%v want=%v", i, v, want[i])
		}
	}
}

func TestMachineStopsWhileBlocked(t *testing.T) {
	testlog.Start(t)
	sink := &recordingSink{}
	m := NewMachine(DefaultConfig(), sink)
	client, server := net.Pipe()
	defer client.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, server) }()

	if err := Handshake(client, 4); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.State() != StateReceiveData && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	_ = server.Close()
	if err := waitRun(t, done); !errors.Is(err, protocol.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestPeerHandshakeAgainstMachine(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- NewMachine(DefaultConfig(), sink).Run(context.Background(), conn)
	}()

	peer, err := NewPeer(PeerConfig{Address: ln.Addr().String(), FrameLength: 2, MaxConnectAttempts: 1})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ps, err := peer.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := ps.Send(frame.Frame{1}); !errors.Is(err, ErrFrameLengthMismatch) {
		t.Fatalf("expected ErrFrameLengthMismatch, got %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := ps.Send(frame.Frame{float64(i), -float64(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_ = ps.Close()
	if err := waitRun(t, done); !errors.Is(err, protocol.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	frames := sink.Frames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f[0] != float64(i) || f[1] != -float64(i) {
			t.Fatalf("frame %d out of order: %v", i, f)
		}
	}
}

func TestNewPeerValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := NewPeer(PeerConfig{FrameLength: 1}); !errors.Is(err, ErrPeerAddressRequired) {
		t.Fatalf("expected ErrPeerAddressRequired, got %v", err)
	}
	if _, err := NewPeer(PeerConfig{Address: "127.0.0.1:1", FrameLength: 0}); !errors.Is(err, frame.ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestHandshakeRejectsUnexpectedReply(t *testing.T) {
	testlog.Start(t)
	rw := rwPair{Reader: strings.NewReader("2"), Writer: io.Discard}
	if err := Handshake(rw, 1); !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("expected ErrUnexpectedReply, got %v", err)
	}
}

type rwPair struct {
	io.Reader
	io.Writer
}

type recordingSink struct {
	mu     sync.Mutex
	frames []frame.Frame
	events []string
}

func (s *recordingSink) AppendFrame(f frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) Infof(format string, args ...any)  { s.add(format, args...) }
func (s *recordingSink) Warnf(format string, args ...any)  { s.add(format, args...) }
func (s *recordingSink) Errorf(format string, args ...any) { s.add(format, args...) }

func (s *recordingSink) add(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, fmt.Sprintf(format, args...))
}

func (s *recordingSink) Frames() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *recordingSink) HasEvent(substr string) bool {
	for _, e := range s.Events() {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func runMachine(t *testing.T, sink Sink) (net.Conn, <-chan error) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan error, 1)
	go func() {
		defer server.Close()
		done <- NewMachine(DefaultConfig(), sink).Run(context.Background(), server)
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

func send(t *testing.T, conn net.Conn, data string) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.WriteString(conn, data); err != nil {
		t.Fatalf("send %q: %v", data, err)
	}
}

func expect(t *testing.T, conn net.Conn, want byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got [1]byte
	if _, err := io.ReadFull(conn, got[:]); err != nil {
		t.Fatalf("await %q: %v", want, err)
	}
	if got[0] != want {
		t.Fatalf("reply got=%q want=%q", got[0], want)
	}
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("machine did not exit")
		return nil
	}
}
