package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"camrelay/internal/models"
)

// fakeSink 记录写入内容，可模拟写失败
type fakeSink struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	done   chan struct{}
	once   sync.Once
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{})}
}

func (s *fakeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("broken pipe")
	}
	s.writes = append(s.writes, bytes.Clone(p))
	return len(p), nil
}

func (s *fakeSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSink) Done() <-chan struct{} { return s.done }

func (s *fakeSink) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *fakeSink) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// frameSink 实现 FrameWriter 的观看端
type frameSink struct {
	*fakeSink
	frames []*models.Frame
}

func (s *frameSink) WriteFrame(f *models.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestBroadcastDropsFailingSink(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	ok1, broken, ok2 := newFakeSink(), newFakeSink(), newFakeSink()
	broken.fail = true

	ch.SubscribeVideo(ok1)
	ch.SubscribeVideo(broken)
	ch.SubscribeVideo(ok2)

	payload := bytes.Repeat([]byte{0xAB}, 64)
	ch.IngestFrame(payload, 1)

	if got := ch.Stats().Video.Clients; got != 2 {
		t.Fatalf("video clients = %d, want 2", got)
	}
	if !broken.closed() {
		t.Error("failing sink not closed")
	}

	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 64\r\nX-Device-ID: cam1\r\n\r\n" +
		string(payload) + "\r\n"
	for i, s := range []*fakeSink{ok1, ok2} {
		writes := s.Writes()
		if len(writes) != 1 {
			t.Fatalf("sink %d got %d writes, want 1", i, len(writes))
		}
		if string(writes[0]) != want {
			t.Errorf("sink %d got %q", i, writes[0])
		}
	}
}

func TestSubscribeVideoBootstrapsLatestFrame(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	ch.IngestFrame([]byte("old"), 1)
	ch.IngestFrame([]byte("new"), 2)

	s := newFakeSink()
	ch.SubscribeVideo(s)

	writes := s.Writes()
	if len(writes) != 1 || !bytes.Contains(writes[0], []byte("new")) {
		t.Fatalf("bootstrap writes = %q", writes)
	}

	// 重复订阅不会重复加入
	ch.SubscribeVideo(s)
	if got := ch.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
}

func TestFrameWriterReceivesRawFrames(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	s := &frameSink{fakeSink: newFakeSink()}
	ch.SubscribeVideo(s)
	f := ch.IngestFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}, 9)

	if len(s.frames) != 1 || s.frames[0] != f {
		t.Fatalf("frames = %v", s.frames)
	}
	if len(s.Writes()) != 0 {
		t.Error("FrameWriter sink also received multipart bytes")
	}
}

func TestAudioBroadcastIsUnframed(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	s := newFakeSink()
	ch.SubscribeAudio(s)

	ch.IngestAudio([]byte{1, 2, 3, 4}, 10)
	ch.IngestAudio([]byte{5, 6}, 11)

	writes := s.Writes()
	if len(writes) != 2 {
		t.Fatalf("got %d writes", len(writes))
	}
	if !bytes.Equal(writes[0], []byte{1, 2, 3, 4}) || !bytes.Equal(writes[1], []byte{5, 6}) {
		t.Errorf("audio writes = %v", writes)
	}
}

func TestClosedSinkIsUnsubscribed(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	v, a := newFakeSink(), newFakeSink()
	ch.SubscribeVideo(v)
	ch.SubscribeAudio(a)
	if ch.ClientCount() != 2 {
		t.Fatalf("ClientCount = %d", ch.ClientCount())
	}

	v.Close()
	waitFor(t, "video sink removal", func() bool { return ch.Stats().Video.Clients == 0 })
	a.Close()
	waitFor(t, "audio sink removal", func() bool { return ch.ClientCount() == 0 })
}

func TestLiveness(t *testing.T) {
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	opts := DefaultOptions()
	opts.Clock = clock.Now
	ch := NewChannel("cam1", opts)

	if ch.IsVideoActive(5*time.Second) || ch.IsAudioActive(5*time.Second) {
		t.Fatal("fresh channel reported active")
	}

	ch.IngestFrame([]byte("f"), 1)
	clock.Advance(4 * time.Second)
	ch.IngestAudio([]byte("a"), 1)

	if !ch.IsVideoActive(5 * time.Second) {
		t.Error("video inactive 4s after ingest")
	}
	clock.Advance(2 * time.Second)
	if ch.IsVideoActive(5 * time.Second) {
		t.Error("video active 6s after ingest")
	}
	if !ch.IsAudioActive(5 * time.Second) {
		t.Error("audio inactive 2s after ingest")
	}

	stats := ch.Stats()
	if stats.Video.Active || !stats.Audio.Active {
		t.Errorf("stats liveness = video %v audio %v", stats.Video.Active, stats.Audio.Active)
	}
}

func TestStatsCounts(t *testing.T) {
	opts := DefaultOptions()
	ch := NewChannel("cam1", opts)
	for i := 0; i < 35; i++ {
		ch.IngestFrame([]byte{byte(i)}, uint16(i))
	}
	ch.IngestAudio([]byte{1}, 1)
	ch.SubscribeAudio(newFakeSink())

	stats := ch.Stats()
	if stats.FramesReceived != 35 || stats.Video.Received != 35 {
		t.Errorf("frames received = %d", stats.FramesReceived)
	}
	if stats.Video.Dropped != 5 || stats.Video.Buffered != 30 {
		t.Errorf("video dropped/buffered = %d/%d", stats.Video.Dropped, stats.Video.Buffered)
	}
	if stats.AudioReceived != 1 || stats.Audio.Buffered != 1 {
		t.Errorf("audio stats = %+v", stats.Audio)
	}
	if stats.ConnectedClients != 1 {
		t.Errorf("ConnectedClients = %d", stats.ConnectedClients)
	}
}

func TestFrameNear(t *testing.T) {
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	opts := DefaultOptions()
	opts.Clock = clock.Now
	ch := NewChannel("cam1", opts)

	f := ch.IngestFrame([]byte("f"), 1)
	clock.Advance(300 * time.Millisecond)
	chunk := ch.IngestAudio([]byte("a"), 1)

	if got := ch.FrameNear(chunk.CapturedAtMs, 500); got != f {
		t.Errorf("FrameNear = %v, want frame captured 300ms earlier", got)
	}
	if got := ch.FrameNear(chunk.CapturedAtMs, 100); got != nil {
		t.Errorf("FrameNear with 100ms tolerance = %v, want nil", got)
	}
}

func TestChannelClear(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	ch.IngestFrame([]byte("f"), 1)
	ch.IngestAudio([]byte("a"), 1)
	v, a := newFakeSink(), newFakeSink()
	ch.SubscribeVideo(v)
	ch.SubscribeAudio(a)

	ch.Clear()

	if ch.LatestFrame() != nil || ch.LatestAudio() != nil {
		t.Error("buffers not empty after Clear")
	}
	if !v.closed() || !a.closed() {
		t.Error("sinks not closed by Clear")
	}
	if ch.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after Clear", ch.ClientCount())
	}
}

func TestQueueSink(t *testing.T) {
	s := NewQueueSink(2)
	if _, err := s.Write([]byte("a")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := s.Write([]byte("b")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if _, err := s.Write([]byte("c")); !errors.Is(err, ErrSinkBusy) {
		t.Fatalf("write to full queue = %v, want ErrSinkBusy", err)
	}

	var got []string
	delivered := make(chan struct{})
	go func() {
		s.Drain(context.Background(), func(p []byte) error {
			got = append(got, string(p))
			if len(got) == 2 {
				close(delivered)
				return errors.New("client gone")
			}
			return nil
		})
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("Drain did not deliver queued writes")
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sink not closed after deliver error")
	}
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("delivery order = %v", got)
	}
	if _, err := s.Write([]byte("d")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("write after close = %v, want ErrSinkClosed", err)
	}
}

func TestSlowQueueSinkIsDroppedNotBlocking(t *testing.T) {
	ch := NewChannel("cam1", DefaultOptions())
	slow := NewQueueSink(1) // 无人 Drain
	fast := newFakeSink()
	ch.SubscribeVideo(slow)
	ch.SubscribeVideo(fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			ch.IngestFrame([]byte{byte(i)}, uint16(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ingest blocked on slow sink")
	}
	if len(fast.Writes()) != 10 {
		t.Errorf("fast sink got %d frames, want 10", len(fast.Writes()))
	}
	if ch.Stats().Video.Clients != 1 {
		t.Errorf("slow sink still subscribed")
	}
}
