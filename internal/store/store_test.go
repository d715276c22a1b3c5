package store

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFrameStoreCapacityBound(t *testing.T) {
	s := NewFrameStore("cam1", 30, nil)
	for i := 0; i < 100; i++ {
		s.Push([]byte{byte(i)}, uint16(i))
		if s.Len() > 30 {
			t.Fatalf("len %d exceeds capacity after %d pushes", s.Len(), i+1)
		}
	}
	if s.Len() != 30 {
		t.Errorf("Len = %d, want 30", s.Len())
	}
	if s.Dropped() != 70 {
		t.Errorf("Dropped = %d, want 70", s.Dropped())
	}
}

func TestAudioStoreCapacityBound(t *testing.T) {
	s := NewAudioStore("cam1", 100, nil)
	for i := 0; i < 250; i++ {
		s.Push([]byte{1, 2}, uint16(i))
	}
	if s.Len() != 100 {
		t.Errorf("Len = %d, want 100", s.Len())
	}
	if s.Dropped() != 150 {
		t.Errorf("Dropped = %d, want 150", s.Dropped())
	}
}

func TestFrameStoreFIFOEviction(t *testing.T) {
	s := NewFrameStore("cam1", 30, nil)
	for i := 0; i < 30; i++ {
		s.Push([]byte("x"), uint16(i))
	}
	oldest := s.Frames()[0].SequenceID
	if s.Dropped() != 0 {
		t.Fatalf("Dropped = %d before overflow", s.Dropped())
	}

	s.Push([]byte("y"), 30)

	if s.Get(oldest) != nil {
		t.Errorf("frame %d still buffered after overflow", oldest)
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", s.Dropped())
	}
	frames := s.Frames()
	if frames[0].SequenceID != oldest+1 {
		t.Errorf("oldest after eviction = %d, want %d", frames[0].SequenceID, oldest+1)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].SequenceID <= frames[i-1].SequenceID {
			t.Fatalf("sequence not increasing at %d: %d <= %d", i, frames[i].SequenceID, frames[i-1].SequenceID)
		}
	}
}

func TestFrameStoreLatestAndGet(t *testing.T) {
	s := NewFrameStore("cam1", 3, nil)
	if s.Latest() != nil {
		t.Fatal("Latest on empty store should be nil")
	}

	first := s.Push([]byte("a"), 0xFFFF)
	second := s.Push([]byte("bb"), 0)

	if got := s.Latest(); got != second {
		t.Errorf("Latest = %+v, want second frame", got)
	}
	if got := s.Get(first.SequenceID); got != first {
		t.Errorf("Get(%d) = %+v", first.SequenceID, got)
	}
	if s.Get(999) != nil {
		t.Error("Get of unknown sequence should be nil")
	}
	if second.SizeBytes != 2 || second.DeviceID != "cam1" || second.SourceFrameID != 0 {
		t.Errorf("unexpected frame fields: %+v", second)
	}
}

func TestFrameStorePayloadIsCopied(t *testing.T) {
	s := NewFrameStore("cam1", 3, nil)
	payload := []byte{1, 2, 3}
	f := s.Push(payload, 1)
	payload[0] = 9
	if f.Payload[0] != 1 {
		t.Error("stored payload aliases caller buffer")
	}
}

func TestFindNear(t *testing.T) {
	clock := newFakeClock()
	s := NewFrameStore("cam1", 30, clock.Now)

	if s.FindNear(clock.Now().UnixMilli(), 500) != nil {
		t.Fatal("FindNear on empty store should be nil")
	}

	base := clock.Now().UnixMilli()
	f0 := s.Push([]byte("0"), 0) // base
	clock.Advance(200 * time.Millisecond)
	f1 := s.Push([]byte("1"), 1) // base+200
	clock.Advance(400 * time.Millisecond)
	f2 := s.Push([]byte("2"), 2) // base+600

	tests := []struct {
		name   string
		target int64
		want   uint64 // 0 表示 nil
	}{
		{"exact", base + 200, f1.SequenceID},
		{"closest to first", base + 50, f0.SequenceID},
		{"closest to last", base + 550, f2.SequenceID},
		{"tie resolves to first found", base + 100, f0.SequenceID},
		{"within tolerance after newest", base + 1100, f2.SequenceID},
		{"beyond tolerance after newest", base + 1101, 0},
		{"beyond tolerance before oldest", base - 501, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.FindNear(tt.target, 500)
			if tt.want == 0 {
				if got != nil {
					t.Errorf("FindNear(%d) = seq %d, want nil", tt.target, got.SequenceID)
				}
				return
			}
			if got == nil || got.SequenceID != tt.want {
				t.Errorf("FindNear(%d) = %v, want seq %d", tt.target, got, tt.want)
			}
		})
	}
}

func TestAudioFindNear(t *testing.T) {
	clock := newFakeClock()
	s := NewAudioStore("cam1", 10, clock.Now)
	c := s.Push([]byte{0, 0}, 7)
	if got := s.FindNear(c.CapturedAtMs+499, 500); got != c {
		t.Errorf("FindNear within tolerance = %v", got)
	}
	if got := s.FindNear(c.CapturedAtMs+501, 500); got != nil {
		t.Errorf("FindNear beyond tolerance = %v", got)
	}
}

func TestClearKeepsSequenceMonotonic(t *testing.T) {
	s := NewAudioStore("cam1", 5, nil)
	s.Push([]byte{1}, 1)
	last := s.Push([]byte{2}, 2)
	s.Clear()
	if s.Len() != 0 || s.Latest() != nil {
		t.Fatalf("store not empty after Clear: len=%d", s.Len())
	}
	next := s.Push([]byte{3}, 3)
	if next.SequenceID <= last.SequenceID {
		t.Errorf("sequence reused after Clear: %d <= %d", next.SequenceID, last.SequenceID)
	}
}
