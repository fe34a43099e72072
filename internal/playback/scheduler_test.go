package playback

import (
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	writes [][]byte
	resets int
}

func (m *memSink) WritePCM(pcm []byte) {
	m.mu.Lock()
	m.writes = append(m.writes, pcm)
	m.mu.Unlock()
}
func (m *memSink) FlushTail() {}
func (m *memSink) Reset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func TestEnqueue_SequentialNoOverlapNoGap(t *testing.T) {
	s := New(&memSink{})
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	// Two chunks at 24kHz: 24000 samples = 1s each.
	chunk := make([]byte, 24000*2)
	first := s.Enqueue(chunk, 24000)
	second := s.Enqueue(chunk, 24000)

	if !first.Equal(base) {
		t.Fatalf("first chunk should start immediately, got %v", first)
	}
	want := first.Add(time.Second)
	if !second.Equal(want) {
		t.Fatalf("second chunk should start at first start + duration: got %v want %v", second, want)
	}
}

func TestEnqueue_NeverStartsInPast(t *testing.T) {
	s := New(&memSink{})
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }

	chunk := make([]byte, 2400*2) // 100ms at 24kHz
	s.Enqueue(chunk, 24000)

	// Advance the clock past the queued audio; next chunk starts "now", not
	// at the stale cursor.
	later := base.Add(5 * time.Second)
	s.now = func() time.Time { return later }
	start := s.Enqueue(chunk, 24000)
	if !start.Equal(later) {
		t.Fatalf("expected start at now, got %v", start)
	}
}

func TestFlush_DropsAllSegmentsAndClearsSpeaking(t *testing.T) {
	sink := &memSink{}
	s := New(sink)

	// Segments scheduled well into the future so none fire before Flush.
	chunk := make([]byte, 24000*2)
	for i := 0; i < 5; i++ {
		s.Enqueue(chunk, 24000)
	}
	if !s.Speaking() {
		t.Fatalf("expected speaking while queued")
	}
	s.Flush()
	if s.Speaking() {
		t.Fatalf("expected not speaking after flush")
	}
	if !s.QueuedUntil().IsZero() {
		t.Fatalf("expected cursor cleared after flush")
	}
	time.Sleep(30 * time.Millisecond)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.writes) > 1 {
		t.Fatalf("expected flushed segments not to play, got %d writes", len(sink.writes))
	}
	if sink.resets != 1 {
		t.Fatalf("expected sink reset on flush, got %d", sink.resets)
	}
}

func TestSpeaking_FalseWhenDrained(t *testing.T) {
	s := New(&memSink{})
	base := time.Unix(1000, 0)
	s.now = func() time.Time { return base }
	s.Enqueue(make([]byte, 2400*2), 24000) // 100ms

	// Just past the segment but inside the margin.
	s.now = func() time.Time { return base.Add(150 * time.Millisecond) }
	if !s.Speaking() {
		t.Fatalf("expected speaking within trailing margin")
	}
	// Beyond segment plus margin.
	s.now = func() time.Time { return base.Add(400 * time.Millisecond) }
	if s.Speaking() {
		t.Fatalf("expected not speaking after queue drained")
	}
}

func TestEnqueue_DeliversToSink(t *testing.T) {
	sink := &memSink{}
	s := New(sink)
	s.Enqueue([]byte{1, 0, 2, 0}, 24000)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.writes)
		sink.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected segment delivered to sink")
}
