package playback

import (
	"sync"
	"time"
)

// Sink receives decoded PCM at its moment of playback.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}

// speakingMargin keeps the speaking indicator up briefly after the queue
// drains so short inter-chunk gaps do not flicker it.
const speakingMargin = 200 * time.Millisecond

// Scheduler queues decoded speech segments so they play back-to-back:
// each segment starts at max(now, end of previous segment), never in the
// past and never overlapping. Overlap produces audibly corrupted playback,
// which is why the cursor is strictly sequential. All scheduled segments are
// tracked so an interruption can stop them at once.
type Scheduler struct {
	sink Sink
	now  func() time.Time

	mu     sync.Mutex
	cursor time.Time
	timers map[int]*time.Timer
	nextID int
}

// New constructs a Scheduler delivering to sink.
func New(sink Sink) *Scheduler {
	return &Scheduler{
		sink:   sink,
		now:    time.Now,
		timers: make(map[int]*time.Timer),
	}
}

// Enqueue schedules a PCM16LE mono segment at the advertised sample rate and
// returns its playback start time.
func (s *Scheduler) Enqueue(pcm []byte, rate int) time.Time {
	dur := time.Duration(len(pcm)/2) * time.Second / time.Duration(rate)

	s.mu.Lock()
	now := s.now()
	start := now
	if s.cursor.After(now) {
		start = s.cursor
	}
	s.cursor = start.Add(dur)

	id := s.nextID
	s.nextID++
	segment := pcm
	s.timers[id] = time.AfterFunc(start.Sub(now), func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		if live {
			s.sink.WritePCM(segment)
		}
	})
	s.mu.Unlock()
	return start
}

// Flush stops and discards every scheduled segment and rewinds the cursor.
// Called on interruption; afterwards Speaking reports false.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.cursor = time.Time{}
	s.mu.Unlock()
	s.sink.Reset()
}

// Speaking reports whether queued playback (plus a small trailing margin)
// is still under way.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor.IsZero() {
		return false
	}
	return s.now().Before(s.cursor.Add(speakingMargin))
}

// QueuedUntil reports the playback cursor, zero when nothing is queued.
func (s *Scheduler) QueuedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close flushes outstanding segments and lets the sink emit its tail.
func (s *Scheduler) Close() {
	s.Flush()
	s.sink.FlushTail()
}
