package playback

import (
	"log"
	"os"
	"sync"
)

// PipeSink writes scheduled PCM to a file or FIFO drained by an external
// playout process. FlushTail and Reset are playout-process concerns for a
// raw pipe, so they only mark segment boundaries.
type PipeSink struct {
	mu   sync.Mutex
	file *os.File
}

func OpenPipeSink(path string) (*PipeSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &PipeSink{file: f}, nil
}

func (s *PipeSink) WritePCM(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if _, err := s.file.Write(pcm); err != nil {
		log.Printf("speaker pipe write: %v", err)
	}
}

func (s *PipeSink) FlushTail() {}

func (s *PipeSink) Reset() {}

func (s *PipeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// DiscardSink drops audio; used when no playout path is configured.
type DiscardSink struct{}

func (DiscardSink) WritePCM([]byte) {}
func (DiscardSink) FlushTail()      {}
func (DiscardSink) Reset()          {}
