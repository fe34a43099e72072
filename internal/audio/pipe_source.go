package audio

import (
	"errors"
	"io"
	"io/fs"
	"log"
	"os"
	"sync"
)

const pipeFrameMs = 20

// PipeSource reads raw mono PCM16LE from a file or FIFO fed by an external
// capture process and re-frames it into fixed 20ms chunks.
type PipeSource struct {
	path string
	rate int

	mu     sync.Mutex
	file   *os.File
	frames chan []byte
	closed bool
}

func NewPipeSource(path string, rate int) *PipeSource {
	if rate == 0 {
		rate = 16000
	}
	return &PipeSource{path: path, rate: rate}
}

func (p *PipeSource) Start() error {
	f, err := os.Open(p.path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return ErrNoDevice
		case errors.Is(err, fs.ErrPermission):
			return ErrPermissionDenied
		default:
			return err
		}
	}
	p.mu.Lock()
	p.file = f
	p.frames = make(chan []byte, 32)
	p.mu.Unlock()
	go p.readLoop(f)
	return nil
}

func (p *PipeSource) Frames() <-chan []byte { return p.frames }

func (p *PipeSource) Rate() int { return p.rate }

func (p *PipeSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

func (p *PipeSource) readLoop(f *os.File) {
	defer close(p.frames)
	frameBytes := p.rate / (1000 / pipeFrameMs) * 2
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if !closed && err != io.EOF && err != io.ErrUnexpectedEOF {
				log.Printf("audio pipe read: %v", err)
			}
			return
		}
		frame := make([]byte, frameBytes)
		copy(frame, buf)
		select {
		case p.frames <- frame:
		default:
			// consumer fell behind; drop rather than block capture
		}
	}
}
