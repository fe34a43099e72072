package session

import (
	"crypto/sha256"
	"sync"
)

// Snapshot is one application-context update pushed to the assistant as
// background content, e.g. the listing the user is currently viewing.
type Snapshot struct {
	Label   string
	Content string
}

// SnapshotSource delivers context snapshots to a subscriber. The returned
// cancel detaches the subscriber; it is safe to call more than once.
type SnapshotSource interface {
	Subscribe(fn func(Snapshot)) (cancel func())
}

// Broadcaster is the in-process SnapshotSource fed by the HTTP surface.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Snapshot)
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]func(Snapshot))}
}

func (b *Broadcaster) Subscribe(fn func(Snapshot)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	fns := make([]func(Snapshot), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// snapshotFilter suppresses consecutive snapshots with identical content so
// a chatty publisher does not flood the conversation with duplicates.
type snapshotFilter struct {
	mu      sync.Mutex
	lastKey [32]byte
	seen    bool
}

// Pass reports whether the snapshot differs from the previous one.
func (f *snapshotFilter) Pass(s Snapshot) bool {
	key := sha256.Sum256([]byte(s.Label + "\x00" + s.Content))
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && key == f.lastKey {
		return false
	}
	f.lastKey = key
	f.seen = true
	return true
}
