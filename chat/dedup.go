package chat

import (
	"sync"

	"github.com/scylladb/go-set/strset"
)

// Tracker is the set of message ids already rendered for the open
// conversation.
type Tracker struct {
	mu   sync.Mutex
	seen *strset.Set
}

func NewTracker() *Tracker {
	return &Tracker{seen: strset.New()}
}

func (t *Tracker) HasSeen(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.Has(id)
}

func (t *Tracker) MarkSeen(id string) {
	t.mu.Lock()
	t.seen.Add(id)
	t.mu.Unlock()
}

// CheckAndMark marks id and reports whether it was new.
func (t *Tracker) CheckAndMark(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen.Has(id) {
		return false
	}
	t.seen.Add(id)
	return true
}

// Reset forgets every id.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.seen.Clear()
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen.Size()
}
