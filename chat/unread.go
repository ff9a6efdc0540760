package chat

import (
	"sync"

	"github.com/scylladb/go-set/strset"

	"telechat/models"
)

// UnreadCounter tracks unread messages per counterpart and raises a
// notification for each newly counted one.
type UnreadCounter struct {
	notifier Notifier

	mu      sync.Mutex
	counts  map[string]int
	counted map[string]*strset.Set
}

func NewUnreadCounter(notifier Notifier) *UnreadCounter {
	return &UnreadCounter{
		notifier: notifier,
		counts:   make(map[string]int),
		counted:  make(map[string]*strset.Set),
	}
}

// Record counts message against its sender and notifies. A message id is
// counted at most once until the sender's count is reset.
func (u *UnreadCounter) Record(message models.Message, displayName string) bool {
	if !u.count(message) {
		return false
	}
	u.notify(message, displayName)
	return true
}

func (u *UnreadCounter) count(message models.Message) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids, ok := u.counted[message.SenderID]
	if !ok {
		ids = strset.New()
		u.counted[message.SenderID] = ids
	}
	if ids.Has(message.ID) {
		return false
	}
	ids.Add(message.ID)
	u.counts[message.SenderID]++
	return true
}

func (u *UnreadCounter) notify(message models.Message, displayName string) {
	if u.notifier == nil {
		return
	}
	if displayName == "" {
		displayName = message.SenderID
	}
	u.notifier.Notify(displayName, notificationBody(message))
}

// Reset zeroes the count for counterpartID.
func (u *UnreadCounter) Reset(counterpartID string) {
	u.mu.Lock()
	delete(u.counts, counterpartID)
	delete(u.counted, counterpartID)
	u.mu.Unlock()
}

func (u *UnreadCounter) Count(counterpartID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[counterpartID]
}

// Badges returns the number of counterparts with unread messages.
func (u *UnreadCounter) Badges() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.counts)
}

// Snapshot copies the non-zero counts.
func (u *UnreadCounter) Snapshot() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for id, n := range u.counts {
		out[id] = n
	}
	return out
}

func notificationBody(message models.Message) string {
	if message.Body != "" {
		return message.Body
	}
	if message.Attachment != nil {
		return "Sent a file: " + message.Attachment.FileName
	}
	return ""
}
