package chat

import (
	"context"
	"sync"
	"time"

	"github.com/raulk/clock"

	"telechat/feed"
	"telechat/models"
)

const (
	// DefaultTypingExpiry is how long after the last keystroke the
	// isTyping=false follow-up is published.
	DefaultTypingExpiry = 3 * time.Second
	// DefaultTypingDebounce suppresses repeated isTyping=true publishes.
	DefaultTypingDebounce = time.Second

	typingPublishTimeout = 5 * time.Second
)

// TypingChannel publishes the local user's typing state and tracks the
// counterpart's typing state for the active conversation.
type TypingChannel struct {
	feed     feed.Feed
	clock    clock.Clock
	expiry   time.Duration
	debounce time.Duration
	onChange func(typing bool)

	mu        sync.Mutex
	stopped   bool
	outgoing  map[string]*pendingStop
	localID   string
	remoteID  string
	remote    bool
	remoteGen uint64
	remoteT   *clock.Timer
}

type pendingStop struct {
	lastTrue time.Time
	timer    *clock.Timer
	gen      uint64
}

// NewTypingChannel returns a channel publishing on f. onChange, when set, is
// called after the counterpart indicator flips.
func NewTypingChannel(f feed.Feed, clk clock.Clock, expiry, debounce time.Duration, onChange func(typing bool)) *TypingChannel {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if debounce < 0 {
		debounce = 0
	}
	return &TypingChannel{
		feed:     f,
		clock:    clk,
		expiry:   expiry,
		debounce: debounce,
		onChange: onChange,
		outgoing: make(map[string]*pendingStop),
	}
}

// NotifyTyping publishes isTyping=true for the pair unless one was published
// within the debounce window, and schedules isTyping=false for expiry after
// this call.
func (c *TypingChannel) NotifyTyping(ctx context.Context, localID, counterpartID string) error {
	key := PairKey(localID, counterpartID)
	now := c.clock.Now()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	pending, ok := c.outgoing[key]
	if !ok {
		pending = &pendingStop{}
		c.outgoing[key] = pending
	}
	publishTrue := pending.lastTrue.IsZero() || now.Sub(pending.lastTrue) >= c.debounce
	if publishTrue {
		pending.lastTrue = now
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}
	pending.gen++
	gen := pending.gen
	stopAt := now.Add(c.expiry)
	// Timer callbacks must not call back into the clock: the mock clock
	// runs them with its lock held.
	pending.timer = c.clock.AfterFunc(c.expiry, func() {
		go c.expire(key, localID, gen, stopAt)
	})
	c.mu.Unlock()

	if !publishTrue {
		return nil
	}
	err := c.publish(ctx, models.TypingSignal{
		UserID:    localID,
		ChatID:    key,
		IsTyping:  true,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		c.mu.Lock()
		if p, ok := c.outgoing[key]; ok && p.lastTrue.Equal(now) {
			p.lastTrue = time.Time{}
		}
		c.mu.Unlock()
		return transient("publish typing", err)
	}
	return nil
}

func (c *TypingChannel) expire(key, localID string, gen uint64, stopAt time.Time) {
	c.mu.Lock()
	pending, ok := c.outgoing[key]
	if c.stopped || !ok || pending.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.outgoing, key)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), typingPublishTimeout)
	defer cancel()
	err := c.publish(ctx, models.TypingSignal{
		UserID:    localID,
		ChatID:    key,
		IsTyping:  false,
		Timestamp: stopAt.UnixMilli(),
	})
	if err != nil {
		log.Warningf("publish typing stop for %s: %v", key, err)
	}
}

func (c *TypingChannel) publish(ctx context.Context, signal models.TypingSignal) error {
	return c.feed.Publish(ctx, feed.ChannelTyping, feed.TypingChanged(signal))
}

// SetActive switches the conversation whose counterpart indicator is tracked.
// The indicator is cleared.
func (c *TypingChannel) SetActive(localID, counterpartID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = localID
	c.remoteID = counterpartID
	c.remote = false
	c.stopRemoteTimer()
}

// OnRemoteTyping applies a received signal. Signals for other conversations
// and the local user's own echoes are ignored.
func (c *TypingChannel) OnRemoteTyping(signal models.TypingSignal) {
	c.mu.Lock()
	if c.stopped || c.remoteID == "" {
		c.mu.Unlock()
		return
	}
	if signal.ChatID != PairKey(c.localID, c.remoteID) || signal.UserID != c.remoteID {
		c.mu.Unlock()
		return
	}

	changed := c.remote != signal.IsTyping
	c.remote = signal.IsTyping
	c.stopRemoteTimer()
	if signal.IsTyping {
		gen := c.remoteGen
		remoteID := c.remoteID
		c.remoteT = c.clock.AfterFunc(c.expiry, func() {
			go c.expireRemote(remoteID, gen)
		})
	}
	c.mu.Unlock()

	if changed && c.onChange != nil {
		c.onChange(signal.IsTyping)
	}
}

func (c *TypingChannel) expireRemote(remoteID string, gen uint64) {
	c.mu.Lock()
	if c.stopped || c.remoteID != remoteID || c.remoteGen != gen || !c.remote {
		c.mu.Unlock()
		return
	}
	c.remote = false
	c.remoteT = nil
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(false)
	}
}

// stopRemoteTimer must be called with c.mu held.
func (c *TypingChannel) stopRemoteTimer() {
	c.remoteGen++
	if c.remoteT != nil {
		c.remoteT.Stop()
		c.remoteT = nil
	}
}

// CounterpartTyping reports the indicator for the active conversation.
func (c *TypingChannel) CounterpartTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Stop cancels every pending timer. Later calls are no-ops.
func (c *TypingChannel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for key, pending := range c.outgoing {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		delete(c.outgoing, key)
	}
	c.remote = false
	c.stopRemoteTimer()
}
