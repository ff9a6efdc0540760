package feed

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broker is an in-process Feed. Publish delivers synchronously to every
// subscriber of the channel in the publisher's goroutine.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*brokerSub
	nextID uint64
	closed bool
}

type brokerSub struct {
	broker  *Broker
	channel string
	id      uint64

	deliverMu sync.Mutex
	handler   Handler
	done      atomic.Bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[uint64]*brokerSub)}
}

// Publish stamps event with channel and hands it to current subscribers.
func (b *Broker) Publish(ctx context.Context, channel string, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event.Channel = channel

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*brokerSub, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
	return nil
}

// Subscribe registers handler for channel until Unsubscribe or Close.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.nextID++
	sub := &brokerSub{broker: b, channel: channel, id: b.nextID, handler: handler}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*brokerSub)
	}
	b.subs[channel][sub.id] = sub
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close drops every subscription. Later calls return ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = make(map[string]map[uint64]*brokerSub)
	return nil
}

func (s *brokerSub) deliver(event Event) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.done.Load() {
		return
	}
	s.handler(event)
}

func (s *brokerSub) Unsubscribe() error {
	b := s.broker
	b.mu.Lock()
	if subs := b.subs[s.channel]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(b.subs, s.channel)
		}
	}
	b.mu.Unlock()

	s.done.Store(true)
	return nil
}
