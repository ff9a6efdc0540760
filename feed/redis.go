package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces feed channels in Redis.
const DefaultRedisPrefix = "telechat:"

// Redis is a Feed backed by Redis pub/sub. Each subscription holds its own
// pub/sub connection.
type Redis struct {
	client *redis.Client
	prefix string

	mu          sync.Mutex
	subs        map[*redisSub]struct{}
	closed      bool
	onReconnect func()
}

type redisSub struct {
	feed   *Redis
	pubsub *redis.PubSub
	once   sync.Once
}

// DialRedis connects to addr and verifies the server answers.
func DialRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, subs: make(map[*redisSub]struct{})}
}

// OnReconnect sets fn to run after go-redis transparently re-establishes a
// dropped subscription. It runs once per resubscribed channel, on that
// channel's delivery goroutine. Events published while the connection was
// down are not replayed.
func (r *Redis) OnReconnect(fn func()) {
	r.mu.Lock()
	r.onReconnect = fn
	r.mu.Unlock()
}

func (r *Redis) reconnected(channel string) {
	r.mu.Lock()
	fn := r.onReconnect
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	log.Infof("redis subscription to %s re-established", channel)
	if fn != nil {
		fn()
	}
}

func (r *Redis) key(channel string) string {
	return r.prefix + channel
}

// Publish sends event to every subscriber of channel.
func (r *Redis) Publish(ctx context.Context, channel string, event Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	event.Channel = channel
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed and then delivers
// events to handler from a dedicated goroutine.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	pubsub := r.client.Subscribe(ctx, r.key(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSub{feed: r, pubsub: pubsub}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pubsub.Close()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.loop(channel, handler)
	return sub, nil
}

func (s *redisSub) loop(channel string, handler Handler) {
	// The first confirmation was consumed by Subscribe; any later one
	// means the connection dropped and was restored.
	for msg := range s.pubsub.ChannelWithSubscriptions() {
		switch msg := msg.(type) {
		case *redis.Subscription:
			if msg.Kind == "subscribe" {
				s.feed.reconnected(channel)
			}
		case *redis.Message:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warningf("drop malformed event on %s: %v", channel, err)
				continue
			}
			event.Channel = channel
			handler(event)
		}
	}
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()
		err = s.pubsub.Close()
	})
	return err
}

// Close ends every subscription and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redisSub, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
