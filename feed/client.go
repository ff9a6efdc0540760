package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultSubscribeTimeout waits this long for a subscribe ack.
	DefaultSubscribeTimeout = 10 * time.Second
	// DefaultInitialBackoff is the first reconnect delay.
	DefaultInitialBackoff = 250 * time.Millisecond
	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 30 * time.Second
)

var (
	// ErrNotConnected is returned by Publish while the client is reconnecting.
	ErrNotConnected = errors.New("feed: relay not connected")
	// ErrUnauthorized is returned when the relay rejects the token.
	ErrUnauthorized = errors.New("feed: relay rejected credentials")
)

// ClientOptions configures a relay client.
type ClientOptions struct {
	// URL is the relay websocket endpoint, e.g. ws://host:8080/ws.
	URL   string
	Token string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SubscribeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// OnReconnect runs in its own goroutine after a lost connection has
	// been re-established and every channel resubscribed.
	OnReconnect func()
}

// Client is a Feed speaking to a relay over one websocket. A lost
// connection is redialed with exponential backoff and every live channel
// is resubscribed.
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]map[uint64]*clientSub
	acks    map[string][]chan struct{}
	nextID  uint64
	writeMu sync.Mutex

	closeOnce sync.Once
}

type clientSub struct {
	client  *Client
	channel string
	id      uint64
	handler Handler
	once    sync.Once
}

// Dial connects to the relay. The first connection must succeed; later
// drops are retried until Close.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = DefaultSubscribeTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[string]map[uint64]*clientSub),
		acks:   make(map[string][]chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.run(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial relay %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(MaxFrameSize)
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		err := c.readLoop(conn)
		_ = conn.Close()

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		log.Warningf("relay connection lost: %v", err)

		conn, err = c.reconnect()
		if err != nil {
			if c.ctx.Err() == nil {
				log.Errorf("relay reconnect abandoned: %v", err)
			}
			return
		}
		log.Infof("relay connection restored")
		if c.opts.OnReconnect != nil {
			go c.opts.OnReconnect()
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialBackoff
	policy.MaxInterval = c.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	operation := func() error {
		next, err := c.dial(c.ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := c.install(next); err != nil {
			_ = next.Close()
			if errors.Is(err, ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Debugf("relay redial failed, retrying in %s: %v", wait, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, c.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// install makes conn current and resubscribes every live channel on it.
func (c *Client) install(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.conn = conn
	channels := make([]string, 0, len(c.subs))
	for channel := range c.subs {
		channels = append(channels, channel)
	}
	c.mu.Unlock()

	for _, channel := range channels {
		if err := c.write(context.Background(), conn, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
			return fmt.Errorf("resubscribe %s: %w", channel, err)
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := DecodeFrame(payload)
		if err != nil {
			log.Warningf("drop malformed relay frame: %v", err)
			continue
		}

		switch frame.Op {
		case OpEvent:
			c.dispatch(*frame.Event)
		case OpSubscribed:
			c.releaseAcks(frame.Channel)
		case OpError:
			log.Warningf("relay error %s: %s", frame.Code, frame.Message)
		}
	}
}

func (c *Client) dispatch(event Event) {
	c.mu.Lock()
	targets := make([]*clientSub, 0, len(c.subs[event.Channel]))
	for _, sub := range c.subs[event.Channel] {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	for _, sub := range targets {
		sub.handler(event)
	}
}

func (c *Client) releaseAcks(channel string) {
	c.mu.Lock()
	waiting := c.acks[channel]
	delete(c.acks, channel)
	c.mu.Unlock()
	for _, ch := range waiting {
		close(ch)
	}
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	if frame.Timestamp == 0 {
		frame.Timestamp = time.Now().UnixMilli()
	}
	payload, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Op, err)
	}
	return nil
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Publish sends event to the relay for fan-out on channel.
func (c *Client) Publish(ctx context.Context, channel string, event Event) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	event.Channel = channel
	return c.write(ctx, conn, Frame{Op: OpPublish, Channel: channel, Event: &event})
}

// Subscribe registers handler for channel. The first subscription on a
// channel waits for the relay to acknowledge it. Subscriptions survive
// reconnects.
func (c *Client) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	sub := &clientSub{client: c, channel: channel, id: c.nextID, handler: handler}
	first := len(c.subs[channel]) == 0
	if first {
		c.subs[channel] = make(map[uint64]*clientSub)
	}
	c.subs[channel][sub.id] = sub
	conn := c.conn
	var ack chan struct{}
	if first && conn != nil {
		ack = make(chan struct{})
		c.acks[channel] = append(c.acks[channel], ack)
	}
	c.mu.Unlock()

	if ack == nil {
		return sub, nil
	}
	if err := c.write(ctx, conn, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
		c.remove(sub)
		return nil, err
	}

	timer := time.NewTimer(c.opts.SubscribeTimeout)
	defer timer.Stop()
	select {
	case <-ack:
		return sub, nil
	case <-ctx.Done():
		c.remove(sub)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	case <-timer.C:
		c.remove(sub)
		return nil, fmt.Errorf("subscribe %s: no acknowledgement from relay", channel)
	}
}

// remove drops sub and reports whether its channel has no subscribers left.
func (c *Client) remove(sub *clientSub) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs[sub.channel]
	if subs == nil {
		return false
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(c.subs, sub.channel)
		return true
	}
	return false
}

func (s *clientSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if !s.client.remove(s) {
			return
		}
		conn, cerr := s.client.current()
		if cerr != nil {
			return
		}
		err = s.client.write(context.Background(), conn, Frame{Op: OpUnsubscribe, Channel: s.channel})
	})
	return err
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		<-c.done
	})
	return nil
}
