package relay

import (
	"time"

	"telechat/feed"
)

// connection is one authenticated websocket client.
type connection struct {
	userID string
	send   chan []byte
}

type subscription struct {
	conn    *connection
	channel string
}

type publication struct {
	channel string
	event   feed.Event
}

type reply struct {
	conn  *connection
	frame feed.Frame
}

// hub fans events out to the connections subscribed to each channel. All
// state is owned by the run goroutine.
type hub struct {
	connections map[*connection]map[string]struct{}
	channels    map[string]map[*connection]struct{}

	register    chan *connection
	unregister  chan *connection
	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan publication
	replies     chan reply
	quit        chan struct{}
	stopped     chan struct{}
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]map[string]struct{}),
		channels:    make(map[string]map[*connection]struct{}),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan publication),
		replies:     make(chan reply),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

func (h *hub) run() {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.register:
			h.connections[c] = make(map[string]struct{})
			log.Debugf("registered websocket connection for %s", c.userID)
		case c := <-h.unregister:
			h.drop(c)
		case s := <-h.subscribe:
			if _, ok := h.connections[s.conn]; !ok {
				continue
			}
			h.connections[s.conn][s.channel] = struct{}{}
			if h.channels[s.channel] == nil {
				h.channels[s.channel] = make(map[*connection]struct{})
			}
			h.channels[s.channel][s.conn] = struct{}{}
			h.deliver(s.conn, feed.Frame{Op: feed.OpSubscribed, Channel: s.channel, Timestamp: time.Now().UnixMilli()})
		case s := <-h.unsubscribe:
			if subs, ok := h.connections[s.conn]; ok {
				delete(subs, s.channel)
			}
			h.leave(s.conn, s.channel)
		case p := <-h.publish:
			h.fanOut(p)
		case r := <-h.replies:
			if _, ok := h.connections[r.conn]; ok {
				h.deliver(r.conn, r.frame)
			}
		case <-h.quit:
			for c := range h.connections {
				h.drop(c)
			}
			return
		}
	}
}

func (h *hub) fanOut(p publication) {
	payload, err := feed.EncodeFrame(feed.Frame{
		Op:        feed.OpEvent,
		Channel:   p.channel,
		Event:     &p.event,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Warningf("encode event for %s: %v", p.channel, err)
		return
	}
	for c := range h.channels[p.channel] {
		if !mayReceive(c.userID, p.event) {
			continue
		}
		h.enqueue(c, payload)
	}
}

// mayReceive limits message events to the two participants. Typing events
// carry an opaque chat key and go to every subscriber.
func mayReceive(userID string, event feed.Event) bool {
	if event.Message == nil {
		return true
	}
	return event.Message.SenderID == userID || event.Message.ReceiverID == userID
}

func (h *hub) deliver(c *connection, frame feed.Frame) {
	payload, err := feed.EncodeFrame(frame)
	if err != nil {
		log.Warningf("encode %s frame: %v", frame.Op, err)
		return
	}
	h.enqueue(c, payload)
}

// enqueue drops connections whose send buffer is full.
func (h *hub) enqueue(c *connection, payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Warningf("dropping slow websocket consumer %s", c.userID)
		h.drop(c)
	}
}

func (h *hub) drop(c *connection) {
	channels, ok := h.connections[c]
	if !ok {
		return
	}
	for channel := range channels {
		h.leave(c, channel)
	}
	delete(h.connections, c)
	close(c.send)
	log.Debugf("unregistered websocket connection for %s", c.userID)
}

func (h *hub) leave(c *connection, channel string) {
	subs := h.channels[channel]
	if subs == nil {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// The request helpers below give up once the hub has stopped.

func (h *hub) join(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *hub) part(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *hub) follow(c *connection, channel string) {
	select {
	case h.subscribe <- subscription{conn: c, channel: channel}:
	case <-h.stopped:
	}
}

func (h *hub) unfollow(c *connection, channel string) {
	select {
	case h.unsubscribe <- subscription{conn: c, channel: channel}:
	case <-h.stopped:
	}
}

func (h *hub) broadcast(channel string, event feed.Event) {
	select {
	case h.publish <- publication{channel: channel, event: event}:
	case <-h.stopped:
	}
}

func (h *hub) respond(c *connection, frame feed.Frame) {
	select {
	case h.replies <- reply{conn: c, frame: frame}:
	case <-h.stopped:
	}
}

func (h *hub) stop() {
	select {
	case <-h.stopped:
		return
	default:
	}
	select {
	case h.quit <- struct{}{}:
	case <-h.stopped:
	}
	<-h.stopped
}
