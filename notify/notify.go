// Package notify provides the notification side effects the chat engine
// raises for messages in background conversations.
package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("notify")

// maxBodyLen truncates long message bodies in notifications.
const maxBodyLen = 200

// Notifier matches chat.Notifier.
type Notifier interface {
	Notify(title, body string)
}

// Func adapts a function to Notifier.
type Func func(title, body string)

func (f Func) Notify(title, body string) { f(title, body) }

// Log writes notifications to the notify logger.
type Log struct{}

func (Log) Notify(title, body string) {
	log.Noticef("%s: %s", title, body)
}

// Gate drops notifications while permission is not granted and trims their
// content before passing them on.
type Gate struct {
	next    Notifier
	granted atomic.Bool
}

// NewGate wraps next with the given initial permission.
func NewGate(next Notifier, granted bool) *Gate {
	g := &Gate{next: next}
	g.granted.Store(granted)
	return g
}

// SetPermission grants or revokes permission.
func (g *Gate) SetPermission(granted bool) {
	g.granted.Store(granted)
}

// Granted reports the current permission.
func (g *Gate) Granted() bool {
	return g.granted.Load()
}

func (g *Gate) Notify(title, body string) {
	if g == nil || g.next == nil || !g.granted.Load() {
		return
	}
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)
	if title == "" {
		return
	}
	if body == "" {
		body = "New message"
	}
	if len(body) > maxBodyLen {
		body = body[:maxBodyLen] + "..."
	}
	g.next.Notify(title, body)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(title, body string) {
	for _, n := range m {
		if n != nil {
			n.Notify(title, body)
		}
	}
}

type notification struct {
	title string
	body  string
}

// Terminal prints notifications to w from its own goroutine, optionally
// ringing the bell. Notify never blocks; when the queue is full the
// notification is dropped.
type Terminal struct {
	w     io.Writer
	bell  bool
	queue chan notification

	closeOnce sync.Once
	done      chan struct{}
}

// NewTerminal starts a terminal notifier. Close stops it.
func NewTerminal(w io.Writer, bell bool) *Terminal {
	t := &Terminal{
		w:     w,
		bell:  bell,
		queue: make(chan notification, 16),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Terminal) Notify(title, body string) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.queue <- notification{title: title, body: body}:
	default:
		log.Debugf("notification queue full, dropping %q", title)
	}
}

func (t *Terminal) run() {
	for {
		select {
		case n := <-t.queue:
			t.print(n)
		case <-t.done:
			return
		}
	}
}

func (t *Terminal) print(n notification) {
	prefix := ""
	if t.bell {
		prefix = "\a"
	}
	if _, err := fmt.Fprintf(t.w, "%s[%s] %s\n", prefix, n.title, n.body); err != nil {
		log.Warningf("print notification: %v", err)
	}
}

// Close stops the printer goroutine. Queued notifications are discarded.
func (t *Terminal) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}
