// Package feed carries creation and typing events between chat clients. The
// Feed interface has three implementations: an in-process Broker, a Redis
// pub/sub feed, and a websocket Client speaking to a relay server.
package feed

import (
	"context"
	"errors"
	"time"

	"github.com/op/go-logging"

	"telechat/models"
)

var log = logging.MustGetLogger("feed")

const (
	// EventDocumentCreated is emitted after a message document is stored.
	EventDocumentCreated = "document.created"
	// EventTyping carries an ephemeral typing signal.
	EventTyping = "typing"

	// ChannelMessages is the global message creation channel.
	ChannelMessages = "messages"
	// ChannelTyping is the global typing signal channel.
	ChannelTyping = "typing"
)

// ErrClosed is returned by operations on a closed feed.
var ErrClosed = errors.New("feed: closed")

// Event is one entry published on a channel.
type Event struct {
	Type      string               `json:"type"`
	Channel   string               `json:"channel"`
	Message   *models.Message      `json:"message,omitempty"`
	Typing    *models.TypingSignal `json:"typing,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

// Handler receives events for a subscription. Handlers may be called from
// any goroutine but never concurrently for the same subscription.
type Handler func(Event)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Feed publishes events to channels and delivers them to subscribers.
type Feed interface {
	Publish(ctx context.Context, channel string, event Event) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// MessageCreated builds the creation event for a stored message.
func MessageCreated(message models.Message) Event {
	return Event{
		Type:      EventDocumentCreated,
		Channel:   ChannelMessages,
		Message:   &message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// TypingChanged builds a typing event.
func TypingChanged(signal models.TypingSignal) Event {
	return Event{
		Type:      EventTyping,
		Channel:   ChannelTyping,
		Typing:    &signal,
		Timestamp: signal.Timestamp,
	}
}
