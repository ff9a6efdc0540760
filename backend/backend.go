// Package backend assembles a document store, an event feed and a blob store
// into the hosted backend the chat engine runs against.
package backend

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/op/go-logging"

	"telechat/chat"
	"telechat/feed"
	"telechat/models"
	"telechat/session"
)

var log = logging.MustGetLogger("backend")

// Store is a document store holding messages and participants.
type Store interface {
	chat.MessageStore
	chat.ParticipantStore
}

// Backend routes document writes through the store and announces each
// created message on the feed's messages channel.
type Backend struct {
	Store
	feed  feed.Feed
	blobs chat.BlobStore

	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// New composes a backend. blobs may be nil when attachments are disabled.
func New(store Store, events feed.Feed, blobs chat.BlobStore) (*Backend, error) {
	if store == nil {
		return nil, errors.New("backend: document store is required")
	}
	if events == nil {
		return nil, errors.New("backend: event feed is required")
	}
	return &Backend{Store: store, feed: events, blobs: blobs}, nil
}

// CreateMessage persists message and publishes a document.created event for
// it. The store's acknowledgement is authoritative: a publish failure is
// logged and the created message is still returned.
func (b *Backend) CreateMessage(ctx context.Context, message models.Message) (models.Message, error) {
	created, err := b.Store.CreateMessage(ctx, message)
	if err != nil {
		return models.Message{}, err
	}
	if err := b.feed.Publish(ctx, feed.ChannelMessages, feed.MessageCreated(created)); err != nil {
		log.Warningf("publish created message %s: %v", created.ID, err)
	}
	return created, nil
}

// Feed returns the event feed.
func (b *Backend) Feed() feed.Feed {
	return b.feed
}

// Blobs returns the blob store, or nil.
func (b *Backend) Blobs() chat.BlobStore {
	return b.blobs
}

// EngineOptions fills the collaborator fields of chat.Options for sess.
func (b *Backend) EngineOptions(sess *session.Session) chat.Options {
	return chat.Options{
		Session:      sess,
		Messages:     b,
		Participants: b.Store,
		Feed:         b.feed,
		Blobs:        b.blobs,
	}
}

// OnClose registers c to be closed with the backend, in reverse order.
func (b *Backend) OnClose(c io.Closer) {
	if c == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, c)
}

// Close closes every registered resource.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	var result *multierror.Error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
