package feed

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telechat/models"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []Event
	)
	sub, err := b.Subscribe(ctx, ChannelMessages, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers(ChannelMessages))

	message := models.Message{ID: "m1", SenderID: "a", ReceiverID: "b", Body: "hi"}
	require.NoError(t, b.Publish(ctx, ChannelMessages, MessageCreated(message)))
	require.NoError(t, b.Publish(ctx, ChannelTyping, TypingChanged(models.TypingSignal{UserID: "a", ChatID: "a-b", IsTyping: true})))

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, EventDocumentCreated, got[0].Type)
	assert.Equal(t, ChannelMessages, got[0].Channel)
	assert.Equal(t, "hi", got[0].Message.Body)
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, b.Subscribers(ChannelMessages))
	require.NoError(t, b.Publish(ctx, ChannelMessages, MessageCreated(message)))

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestBrokerUnsubscribeFromHandler(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	calls := 0
	var sub Subscription
	sub, err := b.Subscribe(ctx, ChannelMessages, func(Event) {
		calls++
		require.NoError(t, sub.Unsubscribe())
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, ChannelMessages, Event{Type: EventDocumentCreated}))
	require.NoError(t, b.Publish(ctx, ChannelMessages, Event{Type: EventDocumentCreated}))
	assert.Equal(t, 1, calls)
}

func TestBrokerClosed(t *testing.T) {
	b := NewBroker()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	ctx := context.Background()
	assert.ErrorIs(t, b.Publish(ctx, ChannelMessages, Event{}), ErrClosed)
	_, err := b.Subscribe(ctx, ChannelMessages, func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBrokerHonorsCancelledContext(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Publish(ctx, ChannelMessages, Event{}), context.Canceled)
	_, err := b.Subscribe(ctx, ChannelMessages, func(Event) {})
	assert.ErrorIs(t, err, context.Canceled)
}
