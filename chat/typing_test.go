package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telechat/feed"
	"telechat/models"
)

const (
	settle = 100 * time.Millisecond
	tick   = 5 * time.Millisecond
)

func TestNotifyTypingPublishesTrueThenFalseAfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	f := &recordingFeed{}
	ch := NewTypingChannel(f, mock, 0, 0, nil)
	defer ch.Stop()

	start := mock.Now()
	require.NoError(t, ch.NotifyTyping(context.Background(), "doc-1", "pat-1"))

	signals := f.signals()
	require.Len(t, signals, 1)
	assert.True(t, signals[0].IsTyping)
	assert.Equal(t, "doc-1", signals[0].UserID)
	assert.Equal(t, PairKey("doc-1", "pat-1"), signals[0].ChatID)
	assert.Equal(t, start.UnixMilli(), signals[0].Timestamp)

	mock.Add(2999 * time.Millisecond)
	assert.Never(t, func() bool { return len(f.signals()) > 1 }, settle, tick)

	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return len(f.signals()) == 2 }, time.Second, tick)

	stop := f.signals()[1]
	assert.False(t, stop.IsTyping)
	assert.Equal(t, signals[0].ChatID, stop.ChatID)
	elapsed := stop.Timestamp - signals[0].Timestamp
	assert.GreaterOrEqual(t, elapsed, int64(3000))
	assert.LessOrEqual(t, elapsed, int64(3200))
}

func TestNotifyTypingDebouncesAndRearms(t *testing.T) {
	mock := clock.NewMock()
	f := &recordingFeed{}
	ch := NewTypingChannel(f, mock, 3*time.Second, time.Second, nil)
	defer ch.Stop()
	ctx := context.Background()

	require.NoError(t, ch.NotifyTyping(ctx, "doc-1", "pat-1"))
	mock.Add(500 * time.Millisecond)
	require.NoError(t, ch.NotifyTyping(ctx, "doc-1", "pat-1"))
	assert.Len(t, f.signals(), 1, "second keystroke inside the debounce window must not publish")

	// The stop timer counts from the latest keystroke at +500ms.
	mock.Add(2999 * time.Millisecond)
	assert.Never(t, func() bool { return len(f.signals()) > 1 }, settle, tick)
	mock.Add(time.Millisecond)
	require.Eventually(t, func() bool { return len(f.signals()) == 2 }, time.Second, tick)
	assert.False(t, f.signals()[1].IsTyping)

	// After the stop went out the next keystroke publishes true again.
	require.NoError(t, ch.NotifyTyping(ctx, "doc-1", "pat-1"))
	require.Len(t, f.signals(), 3)
	assert.True(t, f.signals()[2].IsTyping)
}

func TestNotifyTypingRepublishesAfterDebounce(t *testing.T) {
	mock := clock.NewMock()
	f := &recordingFeed{}
	ch := NewTypingChannel(f, mock, 3*time.Second, time.Second, nil)
	defer ch.Stop()
	ctx := context.Background()

	require.NoError(t, ch.NotifyTyping(ctx, "doc-1", "pat-1"))
	mock.Add(time.Second)
	require.NoError(t, ch.NotifyTyping(ctx, "doc-1", "pat-1"))

	signals := f.signals()
	require.Len(t, signals, 2)
	assert.True(t, signals[0].IsTyping)
	assert.True(t, signals[1].IsTyping)
}

func TestTypingStopFailureIsNotRetried(t *testing.T) {
	mock := clock.NewMock()
	f := &recordingFeed{failFalse: errUnavailable}
	ch := NewTypingChannel(f, mock, 3*time.Second, time.Second, nil)
	defer ch.Stop()

	require.NoError(t, ch.NotifyTyping(context.Background(), "doc-1", "pat-1"))
	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return len(f.signals()) == 2 }, time.Second, tick)

	mock.Add(10 * time.Second)
	assert.Never(t, func() bool { return len(f.signals()) > 2 }, settle, tick)
}

func TestTypingStartFailureIsReturned(t *testing.T) {
	mock := clock.NewMock()
	f := &recordingFeed{failTrue: errUnavailable}
	ch := NewTypingChannel(f, mock, 3*time.Second, time.Second, nil)
	defer ch.Stop()

	err := ch.NotifyTyping(context.Background(), "doc-1", "pat-1")
	assert.ErrorIs(t, err, errUnavailable)

	// A failed start does not consume the debounce window.
	f.mu.Lock()
	f.failTrue = nil
	f.mu.Unlock()
	require.NoError(t, ch.NotifyTyping(context.Background(), "doc-1", "pat-1"))
	assert.Len(t, f.signals(), 2)
}

func TestOnRemoteTypingFiltersByKeyAndSender(t *testing.T) {
	mock := clock.NewMock()
	var flips atomic.Int32
	ch := NewTypingChannel(&recordingFeed{}, mock, 3*time.Second, time.Second, func(bool) { flips.Add(1) })
	defer ch.Stop()

	// Nothing is tracked before a conversation is active.
	ch.OnRemoteTyping(models.TypingSignal{UserID: "pat-1", ChatID: PairKey("doc-1", "pat-1"), IsTyping: true})
	assert.False(t, ch.CounterpartTyping())

	ch.SetActive("doc-1", "pat-1")

	// Own echo.
	ch.OnRemoteTyping(models.TypingSignal{UserID: "doc-1", ChatID: PairKey("doc-1", "pat-1"), IsTyping: true})
	assert.False(t, ch.CounterpartTyping())

	// Other conversation.
	ch.OnRemoteTyping(models.TypingSignal{UserID: "pat-1", ChatID: PairKey("doc-2", "pat-1"), IsTyping: true})
	assert.False(t, ch.CounterpartTyping())

	// Key built in the opposite order still matches.
	ch.OnRemoteTyping(models.TypingSignal{UserID: "pat-1", ChatID: "doc-1-pat-1", IsTyping: true})
	assert.True(t, ch.CounterpartTyping())
	ch.OnRemoteTyping(models.TypingSignal{UserID: "pat-1", ChatID: "doc-1-pat-1", IsTyping: true})
	assert.True(t, ch.CounterpartTyping())

	ch.OnRemoteTyping(models.TypingSignal{UserID: "pat-1", ChatID: "doc-1-pat-1", IsTyping: false})
	assert.False(t, ch.CounterpartTyping())
	assert.Equal(t, int32(2), flips.Load())
}

func TestRemoteTypingExpiresWithoutStop(t *testing.T) {
	mock := clock.NewMock()
	ch := NewTypingChannel(&recordingFeed{}, mock, 3*time.Second, time.Second, nil)
	defer ch.Stop()
	ch.SetActive("pat-1", "doc-1")

	ch.OnRemoteTyping(models.TypingSignal{UserID: "doc-1", ChatID: PairKey("pat-1", "doc-1"), IsTyping: true})
	require.True(t, ch.CounterpartTyping())

	mock.Add(2 * time.Second)
	ch.OnRemoteTyping(models.TypingSignal{UserID: "doc-1", ChatID: PairKey("pat-1", "doc-1"), IsTyping: true})
	mock.Add(2 * time.Second)
	assert.Never(t, func() bool { return !ch.CounterpartTyping() }, settle, tick)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return !ch.CounterpartTyping() }, time.Second, tick)
}

func TestSetActiveClearsIndicator(t *testing.T) {
	ch := NewTypingChannel(&recordingFeed{}, clock.NewMock(), 3*time.Second, time.Second, nil)
	defer ch.Stop()

	ch.SetActive("doc-1", "pat-1")
	ch.OnRemoteTyping(models.TypingSignal{UserID: "pat-1", ChatID: PairKey("doc-1", "pat-1"), IsTyping: true})
	require.True(t, ch.CounterpartTyping())

	ch.SetActive("doc-1", "pat-2")
	assert.False(t, ch.CounterpartTyping())
}

func TestTypingStopCancelsTimers(t *testing.T) {
	mock := clock.NewMock()
	f := &recordingFeed{}
	ch := NewTypingChannel(f, mock, 3*time.Second, time.Second, nil)

	require.NoError(t, ch.NotifyTyping(context.Background(), "doc-1", "pat-1"))
	ch.Stop()
	ch.Stop()
	mock.Add(5 * time.Second)
	assert.Never(t, func() bool { return len(f.signals()) > 1 }, settle, tick)
	assert.ErrorIs(t, ch.NotifyTyping(context.Background(), "doc-1", "pat-1"), ErrClosed)
}

func TestTypingStopReachesCounterpartOnSharedClock(t *testing.T) {
	mock := clock.NewMock()
	broker := feed.NewBroker()
	defer broker.Close()

	doctor := NewTypingChannel(broker, mock, 3*time.Second, time.Second, nil)
	defer doctor.Stop()
	var flips atomic.Int32
	patient := NewTypingChannel(broker, mock, 5*time.Second, time.Second, func(bool) { flips.Add(1) })
	defer patient.Stop()
	patient.SetActive("pat-1", "doc-1")

	ctx := context.Background()
	sub, err := broker.Subscribe(ctx, feed.ChannelTyping, func(e feed.Event) {
		patient.OnRemoteTyping(*e.Typing)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, doctor.NotifyTyping(ctx, "doc-1", "pat-1"))
	require.True(t, patient.CounterpartTyping())

	// The doctor's stop arrives while the patient's own expiry timer is
	// still armed on the same clock.
	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return !patient.CounterpartTyping() }, time.Second, tick)
	assert.Equal(t, int32(2), flips.Load())

	mock.Add(5 * time.Second)
	assert.Never(t, func() bool { return flips.Load() > 2 }, settle, tick)
}
