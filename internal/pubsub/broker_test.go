package pubsub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvWithin[T any](t *testing.T, ch <-chan Event[T], d time.Duration) Event[T] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(d):
		t.Fatal("timeout waiting for event")
		return Event[T]{}
	}
}

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx := context.Background()
	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(CreatedEvent, 7)

	for _, ch := range []<-chan Event[int]{ch1, ch2} {
		ev := recvWithin(t, ch, 100*time.Millisecond)
		require.Equal(t, 7, ev.Payload)
		require.Equal(t, CreatedEvent, ev.Type)
		require.False(t, ev.Timestamp.IsZero())
	}
}

func TestBroker_ContextCancelRemovesSubscriber(t *testing.T) {
	broker := NewBroker[string]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after cancel")
}

func TestBroker_PublishNeverBlocksOnFullSubscriber(t *testing.T) {
	broker := NewBrokerWithBuffer[int](1)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	broker.Publish(UpdatedEvent, 1)

	done := make(chan struct{})
	go func() {
		broker.Publish(UpdatedEvent, 2)
		broker.Publish(UpdatedEvent, 3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on a full subscriber")
	}

	ev := recvWithin(t, ch, 100*time.Millisecond)
	require.Equal(t, 1, ev.Payload, "overflow events are dropped, first stays")
}

func TestBroker_CloseIsIdempotentAndTerminal(t *testing.T) {
	broker := NewBroker[string]()

	ctx := context.Background()
	ch := broker.Subscribe(ctx)

	broker.Close()
	broker.Close()

	_, ok := <-ch
	require.False(t, ok)
	require.Equal(t, 0, broker.SubscriberCount())

	late := broker.Subscribe(ctx)
	_, ok = <-late
	require.False(t, ok, "subscribe after close returns a closed channel")

	broker.Publish(UpdatedEvent, "ignored")
}

func TestListen_ForwardsUntilCancel(t *testing.T) {
	broker := NewBroker[int]()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var seen atomic.Int64

	done := make(chan struct{})
	go func() {
		Listen(ctx, broker, func(ev Event[int]) {
			seen.Add(int64(ev.Payload))
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	broker.Publish(CreatedEvent, 2)
	broker.Publish(CreatedEvent, 3)

	require.Eventually(t, func() bool {
		return seen.Load() == 5
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
