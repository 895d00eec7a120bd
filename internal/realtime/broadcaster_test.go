package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestPublishRoomAndGlobal(t *testing.T) {
	b := NewBroadcaster(8, nil)
	viewer := b.Subscribe(t.Context())
	other := b.Subscribe(t.Context())
	b.Join(viewer, RoomFor("conv_1"))

	b.Publish(Event{Type: EventNewMessage, Room: RoomFor("conv_1"), Payload: "m1"})
	b.Publish(Event{Type: EventConversationUpdated, Payload: "c1"})

	ev := recv(t, viewer)
	assert.Equal(t, EventNewMessage, ev.Type)
	ev = recv(t, viewer)
	assert.Equal(t, EventConversationUpdated, ev.Type)

	ev = recv(t, other)
	assert.Equal(t, EventConversationUpdated, ev.Type, "non-member only sees the global event")
	assertEmpty(t, other)
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := NewBroadcaster(100, nil)
	sub := b.Subscribe(t.Context())

	for i := 0; i < 50; i++ {
		b.Publish(Event{Type: EventMessageStatusUpdated, Payload: i})
	}
	for i := 0; i < 50; i++ {
		require.Equal(t, i, recv(t, sub).Payload)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBroadcaster(2, nil)
	slow := b.Subscribe(t.Context())
	fast := b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: EventConversationUpdated, Payload: i})
			<-fast.Events()
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, 0, recv(t, slow).Payload)
	assert.Equal(t, 1, recv(t, slow).Payload)
	assertEmpty(t, slow)
}

func TestLeaveAndUnsubscribe(t *testing.T) {
	b := NewBroadcaster(8, nil)
	sub := b.Subscribe(t.Context())
	room := RoomFor("conv_1")

	b.Join(sub, room)
	b.Leave(sub, room)
	b.Publish(Event{Type: EventNewMessage, Room: room})
	assertEmpty(t, sub)

	b.Join(sub, room)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Publish(Event{Type: EventNewMessage, Room: room})
	assertEmpty(t, sub)
	assert.Equal(t, 0, b.Subscribers())

	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed after unsubscribe")
	}
}

func TestSubscribeRemovedOnContextCancel(t *testing.T) {
	b := NewBroadcaster(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx)
	require.Equal(t, 1, b.Subscribers())

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not removed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers())
}
