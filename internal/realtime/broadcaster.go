package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pushpraj-rmx/mba/internal/observability"
)

const DefaultQueueSize = 64

type EventType string

const (
	EventNewMessage           EventType = "new-message"
	EventConversationUpdated  EventType = "conversation-updated"
	EventMessageStatusUpdated EventType = "message-status-updated"
	EventMessageSent          EventType = "message-sent"
	EventError                EventType = "error"
)

// Event is one change notification. An empty Room means every subscriber.
type Event struct {
	Type    EventType
	Room    string
	Payload any
}

// RoomFor names the room whose members see a conversation's message events.
func RoomFor(conversationID string) string { return "conversation-" + conversationID }

// Subscriber is one viewer. Its queue is never closed; Done signals the end
// of the subscription instead, so a concurrent Publish can never panic.
type Subscriber struct {
	ID string

	events    chan Event
	rooms     map[string]struct{} // guarded by Broadcaster.mu
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscriber) Events() <-chan Event  { return s.events }
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Broadcaster fans change events out to subscribers. Publish never blocks:
// a subscriber whose queue is full misses the event.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]*Subscriber
	rooms     map[string]map[string]*Subscriber // room -> subID -> sub
	queueSize int
	logger    *slog.Logger
}

func NewBroadcaster(queueSize int, logger *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:      make(map[string]*Subscriber),
		rooms:     make(map[string]map[string]*Subscriber),
		queueSize: queueSize,
		logger:    logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a viewer that receives global events. It is removed
// when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		events: make(chan Event, b.queueSize),
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	observability.Viewers.Inc()

	b.logger.Debug("subscriber added", "sub_id", sub.ID)

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(sub)
		case <-sub.done:
		}
	}()
	return sub
}

func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub.ID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subs, sub.ID)
	for room := range sub.rooms {
		b.removeFromRoomLocked(room, sub.ID)
	}
	sub.rooms = map[string]struct{}{}
	b.mu.Unlock()

	sub.closeOnce.Do(func() { close(sub.done) })
	observability.Viewers.Dec()
	b.logger.Debug("subscriber removed", "sub_id", sub.ID)
}

func (b *Broadcaster) Join(sub *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]*Subscriber)
		b.rooms[room] = members
	}
	members[sub.ID] = sub
	sub.rooms[room] = struct{}{}
}

func (b *Broadcaster) Leave(sub *Subscriber, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(sub.rooms, room)
	b.removeFromRoomLocked(room, sub.ID)
}

func (b *Broadcaster) removeFromRoomLocked(room, subID string) {
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, subID)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

// Publish delivers ev to its room, or to everyone when ev.Room is empty.
// Sends happen under the read lock; they are non-blocking, and holding the
// lock keeps one publisher's events in order for every subscriber.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Room == "" {
		for _, sub := range b.subs {
			b.deliver(sub, ev)
		}
		return
	}
	for _, sub := range b.rooms[ev.Room] {
		b.deliver(sub, ev)
	}
}

// Send delivers ev to one subscriber only.
func (b *Broadcaster) Send(sub *Subscriber, ev Event) {
	b.deliver(sub, ev)
}

func (b *Broadcaster) deliver(sub *Subscriber, ev Event) {
	select {
	case <-sub.done:
	case sub.events <- ev:
	default:
		observability.BroadcastDrops.Inc()
		b.logger.Debug("dropped event for slow subscriber",
			"sub_id", sub.ID,
			"event", string(ev.Type),
			"room", ev.Room)
	}
}

// Subscribers reports the number of connected viewers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
