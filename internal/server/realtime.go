package server

import (
	"sync"
	"time"
)

const (
	UpdateEventProfileChanged = "profile-change"
	updateEventHeartbeat      = "heartbeat"
)

// UpdateMessage announces one applied profile mutation to API subscribers.
type UpdateMessage struct {
	DID       string
	Operation string
	Timestamp time.Time
}

// UpdateDispatcher fans applied-profile notifications out to live API
// subscribers. Slow subscribers drop messages rather than blocking ingestion.
type UpdateDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*updateSubscriber
	nextID      int64
	bufferSize  int
}

type updateSubscriber struct {
	id     int64
	stream chan UpdateMessage
}

// NewUpdateDispatcher returns an empty dispatcher.
func NewUpdateDispatcher() *UpdateDispatcher {
	return &UpdateDispatcher{
		subscribers: make(map[int64]*updateSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a subscriber and returns its stream plus a cleanup
// function. The stream is never closed by the dispatcher; callers stop
// reading after cleanup.
func (d *UpdateDispatcher) Subscribe() (<-chan UpdateMessage, func()) {
	subscriber := &updateSubscriber{
		stream: make(chan UpdateMessage, d.bufferSize),
	}

	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, subscriber.id)
		d.mu.Unlock()
	}
	return subscriber.stream, cleanup
}

// Publish delivers message to every subscriber with buffer room.
func (d *UpdateDispatcher) Publish(message UpdateMessage) {
	if message.DID == "" || message.Operation == "" {
		return
	}

	d.mu.RLock()
	copies := make([]*updateSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (d *UpdateDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
