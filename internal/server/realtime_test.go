package server

import (
	"testing"
	"time"
)

func TestDispatcherDeliversToAllSubscribers(t *testing.T) {
	dispatcher := NewUpdateDispatcher()

	first, cleanupFirst := dispatcher.Subscribe()
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe()
	defer cleanupSecond()

	message := UpdateMessage{
		DID:       "did:plc:alpha0000000000000000000",
		Operation: "create",
		Timestamp: time.Now(),
	}
	dispatcher.Publish(message)

	for name, stream := range map[string]<-chan UpdateMessage{"first": first, "second": second} {
		select {
		case got := <-stream:
			if got.DID != message.DID || got.Operation != message.Operation {
				t.Fatalf("%s subscriber got unexpected message: %+v", name, got)
			}
		default:
			t.Fatalf("%s subscriber received nothing", name)
		}
	}
}

func TestDispatcherDropsWhenSubscriberBufferFull(t *testing.T) {
	dispatcher := NewUpdateDispatcher()
	stream, cleanup := dispatcher.Subscribe()
	defer cleanup()

	message := UpdateMessage{DID: "did:plc:alpha0000000000000000000", Operation: "update"}
	for i := 0; i < 50; i++ {
		dispatcher.Publish(message)
	}

	drained := 0
	for {
		select {
		case <-stream:
			drained++
		default:
			if drained == 0 || drained > 16 {
				t.Fatalf("expected at most the buffer size delivered, got %d", drained)
			}
			return
		}
	}
}

func TestDispatcherIgnoresEmptyMessages(t *testing.T) {
	dispatcher := NewUpdateDispatcher()
	stream, cleanup := dispatcher.Subscribe()
	defer cleanup()

	dispatcher.Publish(UpdateMessage{Operation: "create"})
	dispatcher.Publish(UpdateMessage{DID: "did:plc:alpha0000000000000000000"})

	select {
	case got := <-stream:
		t.Fatalf("expected no delivery for incomplete message, got %+v", got)
	default:
	}
}

func TestDispatcherCleanupUnsubscribes(t *testing.T) {
	dispatcher := NewUpdateDispatcher()

	_, cleanup := dispatcher.Subscribe()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cleanup()
	if dispatcher.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers after cleanup, got %d", dispatcher.SubscriberCount())
	}
}
