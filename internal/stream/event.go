package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event kinds carried by the feed's kind discriminator.
const (
	KindCommit   = "commit"
	KindIdentity = "identity"
	KindAccount  = "account"
)

// Commit operations.
const (
	OperationCreate = "create"
	OperationUpdate = "update"
	OperationDelete = "delete"
)

var (
	// ErrMalformedFrame indicates an inbound frame that could not be decoded.
	ErrMalformedFrame = errors.New("stream: malformed frame")
	// ErrIncompleteEvent indicates a decoded frame missing fields its kind requires.
	ErrIncompleteEvent = errors.New("stream: incomplete event")
)

// Event is one decoded feed frame. Exactly one of Commit or Identity is set
// for the kinds this pipeline acts on; other kinds pass through with both nil.
type Event struct {
	Kind     string         `json:"kind"`
	DID      string         `json:"did"`
	TimeUS   int64          `json:"time_us"`
	Commit   *CommitEvent   `json:"commit,omitempty"`
	Identity *IdentityEvent `json:"identity,omitempty"`
}

// CommitEvent is the repo-commit payload: one record operation in one collection.
// Record is present for create and update, absent for delete.
type CommitEvent struct {
	Collection string          `json:"collection"`
	Operation  string          `json:"operation"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// IdentityEvent carries an account's identity change, possibly with a new handle.
type IdentityEvent struct {
	Handle string `json:"handle,omitempty"`
}

// DecodeEvent parses one raw frame into a typed Event. A frame that decodes
// but lacks the fields its declared kind requires is rejected as incomplete
// rather than applied partially.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if strings.TrimSpace(event.DID) == "" {
		return Event{}, fmt.Errorf("%w: missing did", ErrIncompleteEvent)
	}

	switch event.Kind {
	case KindCommit:
		if event.Commit == nil {
			return Event{}, fmt.Errorf("%w: commit event without commit body", ErrIncompleteEvent)
		}
		switch event.Commit.Operation {
		case OperationCreate, OperationUpdate, OperationDelete:
		default:
			return Event{}, fmt.Errorf("%w: unknown operation %q", ErrIncompleteEvent, event.Commit.Operation)
		}
	case KindIdentity, KindAccount:
		// Identity body is optional; an identity event without a handle is ignored downstream.
	case "":
		return Event{}, fmt.Errorf("%w: missing kind", ErrIncompleteEvent)
	}

	return event, nil
}
