//Package fanout pushes conversation changes to live subscribers.
//
//It is two layers. A Hub is the process-local subscriber table, and a
//Bridge carries events between relay processes so a write committed on
//one process reaches subscribers attached to any other. The stream is a
//liveness hint: delivery is at-least-once with best-effort order, and
//readers reconcile against envelope history.
package fanout

import (
	"encoding/json"
	"time"
)

//Kind names an event type on the wire
type Kind string

//Event kinds
const (
	KindMessage      Kind = "message"
	KindStatusUpdate Kind = "status_update"
	KindTypingStart  Kind = "typing_start"
	KindTypingStop   Kind = "typing_stop"
	KindHeartbeat    Kind = "heartbeat"
)

//Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindStatusUpdate, KindTypingStart, KindTypingStop, KindHeartbeat:
		return true
	}
	return false
}

//Ephemeral kinds are never persisted and never retried
func (k Kind) Ephemeral() bool {
	return k == KindTypingStart || k == KindTypingStop || k == KindHeartbeat
}

//Event is one change on a conversation channel
type Event struct {
	Kind           Kind            `json:"type"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	At             time.Time       `json:"at"`
}

//NewEvent encodes payload into an event stamped with the current time
func NewEvent(kind Kind, conversationID string, payload interface{}) (Event, error) {
	e := Event{
		Kind:           kind,
		ConversationID: conversationID,
		At:             time.Now().UTC(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return e, err
		}
		e.Payload = raw
	}

	return e, nil
}

//StatusUpdate is the payload of a status_update event
type StatusUpdate struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

//Typing is the payload of typing_start and typing_stop events
type Typing struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId,omitempty"`
}
