// Package events implements the bidirectional message protocol that runs
// over a live transport's data channel: wire framing, client-side event
// identifiers, local display timestamps, and the newest-first event log
// that authorized consumers observe instead of the raw channel.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire event types the client emits.
const (
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeSessionUpdate          = "session.update"
)

// Event is one unit of the session protocol. Events are immutable once
// appended to a [Log].
//
// The Timestamp is a local display concern only: it is assigned after an
// outbound event has been transmitted (or at receipt for inbound events)
// and never travels on the wire.
type Event struct {
	// Type is the protocol event type, e.g. "conversation.item.create".
	Type string

	// ID is the client-unique event identifier (wire field "event_id").
	// Generated on send when absent.
	ID string

	// Timestamp is the local wall-clock stamp. Zero until assigned.
	Timestamp time.Time

	// Payload holds the remaining wire fields of the event object.
	Payload map[string]any
}

// WireBytes serialises the event for transmission: a flat JSON object with
// "type", "event_id" (when set), and the payload fields. The timestamp is
// deliberately omitted — the peer does not expect it.
func (e Event) WireBytes() ([]byte, error) {
	obj := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		obj[k] = v
	}
	obj["type"] = e.Type
	if e.ID != "" {
		obj["event_id"] = e.ID
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %q: %w", e.Type, err)
	}
	return data, nil
}

// Parse decodes one inbound wire message. The object must carry a string
// "type" field; "event_id" is lifted out of the payload when present. A wire
// "timestamp" stays in the payload and is only detected, via
// [Event.HasWireTimestamp], so the channel knows not to stamp the event a
// second time.
func Parse(data []byte) (Event, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Event{}, fmt.Errorf("events: parse: %w", err)
	}
	typ, ok := obj["type"].(string)
	if !ok {
		return Event{}, fmt.Errorf("events: parse: missing type field")
	}
	e := Event{Type: typ, Payload: obj}
	delete(obj, "type")
	if id, ok := obj["event_id"].(string); ok {
		e.ID = id
		delete(obj, "event_id")
	}
	return e, nil
}

// HasWireTimestamp reports whether the raw payload carried its own
// timestamp field. Inbound events that already have one keep it; only
// unstamped events receive a receipt timestamp.
func (e Event) HasWireTimestamp() bool {
	_, ok := e.Payload["timestamp"]
	return ok
}
