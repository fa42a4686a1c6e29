package party

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the events carried on a party's bus channel.
type EventType string

const (
	// EventTypeStatus carries a full serialized party record after an
	// accepted state write.
	EventTypeStatus EventType = "status"
	// EventTypeStats carries one instance's viewer report.
	EventTypeStats EventType = "stats"
)

// Event is the envelope published on the per-party channel. Handlers must be
// idempotent: delivery is at-least-once and unordered across publishers.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewStatusEvent wraps a party record in a status envelope.
func NewStatusEvent(rec Record) (Event, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Event{}, fmt.Errorf("marshal status event: %w", err)
	}
	return Event{Type: EventTypeStatus, Data: data}, nil
}

// NewStatsEvent wraps a viewer report in a stats envelope.
func NewStatsEvent(s Stats) (Event, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return Event{}, fmt.Errorf("marshal stats event: %w", err)
	}
	return Event{Type: EventTypeStats, Data: data}, nil
}

// DecodeEvent parses a raw bus payload into an event envelope.
func DecodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode party event: %w", err)
	}
	return ev, nil
}

// Encode renders the envelope for publishing.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Status decodes the payload of a status event.
func (e Event) Status() (Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode status payload: %w", err)
	}
	return rec, nil
}

// Stats decodes the payload of a stats event.
func (e Event) Stats() (Stats, error) {
	var s Stats
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return Stats{}, fmt.Errorf("decode stats payload: %w", err)
	}
	return s, nil
}
