package engine

import (
	"encoding/json"
	"time"
)

// EventType identifies an engine event.
type EventType string

const (
	// EventRecordUpdated fires when the mirror changes, locally or from a
	// remote apply.
	EventRecordUpdated EventType = "record_updated"

	// EventDrainComplete fires after each drain pass with its Result.
	EventDrainComplete EventType = "drain_complete"

	// EventConflictDetected fires when a drain surfaces new conflicts.
	EventConflictDetected EventType = "conflict_detected"

	// EventConnectivity fires when the online/offline signal flips.
	EventConnectivity EventType = "connectivity"
)

// Event is one entry on the engine's event stream.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subscribe registers an event channel with the given buffer. The returned
// cancel function removes the subscription; events arriving while the
// buffer is full are dropped for that subscriber.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	e.subsMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = ch
	e.subsMu.Unlock()

	cancel := func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
	return ch, cancel
}
