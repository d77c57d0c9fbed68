package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time notification emitted while a run or chat session progresses.
// RunID carries the batch run ID or the interactive session ID.
type StreamEvent struct {
	RunID     string    `json:"run_id"`
	NodeID    string    `json:"node_id,omitempty"`
	EventType string    `json:"event_type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	NodeID     string   `json:"node_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// HubStats describes subscriber load on a hub.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns the hub's load when it keeps counters, as MemoryHub does.
func Stats(h EventHub) (HubStats, bool) {
	c, ok := h.(interface {
		Subscribers() int
		Dropped() uint64
	})
	if !ok {
		return HubStats{}, false
	}
	return HubStats{Subscribers: c.Subscribers(), Dropped: c.Dropped()}, true
}
