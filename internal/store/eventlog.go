package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/skillflow/pkg/schema"
)

// EventLog reads the run audit trail back into per-node summaries.
// It is used for reporting only; executions never resume from it.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide audit-trail queries.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent forwards to the underlying store.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// failurePayload is the payload shape written with node_failed events.
type failurePayload struct {
	Message string `json:"message"`
}

// NodeHistory folds a run's events into the last recorded state of each node.
// Returns an error if the sequence has gaps.
func (el *EventLog) NodeHistory(ctx context.Context, runID string) (map[string]*NodeRecord, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for history: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	records := make(map[string]*NodeRecord)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		rec, ok := records[e.NodeID]
		if !ok {
			rec = &NodeRecord{NodeID: e.NodeID, Status: schema.NodeStatusPending}
			records[e.NodeID] = rec
		}

		switch e.Type {
		case schema.EventNodeStarted:
			ts := e.Timestamp
			rec.Status = schema.NodeStatusRunning
			rec.StartedAt = &ts
			rec.CompletedAt = nil
			rec.Error = ""
			rec.Attempts++

		case schema.EventNodeSucceeded:
			ts := e.Timestamp
			rec.Status = schema.NodeStatusSuccess
			rec.CompletedAt = &ts
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			ts := e.Timestamp
			rec.Status = schema.NodeStatusError
			rec.CompletedAt = &ts
			var p failurePayload
			if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil {
				rec.Error = p.Message
			}

		case schema.EventNodeReset:
			rec.Status = schema.NodeStatusPending
		}
	}
	return records, nil
}
