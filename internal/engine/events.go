package engine

import (
	"context"
	"time"

	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/streaming"
)

// fanout forwards every FSM event to the live hub and then to the audit log.
// Either side may be nil. Hub delivery is best effort; only audit log
// failures are reported.
type fanout struct {
	appender EventAppender
	hub      streaming.EventHub
	now      func() time.Time
}

func newFanout(appender EventAppender, hub streaming.EventHub, now func() time.Time) *fanout {
	if now == nil {
		now = time.Now
	}
	return &fanout{appender: appender, hub: hub, now: now}
}

func (f *fanout) AppendEvent(ctx context.Context, event *store.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = f.now().UTC()
	}
	if f.hub != nil {
		var payload any
		if len(event.Payload) > 0 {
			payload = event.Payload
		}
		_ = f.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     event.RunID,
			NodeID:    event.NodeID,
			EventType: event.Type,
			Payload:   payload,
			Timestamp: event.Timestamp,
		})
	}
	if f.appender != nil {
		return f.appender.AppendEvent(ctx, event)
	}
	return nil
}
