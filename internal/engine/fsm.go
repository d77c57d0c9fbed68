package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

func appenderOrNop(a EventAppender) EventAppender {
	if a == nil {
		return nopAppender{}
	}
	return a
}

func encodePayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// --- Node FSM ---

// NodeFSM validates node status changes, writes them onto the node and emits
// the matching event.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender (nil discards them).
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appenderOrNop(appender)}
}

// Transition moves n to status to. The status is written even when emitting
// the event fails; in that case a STORE_ERROR is returned.
func (f *NodeFSM) Transition(ctx context.Context, runID string, n *Node, to schema.NodeStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := n.Status()
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(n.ID()).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	n.setStatus(to)

	if eventType := nodeEventType(to); eventType != "" {
		event := &store.Event{
			RunID:   runID,
			NodeID:  n.ID(),
			Type:    eventType,
			Payload: encodePayload(payload),
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(n.ID()).WithCause(err)
		}
	}
	return nil
}

// Reset returns n to pending. Nodes already pending are left alone.
func (f *NodeFSM) Reset(ctx context.Context, runID string, n *Node) error {
	if n.Status() == schema.NodeStatusPending {
		return nil
	}
	return f.Transition(ctx, runID, n, schema.NodeStatusPending, nil)
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	return slices.Contains(ValidNodeTransitions[from], to)
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSuccess:
		return schema.EventNodeSucceeded
	case schema.NodeStatusError:
		return schema.EventNodeFailed
	case schema.NodeStatusPending:
		return schema.EventNodeReset
	default:
		return ""
	}
}

// --- Session FSM ---

// SessionFSM validates interactive session state changes and emits the matching event.
// The caller owns the state variable and writes it after a successful Transition.
type SessionFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewSessionFSM creates a SessionFSM that emits events via the given appender (nil discards them).
func NewSessionFSM(appender EventAppender) *SessionFSM {
	return &SessionFSM{appender: appenderOrNop(appender)}
}

// Transition validates from -> to and emits the event for to. Event store
// failures are returned as STORE_ERROR; the
// transition itself stands.
func (f *SessionFSM) Transition(ctx context.Context, sessionID, nodeID string, from, to schema.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidSessionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid session transition: %s -> %s", from, to).
			WithDetails(map[string]any{"session_id": sessionID, "from": string(from), "to": string(to)})
	}

	if eventType := sessionEventType(to); eventType != "" {
		event := &store.Event{
			RunID:   sessionID,
			NodeID:  nodeID,
			Type:    eventType,
			Payload: encodePayload(map[string]any{"from": from, "to": to}),
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit session event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidSessionTransition(from, to schema.SessionState) bool {
	return slices.Contains(ValidSessionTransitions[from], to)
}

func sessionEventType(to schema.SessionState) string {
	switch to {
	case schema.SessionAwaitingUser:
		return schema.EventSessionAwaiting
	case schema.SessionInvoking:
		return schema.EventSessionInvoking
	case schema.SessionAdvancing:
		return schema.EventSessionAdvancing
	case schema.SessionComplete:
		return schema.EventSessionComplete
	case schema.SessionIdle:
		return schema.EventSessionIdle
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidNodeTransitions defines the allowed status transitions for nodes.
// Finished nodes may run again (re-execution) or be reset for a fresh run.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusRunning},
	schema.NodeStatusRunning: {schema.NodeStatusSuccess, schema.NodeStatusError, schema.NodeStatusPending},
	schema.NodeStatusSuccess: {schema.NodeStatusRunning, schema.NodeStatusPending},
	schema.NodeStatusError:   {schema.NodeStatusRunning, schema.NodeStatusPending},
}

// ValidSessionTransitions defines the allowed state transitions for interactive sessions.
// Every state can return to idle (cancel or failure).
var ValidSessionTransitions = map[schema.SessionState][]schema.SessionState{
	schema.SessionIdle:         {schema.SessionAwaitingUser, schema.SessionInvoking, schema.SessionComplete},
	schema.SessionAwaitingUser: {schema.SessionInvoking, schema.SessionIdle},
	schema.SessionInvoking:     {schema.SessionAdvancing, schema.SessionIdle},
	schema.SessionAdvancing:    {schema.SessionInvoking, schema.SessionAwaitingUser, schema.SessionComplete, schema.SessionIdle},
	schema.SessionComplete:     {schema.SessionIdle},
}
