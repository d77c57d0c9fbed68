package schema

// Event type constants for the run audit log and the live event hub.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunAborted   = "run_aborted"

	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeReset     = "node_reset"

	EventSessionAwaiting  = "session_awaiting_user"
	EventSessionInvoking  = "session_invoking"
	EventSessionAdvancing = "session_advancing"
	EventSessionComplete  = "session_complete"
	EventSessionIdle      = "session_idle"

	EventTurnAppended = "turn_appended"
)

// NodeStatus represents the lifecycle state of a graph node.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// SessionState represents the lifecycle state of an interactive session.
type SessionState string

const (
	SessionIdle         SessionState = "idle"
	SessionAwaitingUser SessionState = "awaiting_user"
	SessionInvoking     SessionState = "invoking"
	SessionAdvancing    SessionState = "advancing"
	SessionComplete     SessionState = "complete"
)

// Active reports whether a session in this state is mid-conversation.
func (s SessionState) Active() bool {
	return s == SessionAwaitingUser || s == SessionInvoking || s == SessionAdvancing
}
