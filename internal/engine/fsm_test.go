package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/pkg/schema"
)

func testNode(t *testing.T) *Node {
	t.Helper()
	n, err := NewGraph("", "").AddNode(schema.NodeDefinition{ID: "n1", Skill: "json-parse"})
	require.NoError(t, err)
	return n
}

func TestNodeFSM_Lifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()
	n := testNode(t)

	require.NoError(t, fsm.Transition(ctx, "run-1", n, schema.NodeStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", n, schema.NodeStatusError, map[string]any{"message": "bad json"}))
	require.NoError(t, fsm.Transition(ctx, "run-1", n, schema.NodeStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", n, schema.NodeStatusSuccess, nil))
	require.NoError(t, fsm.Reset(ctx, "run-1", n))
	require.NoError(t, fsm.Reset(ctx, "run-1", n), "reset of a pending node is a no-op")

	assert.Equal(t, schema.NodeStatusPending, n.Status())
	assert.Equal(t, []string{
		schema.EventNodeStarted,
		schema.EventNodeFailed,
		schema.EventNodeStarted,
		schema.EventNodeSucceeded,
		schema.EventNodeReset,
	}, app.Types("run-1", "n1"))
	assert.JSONEq(t, `{"message":"bad json"}`, string(app.Events()[1].Payload))
}

func TestNodeFSM_InvalidTransition(t *testing.T) {
	app := &mockAppender{}
	fsm := NewNodeFSM(app)
	n := testNode(t)

	err := fsm.Transition(context.Background(), "run-1", n, schema.NodeStatusSuccess, nil)
	require.Error(t, err)

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Equal(t, "n1", fe.NodeID)
	assert.Equal(t, schema.NodeStatusPending, n.Status())
	assert.Empty(t, app.Events())
}

func TestNodeFSM_AppenderFailureKeepsStatus(t *testing.T) {
	fsm := NewNodeFSM(failAppender{})
	n := testNode(t)

	err := fsm.Transition(context.Background(), "run-1", n, schema.NodeStatusRunning, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
	assert.Equal(t, schema.NodeStatusRunning, n.Status())
}

func TestNodeFSM_NilAppender(t *testing.T) {
	fsm := NewNodeFSM(nil)
	assert.NoError(t, fsm.Transition(context.Background(), "r", testNode(t), schema.NodeStatusRunning, nil))
}

func TestSessionFSM_ValidTransitions(t *testing.T) {
	app := &mockAppender{}
	fsm := NewSessionFSM(app)
	ctx := context.Background()

	steps := []struct{ from, to schema.SessionState }{
		{schema.SessionIdle, schema.SessionAwaitingUser},
		{schema.SessionAwaitingUser, schema.SessionInvoking},
		{schema.SessionInvoking, schema.SessionAdvancing},
		{schema.SessionAdvancing, schema.SessionInvoking},
		{schema.SessionInvoking, schema.SessionAdvancing},
		{schema.SessionAdvancing, schema.SessionComplete},
		{schema.SessionComplete, schema.SessionIdle},
	}
	for _, s := range steps {
		require.NoError(t, fsm.Transition(ctx, "sess", "", s.from, s.to), "%s -> %s", s.from, s.to)
	}

	events := app.Events()
	require.Len(t, events, len(steps))
	assert.Equal(t, schema.EventSessionAwaiting, events[0].Type)
	assert.Equal(t, schema.EventSessionComplete, events[5].Type)
	assert.Equal(t, schema.EventSessionIdle, events[6].Type)
	assert.Equal(t, "sess", events[0].RunID)
}

func TestSessionFSM_InvalidTransitions(t *testing.T) {
	fsm := NewSessionFSM(nil)
	ctx := context.Background()

	invalid := []struct{ from, to schema.SessionState }{
		{schema.SessionIdle, schema.SessionAdvancing},
		{schema.SessionAwaitingUser, schema.SessionComplete},
		{schema.SessionInvoking, schema.SessionAwaitingUser},
		{schema.SessionComplete, schema.SessionInvoking},
	}
	for _, s := range invalid {
		err := fsm.Transition(ctx, "sess", "", s.from, s.to)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "%s -> %s", s.from, s.to)
	}
}

func TestSessionFSM_EveryStateCanReturnToIdle(t *testing.T) {
	for from := range ValidSessionTransitions {
		if from == schema.SessionIdle {
			continue
		}
		assert.Contains(t, ValidSessionTransitions[from], schema.SessionIdle, "from %s", from)
	}
}
