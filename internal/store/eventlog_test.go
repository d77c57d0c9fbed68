package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/pkg/schema"
)

func newTestEventLog(t *testing.T) (*EventLog, *LibSQLStore) {
	t.Helper()
	s := newTestStore(t)
	return NewEventLog(s), s
}

func TestEventLog_NodeHistory(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	events := []*Event{
		{RunID: "run", Type: schema.EventRunStarted, Timestamp: start},
		{RunID: "run", NodeID: "a", Type: schema.EventNodeStarted, Timestamp: start},
		{RunID: "run", NodeID: "a", Type: schema.EventNodeSucceeded, Timestamp: start.Add(250 * time.Millisecond)},
		{RunID: "run", NodeID: "b", Type: schema.EventNodeStarted, Timestamp: start.Add(time.Second)},
		{RunID: "run", NodeID: "b", Type: schema.EventNodeFailed, Timestamp: start.Add(2 * time.Second),
			Payload: json.RawMessage(`{"message":"upstream unavailable"}`)},
	}
	for _, e := range events {
		require.NoError(t, el.AppendEvent(ctx, e))
	}

	history, err := el.NodeHistory(ctx, "run")
	require.NoError(t, err)
	require.Len(t, history, 2)

	a := history["a"]
	assert.Equal(t, schema.NodeStatusSuccess, a.Status)
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, int64(250), a.DurationMs)

	b := history["b"]
	assert.Equal(t, schema.NodeStatusError, b.Status)
	assert.Equal(t, "upstream unavailable", b.Error)
}

func TestEventLog_NodeHistory_RetryClearsError(t *testing.T) {
	el, _ := newTestEventLog(t)
	ctx := context.Background()

	for _, et := range []string{schema.EventNodeStarted, schema.EventNodeFailed, schema.EventNodeStarted, schema.EventNodeSucceeded} {
		require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "r", NodeID: "n", Type: et,
			Payload: json.RawMessage(`{"message":"first try"}`)}))
	}

	history, err := el.NodeHistory(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSuccess, history["n"].Status)
	assert.Equal(t, 2, history["n"].Attempts)
	assert.Empty(t, history["n"].Error)
}

func TestEventLog_NodeHistory_EmptyRun(t *testing.T) {
	el, _ := newTestEventLog(t)
	history, err := el.NodeHistory(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEventLog_NodeHistory_SequenceGap(t *testing.T) {
	el, s := newTestEventLog(t)
	ctx := context.Background()

	require.NoError(t, el.AppendEvent(ctx, &Event{RunID: "gap", NodeID: "n", Type: schema.EventNodeStarted}))
	_, err := s.DB().Exec(`INSERT INTO events (run_id, node_id, event_type, timestamp, sequence) VALUES ('gap', 'n', ?, ?, 5)`,
		schema.EventNodeSucceeded, time.Now().UTC())
	require.NoError(t, err)

	_, err = el.NodeHistory(ctx, "gap")
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
