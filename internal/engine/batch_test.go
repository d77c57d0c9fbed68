package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/pkg/schema"
)

var fixedNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func newTestBatch(c capability.Capability, app EventAppender) *BatchExecutor {
	return NewBatchExecutor(Deps{
		Capability: c,
		Appender:   app,
		Now:        func() time.Time { return fixedNow },
	})
}

func TestBatch_FailureIsolation(t *testing.T) {
	mc := newMockCapability().on("b", func(map[string]any, capability.InvokeContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "upstream timeout")
	})
	g := newChain(t, "a", "b", "c")
	results := NewResultStore()

	got, err := newTestBatch(mc, nil).Run(context.Background(), "run-1", g, results)
	require.NoError(t, err)

	assert.True(t, got["a"].OK())
	assert.False(t, got["b"].OK())
	assert.Equal(t, "upstream timeout", got["b"].Message)
	assert.True(t, got["c"].OK(), "c is still attempted")

	assert.Equal(t, []string{"a", "b", "c"}, mc.Kinds())
	cInputs := mc.Calls()[2].Inputs
	assert.NotContains(t, cInputs, schema.DefaultInputSlot, "failed source is omitted")

	assert.Equal(t, schema.NodeStatusSuccess, mustNode(t, g, "a").Status())
	assert.Equal(t, schema.NodeStatusError, mustNode(t, g, "b").Status())
	assert.Equal(t, schema.NodeStatusSuccess, mustNode(t, g, "c").Status())
}

func TestBatch_Idempotent(t *testing.T) {
	mc := newMockCapability()
	g := newChain(t, "a", "b", "c")
	b := newTestBatch(mc, nil)

	first, err := b.Run(context.Background(), "", g, NewResultStore())
	require.NoError(t, err)
	second, err := b.Run(context.Background(), "", g, NewResultStore())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Re-running over the same store starts fresh instead of memoizing.
	results := NewResultStore()
	_, err = b.Run(context.Background(), "", g, results)
	require.NoError(t, err)
	_, err = b.Run(context.Background(), "", g, results)
	require.NoError(t, err)
	assert.Len(t, mc.Calls(), 12)
}

func TestBatch_PanicBecomesFailure(t *testing.T) {
	mc := newMockCapability().on("a", func(map[string]any, capability.InvokeContext) (any, error) {
		panic("nil map write")
	})
	g := newChain(t, "a", "b")

	got, err := newTestBatch(mc, nil).Run(context.Background(), "", g, NewResultStore())
	require.NoError(t, err)
	assert.False(t, got["a"].OK())
	assert.Contains(t, got["a"].Message, "nil map write")
	assert.True(t, got["b"].OK())
}

func TestBatch_MissingCredentialBeforeRun(t *testing.T) {
	mc := newMockCapability()
	mc.credErr = schema.NewError(schema.ErrCodeMissingCredential, "no API key")
	g := newChain(t, "a", "b")

	results := NewResultStore()
	results.Set("a", Success("kept", fixedNow))

	_, err := newTestBatch(mc, nil).Run(context.Background(), "", g, results)
	assert.True(t, schema.IsCode(err, schema.ErrCodeMissingCredential))
	assert.Empty(t, mc.Calls())
	assert.Equal(t, 1, results.Len(), "store untouched")
	assert.Equal(t, schema.NodeStatusPending, mustNode(t, g, "a").Status())
}

func TestBatch_MissingCredentialMidRunAborts(t *testing.T) {
	app := &mockAppender{}
	mc := newMockCapability().on("b", func(map[string]any, capability.InvokeContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeMissingCredential, "API key rejected")
	})
	g := newChain(t, "a", "b", "c")

	got, err := newTestBatch(mc, app).Run(context.Background(), "run-x", g, NewResultStore())
	assert.True(t, schema.IsCode(err, schema.ErrCodeMissingCredential))
	assert.True(t, got["a"].OK())
	assert.False(t, got["b"].OK())
	assert.NotContains(t, got, "c")
	assert.Equal(t, []string{"a", "b"}, mc.Kinds())

	runEvents := app.Types("run-x", "")
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunAborted}, runEvents)
}

func TestBatch_CycleAbortsBeforeMutation(t *testing.T) {
	mc := newMockCapability()
	g := newChain(t, "a", "b")
	require.NoError(t, g.AddEdge(Edge{Source: "b", Target: "a"}))

	results := NewResultStore()
	results.Set("a", Success(1, fixedNow))

	_, err := newTestBatch(mc, nil).Run(context.Background(), "", g, results)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
	assert.Empty(t, mc.Calls())
	assert.Equal(t, 1, results.Len())
}

func TestBatch_ResumeSkipsMemoized(t *testing.T) {
	mc := newMockCapability()
	g := newChain(t, "a", "b", "c")
	results := NewResultStore()
	results.Set("a", Success(map[string]any{"text": "cached"}, fixedNow))

	got, err := newTestBatch(mc, nil).Resume(context.Background(), "", g, results)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, mc.Kinds())
	assert.Equal(t, map[string]any{"text": "cached"}, mc.Calls()[0].Inputs[schema.DefaultInputSlot])
	assert.Len(t, got, 3)
}

func TestBatch_InputMerging(t *testing.T) {
	mc := newMockCapability().
		on("read", func(map[string]any, capability.InvokeContext) (any, error) {
			return map[string]any{"data": []any{map[string]any{"id": "r1"}}, "headers": []any{"id"}}, nil
		}).
		on("meta", func(map[string]any, capability.InvokeContext) (any, error) {
			return map[string]any{"author": "ana"}, nil
		})

	def := &schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "read", Skill: "read"},
			{ID: "meta", Skill: "meta"},
			{ID: "sink", Skill: "sink", Inputs: map[string]any{"rows": "literal", "sheet": "Out"}},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "read", Target: "sink", SourceHandle: "data", TargetHandle: "rows"},
			{Source: "read", Target: "sink", SourceHandle: ".data[0].id", TargetHandle: "first"},
			{Source: "read", Target: "sink", SourceHandle: "missing", TargetHandle: "gone"},
			{Source: "read", Target: "sink"},
			{Source: "meta", Target: "sink"},
		},
	}
	g, err := FromDefinition(def)
	require.NoError(t, err)

	_, err = newTestBatch(mc, nil).Run(context.Background(), "", g, NewResultStore())
	require.NoError(t, err)

	in := mc.Calls()[2].Inputs
	assert.Equal(t, []any{map[string]any{"id": "r1"}}, in["rows"], "edge replaces static literal")
	assert.Equal(t, "r1", in["first"], "jq handle narrows")
	assert.NotContains(t, in, "gone")
	assert.Equal(t, "Out", in["sheet"])

	both, ok := in[schema.DefaultInputSlot].([]any)
	require.True(t, ok, "two edges into the default slot collect into a list")
	require.Len(t, both, 2)
	assert.Equal(t, map[string]any{"author": "ana"}, both[1])

	assert.Equal(t, map[string]any{"rows": "literal", "sheet": "Out"}, mustNode(t, g, "sink").Inputs, "static inputs untouched")
}

func TestBatch_ConcurrentRunRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mc := newMockCapability().on("a", func(map[string]any, capability.InvokeContext) (any, error) {
		close(started)
		<-release
		return "done", nil
	})
	g := newChain(t, "a")
	b := newTestBatch(mc, nil)
	results := NewResultStore()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Run(context.Background(), "first", g, results)
		errc <- err
	}()
	<-started

	_, err := b.Run(context.Background(), "second", g, NewResultStore())
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = b.RunNode(context.Background(), "third", g, "a", results)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict), "node already in flight")

	close(release)
	require.NoError(t, <-errc)
	assert.Len(t, mc.Calls(), 1)
}

func TestBatch_RunNode(t *testing.T) {
	calls := 0
	mc := newMockCapability().on("b", func(in map[string]any, _ capability.InvokeContext) (any, error) {
		calls++
		return in[schema.DefaultInputSlot], nil
	})
	g := newChain(t, "a", "b")
	results := NewResultStore()
	b := newTestBatch(mc, nil)

	_, err := b.Run(context.Background(), "", g, results)
	require.NoError(t, err)

	r, err := b.RunNode(context.Background(), "", g, "b", results)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "a"}, r.Output)
	assert.Equal(t, 2, calls)

	_, err = b.RunNode(context.Background(), "", g, "ghost", results)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestBatch_CancelDiscardsInFlight(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mc := newMockCapability().on("a", func(map[string]any, capability.InvokeContext) (any, error) {
		cancel()
		return "late", nil
	})
	g := newChain(t, "a", "b")
	results := NewResultStore()

	_, err := newTestBatch(mc, nil).Run(ctx, "", g, results)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, results.Len())
	assert.Equal(t, schema.NodeStatusPending, mustNode(t, g, "a").Status())
	assert.Equal(t, []string{"a"}, mc.Kinds())
}

func TestBatch_EmptyGraph(t *testing.T) {
	got, err := newTestBatch(newMockCapability(), nil).Run(context.Background(), "", NewGraph("", ""), NewResultStore())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBatch_EventsAndHub(t *testing.T) {
	app := &mockAppender{}
	hub := streaming.NewMemoryHub()
	ctx := context.Background()

	ch, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{RunID: "run-ev", NodeID: "b"})
	require.NoError(t, err)
	defer unsubscribe()

	mc := newMockCapability().on("b", func(map[string]any, capability.InvokeContext) (any, error) {
		return nil, errors.New("plain error")
	})
	b := NewBatchExecutor(Deps{Capability: mc, Appender: app, Hub: hub})

	_, err = b.Run(ctx, "run-ev", newChain(t, "a", "b"), NewResultStore())
	require.NoError(t, err)

	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeSucceeded}, app.Types("run-ev", "a"))
	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeFailed}, app.Types("run-ev", "b"))
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, app.Types("run-ev", ""))

	var hubTypes []string
	for range 2 {
		select {
		case ev := <-ch:
			hubTypes = append(hubTypes, ev.EventType)
		case <-time.After(time.Second):
			t.Fatal("missing hub event")
		}
	}
	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeFailed}, hubTypes)
}

func TestBatch_CircuitBreakerShortCircuits(t *testing.T) {
	mc := newMockCapability().on("flaky", func(map[string]any, capability.InvokeContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "503")
	})
	g := NewGraph("", "")
	for _, id := range []string{"one", "two"} {
		_, err := g.AddNode(schema.NodeDefinition{ID: id, Skill: "flaky"})
		require.NoError(t, err)
	}
	b := NewBatchExecutor(Deps{
		Capability: mc,
		Breakers:   NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}),
	})

	got, err := b.Run(context.Background(), "", g, NewResultStore())
	require.NoError(t, err)
	assert.Len(t, mc.Calls(), 1)
	assert.False(t, got["two"].OK())
	assert.Contains(t, got["two"].Message, "disabled")
}

func mustNode(t *testing.T, g *Graph, id string) *Node {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s", id)
	return n
}
