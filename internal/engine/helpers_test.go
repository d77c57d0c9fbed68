package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Types(runID, nodeID string) []string {
	var out []string
	for _, e := range m.Events() {
		if e.RunID == runID && e.NodeID == nodeID {
			out = append(out, e.Type)
		}
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (failAppender) AppendEvent(context.Context, *store.Event) error {
	return fmt.Errorf("store unavailable")
}

// recordedCall is one invocation seen by mockCapability.
type recordedCall struct {
	Kind   string
	Inputs map[string]any
	IC     capability.InvokeContext
}

// mockCapability answers by skill kind. Unknown kinds echo their inputs.
type mockCapability struct {
	mu      sync.Mutex
	calls   []recordedCall
	handler map[string]func(inputs map[string]any, ic capability.InvokeContext) (any, error)
	credErr error
}

func newMockCapability() *mockCapability {
	return &mockCapability{handler: map[string]func(map[string]any, capability.InvokeContext) (any, error){}}
}

func (m *mockCapability) on(kind string, fn func(inputs map[string]any, ic capability.InvokeContext) (any, error)) *mockCapability {
	m.handler[kind] = fn
	return m
}

func (m *mockCapability) Invoke(_ context.Context, kind string, inputs map[string]any, ic capability.InvokeContext) (any, error) {
	m.mu.Lock()
	m.calls = append(m.calls, recordedCall{Kind: kind, Inputs: inputs, IC: ic})
	fn := m.handler[kind]
	m.mu.Unlock()

	if fn == nil {
		return map[string]any{"echo": kind}, nil
	}
	return fn(inputs, ic)
}

func (m *mockCapability) CheckCredentials(context.Context, []string, capability.Mode) error {
	return m.credErr
}

func (m *mockCapability) Calls() []recordedCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedCall(nil), m.calls...)
}

func (m *mockCapability) Kinds() []string {
	var out []string
	for _, c := range m.Calls() {
		out = append(out, c.Kind)
	}
	return out
}

// newChain builds a -> b -> c ... where every node's skill equals its ID.
func newChain(t *testing.T, ids ...string) *Graph {
	t.Helper()
	g := NewGraph("wf", "chain")
	for _, id := range ids {
		_, err := g.AddNode(schema.NodeDefinition{ID: id, Skill: id})
		require.NoError(t, err)
	}
	for i := 1; i < len(ids); i++ {
		require.NoError(t, g.AddEdge(Edge{Source: ids[i-1], Target: ids[i]}))
	}
	return g
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return ids
}
