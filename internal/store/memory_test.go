package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/pkg/schema"
)

func TestMemoryStore_Workflows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	wf := &Workflow{ID: "wf-1", CreatedAt: created, Definition: sampleDefinition()}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice-digest", got.Name)
	assert.Equal(t, "wf-1", got.Definition.ID)

	// Mutating the returned copy leaves the stored one alone.
	got.Name = "changed"
	again, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "invoice-digest", again.Name)

	// Upsert keeps the creation time.
	require.NoError(t, s.SaveWorkflow(ctx, &Workflow{ID: "wf-1", Definition: sampleDefinition()}))
	again, err = s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, created, again.CreatedAt)

	require.NoError(t, s.SaveWorkflow(ctx, &Workflow{ID: "wf-2", Name: "other"}))
	list, err := s.ListWorkflows(ctx, WorkflowFilter{Name: "inv"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf-1", list[0].ID)

	list, err = s.ListWorkflows(ctx, WorkflowFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))
	_, err = s.GetWorkflow(ctx, "wf-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteWorkflow(ctx, "wf-1"), schema.ErrCodeNotFound))

	assert.True(t, schema.IsCode(s.SaveWorkflow(ctx, &Workflow{}), schema.ErrCodeValidation))
}

func TestMemoryStore_RunsAndEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r1", WorkflowID: "wf", Mode: RunModeBatch}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r2", WorkflowID: "wf", Mode: RunModeInteractive}))
	assert.True(t, schema.IsCode(s.CreateRun(ctx, &Run{ID: "r1"}), schema.ErrCodeConflict))

	runs, err := s.ListRuns(ctx, "wf", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID, "newest first")

	for _, typ := range []string{"node_started", "node_succeeded", "node_started"} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", NodeID: "a", Type: typ}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r2", Type: "session_idle"}))

	events, err := s.GetEvents(ctx, "r1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, int64(3), events[1].Sequence)

	byType, err := s.GetEventsByType(ctx, "node_started", EventFilter{RunID: "r1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, int64(3), byType[0].Sequence, "newest first")
}

func TestMemoryStore_Secrets(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "b", []byte("2")))
	require.NoError(t, s.StoreSecret(ctx, "a", []byte("1")))

	v, err := s.GetSecret(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "a"))
	_, err = s.GetSecret(ctx, "a")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
