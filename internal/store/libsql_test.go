package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func sampleDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Name: "invoice-digest",
		Nodes: []schema.NodeDefinition{
			{ID: "extract", Skill: "pdf-extract"},
			{ID: "summarize", Skill: "text-transform", Inputs: map[string]any{"operation": "summarize"}},
		},
		Edges: []schema.EdgeDefinition{{Source: "extract", Target: "summarize", SourceHandle: "text"}},
	}
}

// --- Workflow Tests ---

func TestSaveAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{ID: uuid.New().String(), Definition: sampleDefinition()}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "invoice-digest", got.Name)
	assert.Equal(t, wf.ID, got.Definition.ID)
	require.Len(t, got.Definition.Nodes, 2)
	assert.Equal(t, "text-transform", got.Definition.Nodes[1].Skill)
	assert.Equal(t, "summarize", got.Definition.Nodes[1].Inputs["operation"])
	require.Len(t, got.Definition.Edges, 1)
	assert.Equal(t, "text", got.Definition.Edges[0].SourceHandle)
}

func TestSaveWorkflow_UpsertKeepsCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{ID: "wf-1", Definition: sampleDefinition()}
	require.NoError(t, s.SaveWorkflow(ctx, wf))
	first, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	updated := &Workflow{ID: "wf-1", Name: "renamed", CreatedAt: first.CreatedAt, Definition: sampleDefinition()}
	updated.Definition.Nodes = updated.Definition.Nodes[:1]
	updated.Definition.Edges = nil
	require.NoError(t, s.SaveWorkflow(ctx, updated))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "renamed", got.Definition.Name)
	assert.Len(t, got.Definition.Nodes, 1)
	assert.True(t, got.CreatedAt.Equal(first.CreatedAt))
}

func TestSaveWorkflow_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveWorkflow(context.Background(), &Workflow{Definition: sampleDefinition()})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nonexistent")
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestListWorkflows_NamePrefixAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"report-a", "report-b", "ingest"} {
		def := sampleDefinition()
		def.Name = name
		require.NoError(t, s.SaveWorkflow(ctx, &Workflow{ID: uuid.New().String(), Definition: def}))
	}

	all, err := s.ListWorkflows(ctx, WorkflowFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	reports, err := s.ListWorkflows(ctx, WorkflowFilter{Name: "report"})
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	limited, err := s.ListWorkflows(ctx, WorkflowFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflow(ctx, &Workflow{ID: "wf-del", Definition: sampleDefinition()}))
	require.NoError(t, s.DeleteWorkflow(ctx, "wf-del"))

	_, err := s.GetWorkflow(ctx, "wf-del")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteWorkflow(ctx, "wf-del"), schema.ErrCodeNotFound))
}

// --- Run Tests ---

func TestCreateAndListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r1", WorkflowID: "wf", Mode: RunModeBatch}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r2", WorkflowID: "wf", Mode: RunModeInteractive}))
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r3", WorkflowID: "other", Mode: RunModeBatch}))

	runs, err := s.ListRuns(ctx, "wf", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	modes := []RunMode{runs[0].Mode, runs[1].Mode}
	assert.ElementsMatch(t, []RunMode{RunModeBatch, RunModeInteractive}, modes)
}

// --- Event Tests ---

func TestAppendEvent_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &Event{RunID: "run-a", NodeID: "n1", Type: schema.EventNodeStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	other := &Event{RunID: "run-b", Type: schema.EventRunStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, et := range []string{schema.EventRunStarted, schema.EventNodeStarted, schema.EventNodeSucceeded} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "run", NodeID: "n1", Type: et}))
	}

	events, err := s.GetEvents(ctx, "run", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventNodeStarted, events[0].Type)
	assert.Equal(t, "n1", events[0].NodeID)
	assert.Equal(t, int64(3), events[1].Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"message":"boom"}`)
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", NodeID: "a", Type: schema.EventNodeFailed, Payload: payload}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r1", NodeID: "b", Type: schema.EventNodeSucceeded}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: "r2", NodeID: "a", Type: schema.EventNodeFailed}))

	failed, err := s.GetEventsByType(ctx, schema.EventNodeFailed, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	scoped, err := s.GetEventsByType(ctx, schema.EventNodeFailed, EventFilter{RunID: "r1", NodeID: "a"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.JSONEq(t, `{"message":"boom"}`, string(scoped[0].Payload))
}

// --- Secret Tests ---

func TestSecretsCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "anthropic_api_key", []byte("v1")))
	require.NoError(t, s.StoreSecret(ctx, "anthropic_api_key", []byte("v2")))
	require.NoError(t, s.StoreSecret(ctx, "other", []byte("x")))

	got, err := s.GetSecret(ctx, "anthropic_api_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic_api_key", "other"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "other"))
	_, err = s.GetSecret(ctx, "other")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	stmts := splitStatements("-- only a comment;\nCREATE TABLE a (x INT);\n\n-- trailing\n")
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
}
