package workspace

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/validation"
	"github.com/rendis/skillflow/pkg/schema"
)

// echoRemote answers chat turns with the user's text.
func echoRemote(calls *atomic.Int32) capability.Capability {
	return capability.Func(func(_ context.Context, kind string, inputs map[string]any, _ capability.InvokeContext) (any, error) {
		calls.Add(1)
		return fmt.Sprintf("%s: %v", kind, inputs[engine.UserInputKey]), nil
	})
}

func newTestWorkspace(t *testing.T, remote capability.Capability) (*Workspace, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	router := capability.NewRouter(capability.Builtins(nil), remote)
	deps := engine.Deps{Capability: router, Appender: mem}

	interactive, err := engine.NewInteractiveExecutor(deps, engine.InteractiveOptions{Skills: capability.DefaultRegistry()})
	require.NoError(t, err)
	t.Cleanup(interactive.Shutdown)

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(capability.DefaultRegistry(), cel)
	require.NoError(t, err)

	return New(Deps{
		Store:       mem,
		Batch:       engine.NewBatchExecutor(deps),
		Interactive: interactive,
		Validator:   v,
	}), mem
}

func filterDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "pick-a",
		Nodes: []schema.NodeDefinition{
			{ID: "parse", Skill: "json-parse", Inputs: map[string]any{"jsonString": `[{"id":1,"kind":"a"},{"id":2,"kind":"b"}]`}},
			{ID: "filter", Skill: "data-filter", Inputs: map[string]any{"filterKey": "kind", "filterValue": "a"}},
		},
		Edges: []schema.EdgeDefinition{
			{Source: "parse", Target: "filter", SourceHandle: "data", TargetHandle: "data"},
		},
	}
}

func TestWorkspace_SaveAndRun(t *testing.T) {
	w, mem := newTestWorkspace(t, nil)
	ctx := context.Background()

	wf, vr, err := w.SaveWorkflow(ctx, filterDefinition())
	require.NoError(t, err)
	assert.True(t, vr.Valid())
	require.NotEmpty(t, wf.ID)

	order, err := w.Order(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"parse", "filter"}, order)

	report, err := w.Run(ctx, wf.ID, false)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, report.WorkflowID)
	require.True(t, report.Results["filter"].OK())
	assert.Equal(t,
		map[string]any{"filtered": []any{map[string]any{"id": float64(1), "kind": "a"}}},
		report.Results["filter"].Output)
	assert.Equal(t, schema.NodeStatusSuccess, report.Statuses["filter"])

	runs, err := mem.ListRuns(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, store.RunModeBatch, runs[0].Mode)

	events, err := mem.GetEvents(ctx, report.RunID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events, "node transitions land in the audit log")

	results, statuses, err := w.Results(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, schema.NodeStatusSuccess, statuses["parse"])
}

func TestWorkspace_ResumeKeepsResults(t *testing.T) {
	w, _ := newTestWorkspace(t, nil)
	ctx := context.Background()

	wf, _, err := w.SaveWorkflow(ctx, filterDefinition())
	require.NoError(t, err)

	first, err := w.Run(ctx, wf.ID, false)
	require.NoError(t, err)
	second, err := w.Run(ctx, wf.ID, true)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Results["parse"].At, second.Results["parse"].At)
}

func TestWorkspace_ResumeDoesNotRetryFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := capability.Func(func(context.Context, string, map[string]any, capability.InvokeContext) (any, error) {
		if calls.Add(1) == 1 {
			return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "upstream busy")
		}
		return map[string]any{"text": "page one"}, nil
	})
	w, _ := newTestWorkspace(t, flaky)
	ctx := context.Background()

	wf, _, err := w.SaveWorkflow(ctx, &schema.WorkflowDefinition{
		Name:  "read",
		Nodes: []schema.NodeDefinition{{ID: "read", Skill: "pdf-extract", Inputs: map[string]any{"file": "a.pdf"}}},
	})
	require.NoError(t, err)

	first, err := w.Run(ctx, wf.ID, false)
	require.NoError(t, err)
	require.False(t, first.Results["read"].OK())

	resumed, err := w.Run(ctx, wf.ID, true)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a recorded failure is kept on resume")
	assert.Equal(t, first.Results["read"], resumed.Results["read"])
	assert.Equal(t, schema.NodeStatusError, resumed.Statuses["read"])

	retried, err := w.RunNode(ctx, wf.ID, "read")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, retried.Results["read"].OK())
}

func TestWorkspace_SaveDropsMemoizedResults(t *testing.T) {
	w, _ := newTestWorkspace(t, nil)
	ctx := context.Background()

	def := filterDefinition()
	wf, _, err := w.SaveWorkflow(ctx, def)
	require.NoError(t, err)
	_, err = w.Run(ctx, wf.ID, false)
	require.NoError(t, err)

	def.ID = wf.ID
	def.Description = "edited"
	_, _, err = w.SaveWorkflow(ctx, def)
	require.NoError(t, err)

	results, statuses, err := w.Results(ctx, wf.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, schema.NodeStatusPending, statuses["parse"])
}

func TestWorkspace_SaveRejectsInvalid(t *testing.T) {
	w, mem := newTestWorkspace(t, nil)
	ctx := context.Background()

	def := &schema.WorkflowDefinition{
		Name:  "broken",
		Nodes: []schema.NodeDefinition{{ID: "a", Skill: "teleport"}},
	}
	_, vr, err := w.SaveWorkflow(ctx, def)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	require.NotNil(t, vr)
	assert.False(t, vr.Valid())

	list, err := mem.ListWorkflows(ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = w.SaveWorkflow(ctx, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestWorkspace_UnknownWorkflow(t *testing.T) {
	w, _ := newTestWorkspace(t, nil)
	ctx := context.Background()

	_, err := w.Run(ctx, "ghost", false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = w.Order(ctx, "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = w.StartSession(ctx, "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(w.DeleteWorkflow(ctx, "ghost"), schema.ErrCodeNotFound))
}

func TestWorkspace_RunNode(t *testing.T) {
	w, _ := newTestWorkspace(t, nil)
	ctx := context.Background()

	wf, _, err := w.SaveWorkflow(ctx, filterDefinition())
	require.NoError(t, err)

	report, err := w.RunNode(ctx, wf.ID, "parse")
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.True(t, report.Results["parse"].OK())
	assert.Equal(t, schema.NodeStatusPending, report.Statuses["filter"])

	_, err = w.RunNode(ctx, wf.ID, "ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestWorkspace_ChatSession(t *testing.T) {
	var calls atomic.Int32
	w, mem := newTestWorkspace(t, echoRemote(&calls))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wf, _, err := w.SaveWorkflow(ctx, &schema.WorkflowDefinition{
		Name:  "shout",
		Nodes: []schema.NodeDefinition{{ID: "up", Skill: "text-transform", Inputs: map[string]any{"operation": "uppercase"}}},
	})
	require.NoError(t, err)

	view, err := w.StartSession(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionAwaitingUser, view.State)
	assert.Equal(t, "up", view.CurrentNode)
	require.Len(t, view.Transcript, 1)
	assert.Contains(t, view.Transcript[0].Content, "Text Transform")

	view, err = w.Submit(ctx, view.SessionID, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionComplete, view.State)
	assert.Equal(t, int32(1), calls.Load())

	var assistant []string
	for _, turn := range view.Transcript {
		if turn.Role == schema.RoleAssistant {
			assistant = append(assistant, turn.Content)
		}
	}
	assert.Equal(t, []string{"text-transform: hello"}, assistant)
	assert.True(t, strings.HasPrefix(view.Transcript[len(view.Transcript)-1].Content, "Workflow complete!"))

	_, err = w.Submit(ctx, view.SessionID, "again", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))

	runs, err := mem.ListRuns(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunModeInteractive, runs[0].Mode)
	assert.Equal(t, view.SessionID, runs[0].ID)

	model, err := w.SessionDiagram(view.SessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, model.Nodes)

	view, err = w.CancelSession(view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionIdle, view.State)
	assert.Empty(t, view.Transcript)

	view, err = w.RestartSession(ctx, view.SessionID)
	require.NoError(t, err)
	assert.Equal(t, schema.SessionAwaitingUser, view.State)
	assert.Len(t, view.Transcript, 1)

	require.NoError(t, w.CloseSession(view.SessionID))
	_, err = w.SessionView(view.SessionID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestWorkspace_Diagram(t *testing.T) {
	w, _ := newTestWorkspace(t, nil)
	ctx := context.Background()

	wf, _, err := w.SaveWorkflow(ctx, filterDefinition())
	require.NoError(t, err)

	model, err := w.Diagram(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "pick-a", model.Title)

	_, err = w.Run(ctx, wf.ID, false)
	require.NoError(t, err)
	model, err = w.Diagram(ctx, wf.ID)
	require.NoError(t, err)
	for _, n := range model.Nodes {
		if n.ID == "filter" {
			require.NotNil(t, n.Status)
			assert.Equal(t, string(schema.NodeStatusSuccess), n.Status.Status)
		}
	}
}
