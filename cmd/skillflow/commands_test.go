package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/validation"
	"github.com/rendis/skillflow/internal/workspace"
	"github.com/rendis/skillflow/pkg/schema"
)

const shoutHCL = `
workflow "shout" {}

node "up" {
  skill  = "text-transform"
  inputs = {
    text      = "hi"
    operation = "uppercase"
  }
}
`

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(usageError{errors.New("bad flag")}))
	assert.Equal(t, 2, exitCode(flag.ErrHelp))
	assert.Equal(t, 1, exitCode(errNodesFailed))
	assert.Equal(t, 1, exitCode(fmt.Errorf("wrapped: %w", errors.New("x"))))
}

func TestIsWorkflowFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.hcl")
	require.NoError(t, os.WriteFile(path, []byte(shoutHCL), 0o600))

	assert.True(t, isWorkflowFile(path))
	assert.False(t, isWorkflowFile(filepath.Join(dir, "missing.json")))
	assert.False(t, isWorkflowFile("3f2b9a"))
}

func TestReadSecret(t *testing.T) {
	key, err := readSecret(strings.NewReader("  sk-123  \nignored"))
	require.NoError(t, err)
	assert.Equal(t, "sk-123", key)

	key, err = readSecret(strings.NewReader("sk-no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "sk-no-newline", key)

	_, err = readSecret(strings.NewReader("\n"))
	assert.Error(t, err)
}

func TestReadAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	att, err := readAttachment(path)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, "text/plain", att.MimeType)
	assert.Equal(t, []byte("hello"), att.Data)

	_, err = readAttachment(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Error(t, err)
}

func TestPrintReport_FollowsOrder(t *testing.T) {
	at := time.Now()
	report := &workspace.RunReport{
		RunID: "run-1",
		Results: map[string]engine.Result{
			"b": engine.Success(map[string]any{"result": "B"}, at),
			"a": engine.Failure("boom", at),
		},
	}
	var buf bytes.Buffer
	printReport(&buf, report, []string{"b", "a"})

	out := buf.String()
	assert.Contains(t, out, "run run-1")
	assert.Less(t, strings.Index(out, "[OK]   b"), strings.Index(out, "[FAIL] a  boom"))
}

func TestPrintValidation(t *testing.T) {
	vr := &schema.ValidationResult{}
	vr.AddNodeError("beam", "nodes[0].skill", "UNKNOWN_SKILL", "skill \"teleport\" is not registered")
	vr.AddWarning("/", "DISCONNECTED", "workflow has a single node")

	var buf bytes.Buffer
	printValidation(&buf, "wf", vr)
	assert.Contains(t, buf.String(), "wf: invalid")
	assert.Contains(t, buf.String(), "error   nodes[0].skill [beam]: ")
	assert.Contains(t, buf.String(), "warning /: workflow has a single node")
}

func TestRunValidate(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.hcl")
	require.NoError(t, os.WriteFile(good, []byte(shoutHCL), 0o600))

	require.NoError(t, runValidate([]string{good}))
	require.NoError(t, runValidate([]string{dir}))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":"bad","nodes":[{"id":"x","skill":"teleport"}]}`), 0o600))
	assert.Error(t, runValidate([]string{bad}))

	err := runValidate(nil)
	assert.Equal(t, 2, exitCode(err))
}

// --- chat terminal ---

func newChatTerminal(t *testing.T) (*chatTerminal, *bytes.Buffer) {
	t.Helper()
	remote := capability.Func(func(_ context.Context, kind string, inputs map[string]any, _ capability.InvokeContext) (any, error) {
		if inputs[engine.UserInputKey] == "boom" {
			return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "model refused")
		}
		return fmt.Sprintf("%s got %v", kind, inputs[engine.UserInputKey]), nil
	})
	mem := store.NewMemoryStore()
	deps := engine.Deps{Capability: capability.NewRouter(capability.Builtins(nil), remote), Appender: mem}
	interactive, err := engine.NewInteractiveExecutor(deps, engine.InteractiveOptions{Skills: capability.DefaultRegistry()})
	require.NoError(t, err)
	t.Cleanup(interactive.Shutdown)
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	v, err := validation.NewWorkflowValidator(capability.DefaultRegistry(), cel)
	require.NoError(t, err)

	ws := workspace.New(workspace.Deps{Store: mem, Batch: engine.NewBatchExecutor(deps), Interactive: interactive, Validator: v})
	ctx := context.Background()
	wf, _, err := ws.SaveWorkflow(ctx, &schema.WorkflowDefinition{
		Name:  "shout",
		Nodes: []schema.NodeDefinition{{ID: "up", Skill: "text-transform"}},
	})
	require.NoError(t, err)
	view, err := ws.StartSession(ctx, wf.ID)
	require.NoError(t, err)

	var out bytes.Buffer
	c := &chatTerminal{ws: ws, out: &out, sessionID: view.SessionID}
	c.show(view)
	return c, &out
}

func TestChatTerminal_Conversation(t *testing.T) {
	c, out := newChatTerminal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Contains(t, out.String(), "Text Transform")

	err := c.loop(ctx, strings.NewReader("/diagram\nhello\n"))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "=== shout ===")
	assert.Contains(t, out.String(), "[up] text-transform got hello")
	assert.Contains(t, out.String(), "Workflow complete!")
}

func TestChatTerminal_FailureAndRestart(t *testing.T) {
	c, out := newChatTerminal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done, err := c.handle(ctx, "boom")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Contains(t, out.String(), "! model refused")

	_, err = c.handle(ctx, "again")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))

	done, err = c.handle(ctx, "/restart")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = c.handle(ctx, "fine")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Contains(t, out.String(), "[up] text-transform got fine")
}

func TestChatTerminal_AttachAndQuit(t *testing.T) {
	c, out := newChatTerminal(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "a.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	_, err := c.handle(ctx, "/attach "+path)
	require.NoError(t, err)
	require.Len(t, c.pending, 1)
	assert.Contains(t, out.String(), "attached a.json (application/json")

	_, err = c.handle(ctx, "/cancel")
	require.NoError(t, err)
	assert.Empty(t, c.pending)

	done, err := c.handle(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRunDiagram_AfterRun(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	wf := filepath.Join(dir, "shout.hcl")
	require.NoError(t, os.WriteFile(wf, []byte(shoutHCL), 0o600))
	out := filepath.Join(dir, "shout.md")

	require.NoError(t, runDiagram([]string{"--run", "--format", "mermaid", "--out", out, wf}))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "graph TD")
	assert.Contains(t, string(data), "class up success")

	err = runDiagram([]string{"--format", "svg", wf})
	assert.Equal(t, 2, exitCode(err))
}

func TestRunValidate_Examples(t *testing.T) {
	isolateHome(t)
	require.NoError(t, runValidate([]string{filepath.Join("..", "..", "examples")}))
}

func TestRunRun_ExampleFile(t *testing.T) {
	isolateHome(t)
	require.NoError(t, runRun([]string{"--json", filepath.Join("..", "..", "examples", "large-orders.json")}))
}
