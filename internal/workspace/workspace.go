package workspace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/skillflow/internal/diagram"
	"github.com/rendis/skillflow/internal/engine"
	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/pkg/schema"
)

// DefinitionValidator checks a workflow before it is saved.
type DefinitionValidator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Deps holds the collaborators of a Workspace. Store, Batch and Interactive are required.
type Deps struct {
	Store       store.Store
	Batch       *engine.BatchExecutor
	Interactive *engine.InteractiveExecutor
	Validator   DefinitionValidator // nil skips validation on save
	Logger      *slog.Logger
}

// Workspace keeps one live graph and result store per saved workflow so that
// batch runs memoize across calls, and opens chat sessions on fresh copies.
type Workspace struct {
	deps   Deps
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*liveWorkflow
}

type liveWorkflow struct {
	graph   *engine.Graph
	results *engine.ResultStore
}

// RunReport is the outcome of a batch run over a saved workflow.
type RunReport struct {
	RunID      string                       `json:"run_id"`
	WorkflowID string                       `json:"workflow_id"`
	Results    map[string]engine.Result     `json:"results"`
	Statuses   map[string]schema.NodeStatus `json:"statuses"`
	DurationMs int64                        `json:"duration_ms"`
}

// SessionView is a point-in-time copy of a chat session.
type SessionView struct {
	SessionID   string              `json:"session_id"`
	WorkflowID  string              `json:"workflow_id,omitempty"`
	State       schema.SessionState `json:"state"`
	Cursor      int                 `json:"cursor"`
	CurrentNode string              `json:"current_node,omitempty"`
	Transcript  []schema.Turn       `json:"transcript"`
	Error       string              `json:"error,omitempty"`
}

// settled are the session states in which nothing is in flight.
var settled = []schema.SessionState{schema.SessionAwaitingUser, schema.SessionComplete, schema.SessionIdle}

// New creates a Workspace.
func New(deps Deps) *Workspace {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Workspace{
		deps:   deps,
		logger: logger,
		live:   make(map[string]*liveWorkflow),
	}
}

// Store exposes the underlying store for read-only queries.
func (w *Workspace) Store() store.Store { return w.deps.Store }

// Validate runs the configured validator. Without one every definition is valid.
func (w *Workspace) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if w.deps.Validator == nil {
		return &schema.ValidationResult{}
	}
	return w.deps.Validator.Validate(def)
}

// SaveWorkflow validates and persists a definition, assigning an ID when it
// has none. Saving replaces the live graph, which discards memoized results.
func (w *Workspace) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*store.Workflow, *schema.ValidationResult, error) {
	if def == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}
	vr := w.Validate(def)
	if err := vr.ToError(); err != nil {
		return nil, vr, err
	}

	id := def.ID
	if id == "" {
		id = uuid.New().String()
	}
	wf := &store.Workflow{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Definition:  *def,
	}
	if existing, err := w.deps.Store.GetWorkflow(ctx, id); err == nil {
		wf.CreatedAt = existing.CreatedAt
	}
	if err := w.deps.Store.SaveWorkflow(ctx, wf); err != nil {
		return nil, vr, err
	}

	w.mu.Lock()
	delete(w.live, id)
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "workflow saved", "workflow_id", id, "nodes", len(def.Nodes), "edges", len(def.Edges))
	return wf, vr, nil
}

// Workflow returns a saved workflow.
func (w *Workspace) Workflow(ctx context.Context, id string) (*store.Workflow, error) {
	return w.deps.Store.GetWorkflow(ctx, id)
}

// ListWorkflows returns saved workflows.
func (w *Workspace) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	return w.deps.Store.ListWorkflows(ctx, filter)
}

// DeleteWorkflow removes a saved workflow and its live graph.
func (w *Workspace) DeleteWorkflow(ctx context.Context, id string) error {
	if err := w.deps.Store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.live, id)
	w.mu.Unlock()
	return nil
}

// Order returns the node IDs of a saved workflow in execution order.
func (w *Workspace) Order(ctx context.Context, id string) ([]string, error) {
	lw, err := w.liveFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return engine.LinearizeIDs(lw.graph)
}

// Run executes every node of a saved workflow. With resume set, every node
// that already has a result, failed ones included, keeps it and is skipped;
// RunNode retries a single failed node.
func (w *Workspace) Run(ctx context.Context, workflowID string, resume bool) (*RunReport, error) {
	lw, err := w.liveFor(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if err := w.recordRun(ctx, runID, workflowID, store.RunModeBatch); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, runID)

	start := time.Now()
	run := w.deps.Batch.Run
	if resume {
		run = w.deps.Batch.Resume
	}
	results, err := run(ctx, runID, lw.graph, lw.results)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		RunID:      runID,
		WorkflowID: workflowID,
		Results:    results,
		Statuses:   lw.graph.Statuses(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// RunNode executes a single node of a saved workflow against the results of earlier runs.
func (w *Workspace) RunNode(ctx context.Context, workflowID, nodeID string) (*RunReport, error) {
	lw, err := w.liveFor(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	if err := w.recordRun(ctx, runID, workflowID, store.RunModeBatch); err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, runID)

	start := time.Now()
	res, err := w.deps.Batch.RunNode(ctx, runID, lw.graph, nodeID, lw.results)
	if err != nil {
		return nil, err
	}
	return &RunReport{
		RunID:      runID,
		WorkflowID: workflowID,
		Results:    map[string]engine.Result{nodeID: res},
		Statuses:   lw.graph.Statuses(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// Results returns the memoized results and node statuses of a saved workflow.
func (w *Workspace) Results(ctx context.Context, workflowID string) (map[string]engine.Result, map[string]schema.NodeStatus, error) {
	lw, err := w.liveFor(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return lw.results.Snapshot(), lw.graph.Statuses(), nil
}

// Reset clears the memoized results of a saved workflow.
func (w *Workspace) Reset(workflowID string) {
	w.mu.Lock()
	delete(w.live, workflowID)
	w.mu.Unlock()
}

// StartSession opens and starts a chat session over a saved workflow. The
// session owns its own graph and results, independent of batch runs.
func (w *Workspace) StartSession(ctx context.Context, workflowID string) (*SessionView, error) {
	wf, err := w.deps.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	g, err := engine.FromDefinition(&wf.Definition)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	s, err := w.deps.Interactive.Open(sessionID, g, engine.NewResultStore())
	if err != nil {
		return nil, err
	}
	if err := w.recordRun(ctx, sessionID, workflowID, store.RunModeInteractive); err != nil {
		_ = w.deps.Interactive.Close(sessionID)
		return nil, err
	}
	if err := s.Start(logging.WithSessionID(ctx, sessionID)); err != nil {
		_ = w.deps.Interactive.Close(sessionID)
		return nil, err
	}
	if _, err := s.WaitFor(ctx, settled...); err != nil {
		return nil, err
	}
	return viewOf(s, workflowID), nil
}

// RestartSession starts an idle session again, after a cancel or a failed
// turn, and waits for it to settle. Starting an active session changes nothing.
func (w *Workspace) RestartSession(ctx context.Context, sessionID string) (*SessionView, error) {
	s, err := w.deps.Interactive.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Start(logging.WithSessionID(ctx, sessionID)); err != nil {
		return nil, err
	}
	if _, err := s.WaitFor(ctx, settled...); err != nil {
		return nil, err
	}
	return viewOf(s, s.Graph().ID), nil
}

// Session returns a session by ID.
func (w *Workspace) Session(sessionID string) (*engine.Session, error) {
	return w.deps.Interactive.Session(sessionID)
}

// SessionView returns a snapshot of a session.
func (w *Workspace) SessionView(sessionID string) (*SessionView, error) {
	s, err := w.deps.Interactive.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return viewOf(s, s.Graph().ID), nil
}

// Sessions returns a snapshot of every open chat session, sorted by ID.
func (w *Workspace) Sessions() []*SessionView {
	ids := w.deps.Interactive.Sessions()
	out := make([]*SessionView, 0, len(ids))
	for _, id := range ids {
		if s, err := w.deps.Interactive.Session(id); err == nil {
			out = append(out, viewOf(s, s.Graph().ID))
		}
	}
	return out
}

// Health is a point-in-time view of the chat side of the workspace.
type Health struct {
	Sessions int                `json:"sessions"`
	Workers  engine.PoolMetrics `json:"workers"`
}

// Health reports open sessions and worker pool load.
func (w *Workspace) Health() Health {
	return Health{
		Sessions: len(w.deps.Interactive.Sessions()),
		Workers:  w.deps.Interactive.Workers(),
	}
}

// Submit answers the session's pause and waits until the session settles
// on a state that needs no further work from the executor.
func (w *Workspace) Submit(ctx context.Context, sessionID, text string, attachments []schema.Attachment) (*SessionView, error) {
	s, err := w.deps.Interactive.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.SubmitUserInput(logging.WithSessionID(ctx, sessionID), text, attachments); err != nil {
		return nil, err
	}
	if _, err := s.WaitFor(ctx, settled...); err != nil {
		return nil, err
	}
	return viewOf(s, s.Graph().ID), nil
}

// CancelSession returns a session to idle, keeping it registered.
func (w *Workspace) CancelSession(sessionID string) (*SessionView, error) {
	s, err := w.deps.Interactive.Session(sessionID)
	if err != nil {
		return nil, err
	}
	s.Cancel()
	return viewOf(s, s.Graph().ID), nil
}

// CloseSession cancels a session and forgets it.
func (w *Workspace) CloseSession(sessionID string) error {
	return w.deps.Interactive.Close(sessionID)
}

// Diagram builds the diagram model of a saved workflow, overlaid with the
// latest batch results.
func (w *Workspace) Diagram(ctx context.Context, workflowID string) (*diagram.DiagramModel, error) {
	lw, err := w.liveFor(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return diagram.Build(lw.graph, lw.results)
}

// SessionDiagram builds the diagram model of a chat session's graph.
func (w *Workspace) SessionDiagram(sessionID string) (*diagram.DiagramModel, error) {
	s, err := w.deps.Interactive.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return diagram.Build(s.Graph(), s.Results())
}

// liveFor returns the live graph of a saved workflow, building it on first use.
func (w *Workspace) liveFor(ctx context.Context, id string) (*liveWorkflow, error) {
	w.mu.Lock()
	lw, ok := w.live[id]
	w.mu.Unlock()
	if ok {
		return lw, nil
	}

	wf, err := w.deps.Store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := engine.FromDefinition(&wf.Definition)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if lw, ok := w.live[id]; ok {
		return lw, nil
	}
	lw = &liveWorkflow{graph: g, results: engine.NewResultStore()}
	w.live[id] = lw
	return lw, nil
}

func (w *Workspace) recordRun(ctx context.Context, id, workflowID string, mode store.RunMode) error {
	return w.deps.Store.CreateRun(ctx, &store.Run{
		ID:         id,
		WorkflowID: workflowID,
		Mode:       mode,
		CreatedAt:  time.Now().UTC(),
	})
}

func viewOf(s *engine.Session, workflowID string) *SessionView {
	v := &SessionView{
		SessionID:   s.ID(),
		WorkflowID:  workflowID,
		State:       s.State(),
		Cursor:      s.Cursor(),
		CurrentNode: s.CurrentNode(),
		Transcript:  s.Transcript(),
	}
	if v.Transcript == nil {
		v.Transcript = []schema.Turn{}
	}
	if err := s.LastError(); err != nil {
		v.Error = schema.MessageOf(err)
	}
	return v
}
