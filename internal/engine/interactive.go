package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/pkg/schema"
)

// UserInputKey is the input under which a chat turn's user text reaches the capability.
const UserInputKey = "user_input"

// InteractiveOptions configures an InteractiveExecutor.
type InteractiveOptions struct {
	PoolSize int                  // concurrent capability calls across all sessions; default 4
	Skills   *capability.Registry // names and descriptions for transcript turns; nil uses skill IDs
}

// InteractiveExecutor runs graphs as conversations. Each Session walks the
// linearized nodes, pausing for the user before the first node and before
// any node that asks for fresh input.
type InteractiveExecutor struct {
	deps   Deps
	sink   *fanout
	nodes  *NodeFSM
	pool   *WorkerPool
	cel    *expressions.CELEngine
	skills *capability.Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewInteractiveExecutor creates an executor. Call Shutdown to release its workers.
func NewInteractiveExecutor(deps Deps, opts InteractiveOptions) (*InteractiveExecutor, error) {
	deps.defaults()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}

	sink := newFanout(deps.Appender, deps.Hub, deps.Now)
	ctx, cancel := context.WithCancel(context.Background())
	x := &InteractiveExecutor{
		deps:     deps,
		sink:     sink,
		nodes:    NewNodeFSM(sink),
		pool:     NewWorkerPool(opts.PoolSize),
		cel:      celEngine,
		skills:   opts.Skills,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	x.pool.OnPanic(func(r any) {
		deps.Logger.Error("interactive worker panicked", "panic", r)
	})
	return x, nil
}

// Open registers a new idle session over g. results receives the node
// results of the session and is cleared on every Start. An empty id gets a new UUID.
func (x *InteractiveExecutor) Open(id string, g *Graph, results *ResultStore) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if results == nil {
		results = NewResultStore()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.sessions[id]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "session %s already exists", id)
	}
	s := &Session{
		id:      id,
		x:       x,
		graph:   g,
		results: results,
		fsm:     NewSessionFSM(x.sink),
		state:   schema.SessionIdle,
		changed: make(chan struct{}),
	}
	x.sessions[id] = s
	return s, nil
}

// Session returns a registered session.
func (x *InteractiveExecutor) Session(id string) (*Session, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.sessions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", id)
	}
	return s, nil
}

// Sessions returns the IDs of all registered sessions, sorted.
func (x *InteractiveExecutor) Sessions() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := slices.Collect(maps.Keys(x.sessions))
	slices.Sort(ids)
	return ids
}

// Workers reports the load of the pool that runs capability calls.
func (x *InteractiveExecutor) Workers() PoolMetrics {
	return x.pool.Metrics()
}

// Close cancels a session and removes it from the registry.
func (x *InteractiveExecutor) Close(id string) error {
	x.mu.Lock()
	s, ok := x.sessions[id]
	delete(x.sessions, id)
	x.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", id)
	}
	s.Cancel()
	return nil
}

// Shutdown cancels every session, aborts in-flight calls and waits for the workers to exit.
func (x *InteractiveExecutor) Shutdown() {
	x.mu.Lock()
	all := slices.Collect(maps.Values(x.sessions))
	clear(x.sessions)
	x.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
	x.cancel()
	x.pool.Shutdown()
}

func (x *InteractiveExecutor) skillName(kind string) string {
	if x.skills != nil {
		if def, err := x.skills.Get(kind); err == nil && def.Name != "" {
			return def.Name
		}
	}
	return kind
}

// Session is one conversational run of a graph.
type Session struct {
	id      string
	x       *InteractiveExecutor
	graph   *Graph
	results *ResultStore
	fsm     *SessionFSM

	mu         sync.Mutex
	state      schema.SessionState
	order      []*Node
	cursor     int
	transcript []schema.Turn
	generation uint64
	genCtx     context.Context // ends when the generation is cancelled
	genCancel  context.CancelFunc
	lastErr    error
	changed    chan struct{}
}

// call is one pending capability invocation, bound to the generation that issued it.
type call struct {
	gen    uint64
	genCtx context.Context
	node   *Node
	inputs map[string]any
	ic     capability.InvokeContext
}

// ID returns the session identifier (also the run ID of its audit events).
func (s *Session) ID() string { return s.id }

// Graph returns the graph the session runs.
func (s *Session) Graph() *Graph { return s.graph }

// Results returns the session's result store.
func (s *Session) Results() *ResultStore { return s.results }

// State returns the current state.
func (s *Session) State() schema.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the index, in linearized order, of the node being worked on.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// CurrentNode returns the ID of the node at the cursor, or "" when there is none.
func (s *Session) CurrentNode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursor < len(s.order) {
		return s.order[s.cursor].ID()
	}
	return ""
}

// Transcript returns a copy of the turns so far.
func (s *Session) Transcript() []schema.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transcript)
}

// LastError returns the error that last sent the session back to idle, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start begins a fresh conversation. Calling Start while the session is
// awaiting input or invoking is a no-op. Cycles and missing credentials are
// returned before anything changes.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()

	if s.state.Active() {
		s.mu.Unlock()
		return nil
	}

	order, err := Linearize(s.graph)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	kinds := make([]string, len(order))
	for i, n := range order {
		kinds[i] = n.Skill()
	}
	if err := capability.Precheck(ctx, s.x.deps.Capability, kinds, capability.ModeChat); err != nil {
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	ctx = s.logCtx(ctx)
	if s.state == schema.SessionComplete {
		s.moveTo(ctx, schema.SessionIdle, "")
	}

	s.nextGeneration()
	s.order = order
	s.cursor = 0
	s.transcript = nil
	s.lastErr = nil
	s.results.Clear()
	for _, n := range order {
		if err := s.x.nodes.Reset(ctx, s.id, n); err != nil {
			s.log(ctx).Warn("reset node", "node_id", n.ID(), "error", err)
		}
	}

	if len(order) == 0 {
		s.appendTurn(ctx, schema.RoleSystem, "Workflow complete! The workflow has no skills to run.", nil)
		s.moveTo(ctx, schema.SessionComplete, "")
		s.mu.Unlock()
		return nil
	}

	first := order[0]
	if prompt := s.graph.StartPrompt; prompt != "" {
		s.appendTurn(ctx, schema.RoleSystem, "Workflow start prompt: "+prompt, nil)
		s.appendTurn(ctx, schema.RoleSystem, s.announce(first, true), first)
		s.appendTurn(ctx, schema.RoleUser, prompt, first)
		c := s.prepare(ctx, first, prompt, nil)
		s.mu.Unlock()
		s.launch(c)
		return nil
	}

	s.appendTurn(ctx, schema.RoleSystem, s.announce(first, true), first)
	s.moveTo(ctx, schema.SessionAwaitingUser, first.ID())
	s.mu.Unlock()
	return nil
}

// SubmitUserInput answers a pause. The text becomes a user turn and the
// user_input of the pending node; attachments travel with the call.
// Outside awaiting_user it fails with INVALID_STATE.
func (s *Session) SubmitUserInput(ctx context.Context, text string, attachments []schema.Attachment) error {
	s.mu.Lock()
	if s.state != schema.SessionAwaitingUser {
		state := s.state
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"session %s is %s; input is only accepted while awaiting the user", s.id, state).
			WithDetails(map[string]any{"session_id": s.id, "state": string(state)})
	}

	ctx = s.logCtx(ctx)
	n := s.order[s.cursor]
	content := text
	if len(attachments) > 0 {
		names := make([]string, len(attachments))
		for i, a := range attachments {
			names[i] = a.Name
		}
		content = fmt.Sprintf("%s\n[attached: %s]", text, strings.Join(names, ", "))
	}
	s.appendTurn(ctx, schema.RoleUser, content, n)
	c := s.prepare(ctx, n, text, attachments)
	s.mu.Unlock()

	s.launch(c)
	return nil
}

// Cancel returns the session to idle from any state, discarding the
// transcript and cursor. A call still in flight finishes in the background
// and its outcome is dropped.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.logCtx(context.Background())
	s.generation++
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
	if s.cursor < len(s.order) {
		if n := s.order[s.cursor]; n.Status() == schema.NodeStatusRunning {
			if err := s.x.nodes.Reset(ctx, s.id, n); err != nil {
				s.log(ctx).Warn("reset node", "node_id", n.ID(), "error", err)
			}
		}
	}
	s.transcript = nil
	s.cursor = 0
	s.order = nil
	s.lastErr = nil
	if s.state != schema.SessionIdle {
		s.moveTo(ctx, schema.SessionIdle, "")
	} else {
		s.notifyLocked()
	}
}

// WaitFor blocks until the session reaches one of states or ctx ends.
func (s *Session) WaitFor(ctx context.Context, states ...schema.SessionState) (schema.SessionState, error) {
	for {
		s.mu.Lock()
		cur, ch := s.state, s.changed
		s.mu.Unlock()
		if slices.Contains(states, cur) {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Subscribe streams the session's state, node and transcript events.
func (s *Session) Subscribe(ctx context.Context) (<-chan streaming.StreamEvent, func(), error) {
	if s.x.deps.Hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "no event hub configured")
	}
	return s.x.deps.Hub.Subscribe(ctx, streaming.EventFilter{RunID: s.id})
}

// nextGeneration invalidates every call issued so far. Caller holds s.mu.
func (s *Session) nextGeneration() {
	s.generation++
	if s.genCancel != nil {
		s.genCancel()
	}
	s.genCtx, s.genCancel = context.WithCancel(s.x.ctx)
}

// current reports whether c still belongs to the live generation.
func (s *Session) current(c *call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.gen == s.generation
}

// prepare moves the session to invoking for n and builds the call. Caller holds s.mu.
func (s *Session) prepare(ctx context.Context, n *Node, userText string, attachments []schema.Attachment) *call {
	s.moveTo(ctx, schema.SessionInvoking, n.ID())
	if err := s.x.nodes.Transition(ctx, s.id, n, schema.NodeStatusRunning, map[string]any{"skill": n.Skill()}); err != nil {
		s.log(ctx).Warn("record node start", "node_id", n.ID(), "error", err)
	}

	inputs := maps.Clone(n.Inputs)
	if inputs == nil {
		inputs = map[string]any{}
	}
	if userText != "" {
		inputs[UserInputKey] = userText
	}
	return &call{
		gen:    s.generation,
		genCtx: s.genCtx,
		node:   n,
		inputs: inputs,
		ic: capability.InvokeContext{
			RunID:       s.id,
			NodeID:      n.ID(),
			Mode:        capability.ModeChat,
			Guidance:    n.Guidance,
			PriorOutput: priorOutput(s.graph, n, s.results),
			Transcript:  slices.Clone(s.transcript),
			Attachments: attachments,
			Model:       s.graph.Model,
		},
	}
}

// launch runs c on the worker pool. While nodes chain without a pause the
// same worker keeps invoking, so a session never waits on its own slot.
// A call still queued for a slot when its generation ends is never made;
// one already invoking runs to completion under the executor's context.
func (s *Session) launch(c *call) {
	err := s.x.pool.Submit(c.genCtx, func(context.Context) {
		for c != nil {
			if !s.current(c) {
				s.log(s.logCtx(s.x.ctx)).Debug("skipping call of a cancelled generation", "node_id", c.node.ID())
				return
			}
			out, err := safeInvoke(s.logCtx(s.x.ctx), s.x.deps.Capability, s.x.deps.Breakers, c.node, c.inputs, c.ic)
			c = s.resolve(c, out, err)
		}
	})
	if err != nil {
		s.resolve(c, nil, schema.NewError(schema.ErrCodeCancelled, "executor is shutting down").WithCause(err))
	}
}

// resolve applies the outcome of c and returns the next call to make, if the
// conversation continues without the user. Outcomes from a previous
// generation, or that no longer match the node at the cursor, are dropped.
func (s *Session) resolve(c *call, out any, err error) *call {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := s.logCtx(context.Background())
	if c.gen != s.generation || s.state != schema.SessionInvoking ||
		s.cursor >= len(s.order) || s.order[s.cursor] != c.node {
		s.log(ctx).Debug("discarding stale capability result", "node_id", c.node.ID())
		return nil
	}

	n := c.node
	now := s.x.deps.Now().UTC()

	if err != nil {
		msg := schema.MessageOf(err)
		s.results.Set(n.ID(), Failure(msg, now))
		if terr := s.x.nodes.Transition(ctx, s.id, n, schema.NodeStatusError, map[string]any{
			"message": msg,
			"code":    schema.CodeOf(err),
		}); terr != nil {
			s.log(ctx).Warn("record node failure", "node_id", n.ID(), "error", terr)
		}
		s.appendTurn(ctx, schema.RoleAssistant, "Error running skill: "+msg, n)
		s.lastErr = err
		s.moveTo(ctx, schema.SessionIdle, n.ID())
		s.log(ctx).Warn("chat skill failed", "node_id", n.ID(), "skill", n.Skill(), "error", err)
		return nil
	}

	s.results.Set(n.ID(), Success(out, now))
	if terr := s.x.nodes.Transition(ctx, s.id, n, schema.NodeStatusSuccess, nil); terr != nil {
		s.log(ctx).Warn("record node success", "node_id", n.ID(), "error", terr)
	}
	s.appendTurn(ctx, schema.RoleAssistant, renderOutput(out), n)
	s.moveTo(ctx, schema.SessionAdvancing, n.ID())
	s.cursor++

	if s.cursor == len(s.order) {
		s.appendTurn(ctx, schema.RoleSystem, "Workflow complete! All skills ran successfully.", nil)
		s.moveTo(ctx, schema.SessionComplete, "")
		return nil
	}

	next := s.order[s.cursor]
	s.appendTurn(ctx, schema.RoleSystem, s.announce(next, false), next)
	if s.requiresInput(ctx, next) {
		s.moveTo(ctx, schema.SessionAwaitingUser, next.ID())
		return nil
	}
	return s.prepare(ctx, next, "", nil)
}

// requiresInput reports whether n must wait for the user. AwaitWhen is a CEL
// predicate over inputs, prior and session; an evaluation error pauses.
func (s *Session) requiresInput(ctx context.Context, n *Node) bool {
	if n.AwaitInput {
		return true
	}
	if n.AwaitWhen == "" {
		return false
	}

	lastUser := ""
	for i := len(s.transcript) - 1; i >= 0; i-- {
		if s.transcript[i].Role == schema.RoleUser {
			lastUser = s.transcript[i].Content
			break
		}
	}
	prior, err := toCELValue(priorOutput(s.graph, n, s.results))
	if err != nil {
		s.log(ctx).Warn("await_when prior output is not JSON", "node_id", n.ID(), "error", err)
		return true
	}

	pause, err := s.x.cel.EvaluateBool(ctx, n.AwaitWhen, map[string]any{
		"inputs": n.Inputs,
		"prior":  prior,
		"session": map[string]any{
			"cursor":    s.cursor,
			"node_id":   n.ID(),
			"skill":     n.Skill(),
			"turns":     len(s.transcript),
			"last_user": lastUser,
		},
	})
	if err != nil {
		s.log(ctx).Warn("await_when failed; pausing for input", "node_id", n.ID(), "error", err)
		return true
	}
	return pause
}

// moveTo transitions the session state. Caller holds s.mu.
func (s *Session) moveTo(ctx context.Context, to schema.SessionState, nodeID string) {
	if err := s.fsm.Transition(ctx, s.id, nodeID, s.state, to); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			s.log(ctx).Error("session transition rejected", "from", s.state, "to", to, "error", err)
			return
		}
		s.log(ctx).Warn("record session transition", "error", err)
	}
	s.state = to
	s.notifyLocked()
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// appendTurn adds a turn to the transcript. Caller holds s.mu.
func (s *Session) appendTurn(ctx context.Context, role schema.Role, content string, n *Node) {
	turn := schema.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: s.x.deps.Now().UTC(),
	}
	if n != nil {
		turn.NodeID = n.ID()
		turn.SkillID = n.Skill()
	}
	s.transcript = append(s.transcript, turn)

	if err := s.x.sink.AppendEvent(ctx, &store.Event{
		RunID:   s.id,
		NodeID:  turn.NodeID,
		Type:    schema.EventTurnAppended,
		Payload: encodePayload(turn),
	}); err != nil {
		s.log(ctx).Warn("record turn", "error", err)
	}
}

func (s *Session) announce(n *Node, first bool) string {
	name := s.x.skillName(n.Skill())
	if n.Label != "" && n.Label != name {
		name = fmt.Sprintf("%s (%s)", name, n.Label)
	}
	if first {
		return fmt.Sprintf("Starting with skill: **%s**. Step 1 of %d.", name, len(s.order))
	}
	return fmt.Sprintf("Next skill: **%s**. Step %d of %d.", name, s.cursor+1, len(s.order))
}

func (s *Session) logCtx(ctx context.Context) context.Context {
	return logging.WithSessionID(ctx, s.id)
}

func (s *Session) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, s.x.deps.Logger)
}

// renderOutput turns a capability output into assistant turn text.
func renderOutput(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// toCELValue normalizes Go values to the JSON shapes CEL's dyn type accepts.
func toCELValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	err = json.Unmarshal(b, &out)
	return out, err
}
