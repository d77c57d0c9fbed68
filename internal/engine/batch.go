package engine

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/pkg/schema"
)

// Deps are the collaborators shared by both executors. Only Capability is required.
type Deps struct {
	Capability capability.Capability
	Appender   EventAppender           // run audit log; nil disables it
	Hub        streaming.EventHub      // live notifications; nil disables them
	Breakers   *CircuitBreakerRegistry // per-skill circuit breakers; nil disables them
	Logger     *slog.Logger
	Now        func() time.Time
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// BatchExecutor runs every node of a graph once, in linearized order, one
// capability call at a time. A node's failure is recorded and execution
// moves on; it never halts the run.
type BatchExecutor struct {
	cap      capability.Capability
	fsm      *NodeFSM
	sink     *fanout
	inputs   *inputGatherer
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	running  map[*Graph]string
	inflight map[*Node]struct{}
}

// NewBatchExecutor creates a batch executor.
func NewBatchExecutor(deps Deps) *BatchExecutor {
	deps.defaults()
	sink := newFanout(deps.Appender, deps.Hub, deps.Now)
	return &BatchExecutor{
		cap:      deps.Capability,
		fsm:      NewNodeFSM(sink),
		sink:     sink,
		inputs:   &inputGatherer{jq: expressions.NewGoJQEngine(), logger: deps.Logger},
		breakers: deps.Breakers,
		logger:   deps.Logger,
		now:      deps.Now,
		running:  make(map[*Graph]string),
		inflight: make(map[*Node]struct{}),
	}
}

// Run executes a fresh run of g: results is cleared and every node reset to
// pending before the first invocation. Structural (cycle) and credential
// errors abort before any of that happens. An empty runID gets a new UUID.
//
// The returned map holds every result recorded so far, also when the run
// stops early on cancellation or a credential failure.
func (b *BatchExecutor) Run(ctx context.Context, runID string, g *Graph, results *ResultStore) (map[string]Result, error) {
	return b.run(ctx, runID, g, results, true)
}

// Resume executes the nodes of g that have no result in results yet,
// leaving recorded results and statuses untouched.
func (b *BatchExecutor) Resume(ctx context.Context, runID string, g *Graph, results *ResultStore) (map[string]Result, error) {
	return b.run(ctx, runID, g, results, false)
}

func (b *BatchExecutor) run(ctx context.Context, runID string, g *Graph, results *ResultStore, fresh bool) (map[string]Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)
	log := logging.LogWith(ctx, b.logger)

	release, err := b.acquireGraph(g, runID)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := Linearize(g)
	if err != nil {
		return nil, err
	}

	kinds := make([]string, 0, len(order))
	for _, n := range order {
		if _, done := results.Get(n.ID()); fresh || !done {
			kinds = append(kinds, n.Skill())
		}
	}
	if err := capability.Precheck(ctx, b.cap, kinds, capability.ModeBatch); err != nil {
		return nil, err
	}

	if fresh {
		results.Clear()
		for _, n := range order {
			if err := b.fsm.Reset(ctx, runID, n); err != nil {
				log.Warn("reset node", "node_id", n.ID(), "error", err)
			}
		}
	}

	b.emit(ctx, runID, schema.EventRunStarted, map[string]any{"workflow_id": g.ID, "nodes": len(order), "fresh": fresh})
	log.Info("batch run started", "nodes", len(order))

	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return b.abort(ctx, runID, results, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err))
		}
		if _, done := results.Get(n.ID()); done {
			continue
		}
		if err := b.execute(ctx, runID, g, n, results); err != nil {
			return b.abort(ctx, runID, results, err)
		}
	}

	snap := results.Snapshot()
	var failed int
	for _, r := range snap {
		if !r.OK() {
			failed++
		}
	}
	b.emit(ctx, runID, schema.EventRunCompleted, map[string]any{"succeeded": len(snap) - failed, "failed": failed})
	log.Info("batch run completed", "succeeded", len(snap)-failed, "failed", failed)
	return snap, nil
}

func (b *BatchExecutor) abort(ctx context.Context, runID string, results *ResultStore, cause error) (map[string]Result, error) {
	b.emit(context.WithoutCancel(ctx), runID, schema.EventRunAborted, map[string]any{
		"code":    schema.CodeOf(cause),
		"message": cause.Error(),
	})
	logging.LogWith(ctx, b.logger).Warn("batch run aborted", "error", cause)
	return results.Snapshot(), cause
}

// RunNode re-executes a single node against the results recorded so far.
// A call for a node that is already executing is rejected with CONFLICT.
func (b *BatchExecutor) RunNode(ctx context.Context, runID string, g *Graph, nodeID string, results *ResultStore) (Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRunID(ctx, runID)

	n, ok := g.Node(nodeID)
	if !ok {
		return Result{}, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID).WithNode(nodeID)
	}
	if err := capability.Precheck(ctx, b.cap, []string{n.Skill()}, capability.ModeBatch); err != nil {
		return Result{}, err
	}
	if err := b.execute(ctx, runID, g, n, results); err != nil {
		if r, ok := results.Get(nodeID); ok {
			return r, err
		}
		return Result{}, err
	}
	r, _ := results.Get(nodeID)
	return r, nil
}

// execute runs one node and records exactly one Result for it. The returned
// error is non-nil only when the run must stop: a rejected re-entrant call
// (CONFLICT), a credential failure, or cancellation while the call was in
// flight (in which case nothing is recorded).
func (b *BatchExecutor) execute(ctx context.Context, runID string, g *Graph, n *Node, results *ResultStore) error {
	release, err := b.acquireNode(n, runID)
	if err != nil {
		return err
	}
	defer release()

	ctx = logging.WithNodeID(ctx, n.ID())
	log := logging.LogWith(ctx, b.logger)

	if err := b.fsm.Transition(ctx, runID, n, schema.NodeStatusRunning, map[string]any{"skill": n.Skill()}); err != nil {
		if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			return err
		}
		log.Warn("record node start", "error", err)
	}

	inputs := b.inputs.gather(ctx, g, n, results)
	out, err := safeInvoke(ctx, b.cap, b.breakers, n, inputs, capability.InvokeContext{
		RunID:    runID,
		NodeID:   n.ID(),
		Mode:     capability.ModeBatch,
		Guidance: n.Guidance,
		Model:    g.Model,
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		// The run was cancelled while the call was in flight; its outcome is discarded.
		if rerr := b.fsm.Reset(context.WithoutCancel(ctx), runID, n); rerr != nil {
			log.Warn("reset cancelled node", "error", rerr)
		}
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithNode(n.ID()).WithCause(ctxErr)
	}

	if err != nil {
		msg := schema.MessageOf(err)
		results.Set(n.ID(), Failure(msg, b.now().UTC()))
		if terr := b.fsm.Transition(ctx, runID, n, schema.NodeStatusError, map[string]any{
			"message": msg,
			"code":    schema.CodeOf(err),
		}); terr != nil {
			log.Warn("record node failure", "error", terr)
		}
		log.Warn("node failed", "skill", n.Skill(), "error", err)

		if schema.IsCode(err, schema.ErrCodeMissingCredential) {
			return err
		}
		return nil
	}

	results.Set(n.ID(), Success(out, b.now().UTC()))
	if terr := b.fsm.Transition(ctx, runID, n, schema.NodeStatusSuccess, map[string]any{"output": out}); terr != nil {
		log.Warn("record node success", "error", terr)
	}
	log.Debug("node succeeded", "skill", n.Skill())
	return nil
}

// safeInvoke calls the capability for n, converting panics into
// CAPABILITY_FAILURE and consulting the skill's circuit breaker.
func safeInvoke(ctx context.Context, c capability.Capability, breakers *CircuitBreakerRegistry, n *Node, inputs map[string]any, ic capability.InvokeContext) (out any, err error) {
	if c == nil {
		return nil, schema.NewError(schema.ErrCodeCapabilityFailure, "no capability configured").WithNode(n.ID())
	}
	if breakers != nil {
		if err := breakers.AllowRequest(n.Skill()); err != nil {
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeCapabilityFailure, "skill %s panicked: %v", n.Skill(), r).
				WithNode(n.ID()).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
		if breakers != nil {
			switch {
			case err == nil:
				breakers.RecordSuccess(n.Skill())
			case schema.IsCode(err, schema.ErrCodeCapabilityFailure):
				breakers.RecordFailure(n.Skill())
			}
		}
	}()

	return c.Invoke(ctx, n.Skill(), inputs, ic)
}

func (b *BatchExecutor) acquireGraph(g *Graph, runID string) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if other, busy := b.running[g]; busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "graph is already running as %s", other).
			WithDetails(map[string]any{"run_id": other})
	}
	b.running[g] = runID
	return func() {
		b.mu.Lock()
		delete(b.running, g)
		b.mu.Unlock()
	}, nil
}

func (b *BatchExecutor) acquireNode(n *Node, runID string) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inflight[n]; busy {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "node %s is already executing", n.ID()).
			WithNode(n.ID()).
			WithDetails(map[string]any{"run_id": runID})
	}
	b.inflight[n] = struct{}{}
	return func() {
		b.mu.Lock()
		delete(b.inflight, n)
		b.mu.Unlock()
	}, nil
}

func (b *BatchExecutor) emit(ctx context.Context, runID, eventType string, payload any) {
	if err := b.sink.AppendEvent(ctx, &store.Event{RunID: runID, Type: eventType, Payload: encodePayload(payload)}); err != nil {
		logging.LogWith(ctx, b.logger).Warn("record run event", "event", eventType, "error", err)
	}
}
