package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/internal/workspace"
)

// SkillflowServerDeps holds the dependencies for creating a SkillflowServer.
type SkillflowServerDeps struct {
	Workspace *workspace.Workspace
	Skills    *capability.Registry
	Hub       streaming.EventHub // nil disables chat push notifications
	Logger    *slog.Logger
}

// SkillflowServer wraps an MCP server with skillflow-specific tool handlers.
type SkillflowServer struct {
	ws        *workspace.Workspace
	skills    *capability.Registry
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  ChatNotifier

	mu       sync.Mutex
	watchers map[string]context.CancelFunc // chat session ID → forwarder
}

// NewSkillflowServer creates a new SkillflowServer with all tools registered.
func NewSkillflowServer(deps SkillflowServerDeps) *SkillflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	skills := deps.Skills
	if skills == nil {
		skills = capability.DefaultRegistry()
	}

	s := &SkillflowServer{
		ws:       deps.Workspace,
		skills:   skills,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
		watchers: make(map[string]context.CancelFunc),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		for _, chatID := range s.sessions.Remove(session.SessionID()) {
			s.stopWatching(chatID)
		}
	})

	mcpSrv := server.NewMCPServer(
		"skillflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Skillflow runs graphs of skills. Use skillflow.skills to browse the catalog, "+
			"skillflow.define to save a workflow, skillflow.order to see execution order, skillflow.run for a batch run, "+
			"skillflow.chat to walk a workflow as a conversation, skillflow.query for saved workflows, runs and events, "+
			"and skillflow.diagram to render a workflow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SkillflowServer) Serve(ctx context.Context) error {
	defer s.Close()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns an HTTP handler serving the MCP SSE transport under
// basePath+"/sse" and basePath+"/message".
func (s *SkillflowServer) SSEHandler(baseURL, basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath(basePath),
	)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SkillflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Close stops every chat notification forwarder.
func (s *SkillflowServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.watchers {
		cancel()
		delete(s.watchers, id)
	}
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *SkillflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: skillsTool(), Handler: s.handleSkills},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: orderTool(), Handler: s.handleOrder},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: chatTool(), Handler: s.handleChat},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func skillsTool() mcp.Tool {
	return mcp.NewTool("skillflow.skills",
		mcp.WithDescription("List the skill catalog with each skill's inputs and outputs"),
		mcp.WithString("category", mcp.Description("Only list skills in this category")),
		mcp.WithString("id", mcp.Description("Return a single skill with its input JSON Schema")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("skillflow.define",
		mcp.WithDescription("Validate and save a workflow of skill nodes and edges"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: name, nodes [{id, skill, inputs, guidance, await_input, await_when}], edges [{source, target, source_handle, target_handle}]")),
		mcp.WithString("workflow_id", mcp.Description("ID of the workflow to replace (default: new workflow)")),
		mcp.WithBoolean("validate_only", mcp.Description("Only validate, do not save")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("skillflow.query",
		mcp.WithDescription("Query saved workflows, runs, run events, or memoized results"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "events", "results", "sessions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, limit, offset, workflow_id, run_id, node_id, event_type, since)")),
	)
}

func orderTool() mcp.Tool {
	return mcp.NewTool("skillflow.order",
		mcp.WithDescription("Return the execution order of a workflow's nodes"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("skillflow.run",
		mcp.WithDescription("Run every node of a workflow once, in execution order"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("node_id", mcp.Description("Run only this node against earlier results")),
		mcp.WithBoolean("resume", mcp.Description("Skip nodes that already have a result, failed ones included; use node_id to retry one")),
	)
}

func chatTool() mcp.Tool {
	return mcp.NewTool("skillflow.chat",
		mcp.WithDescription("Walk a workflow as a conversation: start a session, answer its pauses, inspect or cancel it"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("start", "input", "status", "cancel", "restart", "close"),
			mcp.Description("Session action"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to chat through (start)")),
		mcp.WithString("session_id", mcp.Description("Target session (input, status, cancel, restart, close)")),
		mcp.WithString("text", mcp.Description("User message (input)")),
		mcp.WithArray("attachments", mcp.Description("Files sent with the message: [{name, mime_type, data (base64)}]")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("skillflow.diagram",
		mcp.WithDescription("Render a workflow or chat session as a diagram with node status"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to render, overlaid with its latest batch results")),
		mcp.WithString("session_id", mcp.Description("Chat session to render")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid"),
			mcp.Description("Output format: ascii (text) or mermaid (flowchart syntax)"),
		),
	)
}
