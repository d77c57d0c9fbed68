package panel

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/skillflow/internal/capability"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/internal/workspace"
)

// PanelDeps holds the dependencies for the panel server.
type PanelDeps struct {
	Workspace *workspace.Workspace
	Skills    *capability.Registry
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// PanelServer serves the JSON API and event streams a graph editor binds to.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Skills == nil {
		deps.Skills = capability.DefaultRegistry()
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Catalog.
	mux.HandleFunc("GET /api/skills", s.handleSkills)
	mux.HandleFunc("GET /api/skills/{id}", s.handleSkill)

	// Workflows.
	mux.HandleFunc("GET /api/workflows", s.handleWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/order", s.handleOrder)
	mux.HandleFunc("GET /api/workflows/{id}/results", s.handleResults)
	mux.HandleFunc("GET /api/workflows/{id}/runs", s.handleRuns)
	mux.HandleFunc("GET /api/workflows/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("POST /api/workflows", s.handleSaveWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleSaveWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /api/validate", s.handleValidate)

	// Batch execution.
	mux.HandleFunc("POST /api/workflows/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/workflows/{id}/nodes/{node}/run", s.handleRunNode)
	mux.HandleFunc("POST /api/workflows/{id}/reset", s.handleReset)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)

	// Chat sessions.
	mux.HandleFunc("POST /api/workflows/{id}/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/diagram", s.handleSessionDiagram)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("POST /api/sessions/{id}/restart", s.handleRestartSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/runs/{id}", s.handleSSERun)

	return mux
}
