package panel

import (
	"net/http"

	"github.com/rendis/skillflow/internal/diagram"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/internal/streaming"
	"github.com/rendis/skillflow/internal/workspace"
)

func (s *PanelServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Health(s.deps.Workspace, s.deps.Hub))
}

// Health builds the /api/health body: session count, worker pool load and,
// for hubs that keep counters, subscriber load. Either argument may be nil.
func Health(ws *workspace.Workspace, hub streaming.EventHub) map[string]any {
	body := map[string]any{"status": "ok"}
	if ws != nil {
		h := ws.Health()
		body["sessions"] = h.Sessions
		body["workers"] = h.Workers
	}
	if hub != nil {
		if st, ok := streaming.Stats(hub); ok {
			body["events"] = st
		}
	}
	return body
}

// handleSkills lists the skill catalog, optionally for one ?category.
func (s *PanelServer) handleSkills(w http.ResponseWriter, r *http.Request) {
	skills := s.deps.Skills.List()
	if cat := r.URL.Query().Get("category"); cat != "" {
		skills = s.deps.Skills.ByCategory(cat)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skills":     skills,
		"categories": s.deps.Skills.Categories(),
	})
}

func (s *PanelServer) handleSkill(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Skills.Get(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skill":        def,
		"input_schema": def.InputSchema(),
	})
}

// handleWorkflows lists saved workflows with ?name= prefix, ?limit= and ?offset=.
func (s *PanelServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		Name:   r.URL.Query().Get("name"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	workflows, err := s.deps.Workspace.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *PanelServer) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workspace.Workflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// handleOrder returns the execution order of a workflow's nodes.
func (s *PanelServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.deps.Workspace.Order(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// handleResults returns the memoized node results and statuses of a workflow.
func (s *PanelServer) handleResults(w http.ResponseWriter, r *http.Request) {
	results, statuses, err := s.deps.Workspace.Results(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"statuses": statuses,
	})
}

func (s *PanelServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Workspace.Store().ListRuns(r.Context(), r.PathValue("id"), queryInt(r, "limit", 20))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleRunEvents returns the audit log of a run or session after ?since= sequence.
func (s *PanelServer) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	st := s.deps.Workspace.Store()

	events, err := st.GetEvents(r.Context(), runID, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	resp := map[string]any{"events": events}
	if queryBool(r, "history") {
		history, err := store.NewEventLog(st).NodeHistory(r.Context(), runID)
		if err != nil {
			writeFlowError(w, err)
			return
		}
		resp["nodes"] = history
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDiagram renders a workflow as ?format=mermaid (default) or ascii.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	model, err := s.deps.Workspace.Diagram(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeDiagram(w, r, model)
}

func (s *PanelServer) handleSessionDiagram(w http.ResponseWriter, r *http.Request) {
	model, err := s.deps.Workspace.SessionDiagram(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeDiagram(w, r, model)
}

func writeDiagram(w http.ResponseWriter, r *http.Request, model *diagram.DiagramModel) {
	format := r.URL.Query().Get("format")
	var text string
	switch format {
	case "", "mermaid":
		format = "mermaid"
		text = diagram.RenderMermaid(model)
	case "ascii":
		text = diagram.RenderASCII(model)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid or ascii")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"format":  format,
		"diagram": text,
	})
}

func (s *PanelServer) handleSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Workspace.SessionView(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
