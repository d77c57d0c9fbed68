package panel

import (
	"net/http"

	"github.com/rendis/skillflow/pkg/schema"
)

// handleSaveWorkflow creates a workflow (POST) or replaces one (PUT /{id}).
// Invalid definitions are rejected with the full validation report.
func (s *PanelServer) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		writeFlowError(w, err)
		return
	}
	status := http.StatusCreated
	if id := r.PathValue("id"); id != "" {
		def.ID = id
		status = http.StatusOK
	}

	wf, vr, err := s.deps.Workspace.SaveWorkflow(r.Context(), &def)
	if err != nil {
		if vr != nil && !vr.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      schema.MessageOf(err),
				"code":       schema.ErrCodeValidation,
				"validation": vr,
				"nodes":      vr.ByNode(),
			})
			return
		}
		writeFlowError(w, err)
		return
	}

	writeJSON(w, status, map[string]any{
		"workflow":   wf,
		"validation": vr,
	})
}

func (s *PanelServer) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Workspace.DeleteWorkflow(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

// handleValidate checks a definition without saving it. "nodes" groups the
// issues by node ID for the editor's per-node badges.
func (s *PanelServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	var def schema.WorkflowDefinition
	if err := decodeBody(r, &def); err != nil {
		writeFlowError(w, err)
		return
	}
	vr := s.deps.Workspace.Validate(&def)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      vr.Valid(),
		"validation": vr,
		"nodes":      vr.ByNode(),
	})
}

// handleRun executes every node of a workflow. ?resume=true skips nodes that
// already have a result, failed ones included.
func (s *PanelServer) handleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Workspace.Run(r.Context(), r.PathValue("id"), queryBool(r, "resume"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *PanelServer) handleRunNode(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Workspace.RunNode(r.Context(), r.PathValue("id"), r.PathValue("node"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleReset forgets the memoized results of a workflow.
func (s *PanelServer) handleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Workspace.Workflow(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	s.deps.Workspace.Reset(id)
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

// handleStartSession opens a chat session over a workflow and starts it.
func (s *PanelServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Workspace.StartSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// handleSessionInput answers the session's pause and returns once the turn settles.
func (s *PanelServer) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text        string              `json:"text"`
		Attachments []schema.Attachment `json:"attachments"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeFlowError(w, err)
		return
	}
	if body.Text == "" && len(body.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "text or attachments are required")
		return
	}

	view, err := s.deps.Workspace.Submit(r.Context(), r.PathValue("id"), body.Text, body.Attachments)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *PanelServer) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Workspace.CancelSession(r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *PanelServer) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Workspace.RestartSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *PanelServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Workspace.CloseSession(id); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}
