package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/skillflow/internal/diagram"
	"github.com/rendis/skillflow/internal/store"
	"github.com/rendis/skillflow/pkg/schema"
)

// handleSkills lists the catalog, or describes one skill.
func (s *SkillflowServer) handleSkills(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("id", ""); id != "" {
		def, err := s.skills.Get(id)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{
			"skill":        def,
			"input_schema": def.InputSchema(),
		})
	}

	skills := s.skills.List()
	if cat := req.GetString("category", ""); cat != "" {
		skills = s.skills.ByCategory(cat)
	}
	return marshalResult(map[string]any{
		"skills":     skills,
		"categories": s.skills.Categories(),
	})
}

// handleDefine validates and saves a workflow definition.
func (s *SkillflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if id := req.GetString("workflow_id", ""); id != "" {
		def.ID = id
	}

	if req.GetBool("validate_only", false) {
		vr := s.ws.Validate(&def)
		return marshalResult(map[string]any{
			"valid":         vr.Valid(),
			"validation":    vr,
			"invalid_nodes": vr.InvalidNodes(),
		})
	}

	wf, vr, err := s.ws.SaveWorkflow(ctx, &def)
	if err != nil {
		if vr != nil && !vr.Valid() {
			return validationError(vr), nil
		}
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"warnings":    vr.Warnings,
	})
}

// handleQuery lists workflows, runs, events, results or chat sessions.
func (s *SkillflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "results":
		return s.queryResults(ctx, filter)
	case "sessions":
		return marshalResult(map[string]any{"sessions": s.ws.Sessions()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleOrder returns the execution order of a workflow.
func (s *SkillflowServer) handleOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	order, err := s.ws.Order(ctx, workflowID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"workflow_id": workflowID, "order": order})
}

// handleRun runs a workflow, or a single node of it.
func (s *SkillflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if nodeID := req.GetString("node_id", ""); nodeID != "" {
		report, err := s.ws.RunNode(ctx, workflowID, nodeID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(report)
	}

	report, err := s.ws.Run(ctx, workflowID, req.GetBool("resume", false))
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(report)
}

// handleChat drives an interactive session.
func (s *SkillflowServer) handleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if action == "start" {
		workflowID := req.GetString("workflow_id", "")
		if workflowID == "" {
			return mcp.NewToolResultError("workflow_id is required to start a chat"), nil
		}
		view, err := s.ws.StartSession(ctx, workflowID)
		if err != nil {
			return toolError(err), nil
		}
		s.captureSession(ctx, view.SessionID)
		return marshalResult(view)
	}

	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(fmt.Sprintf("session_id is required for %s", action)), nil
	}

	switch action {
	case "input":
		text := req.GetString("text", "")
		attachments, err := parseAttachments(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid attachments: %v", err)), nil
		}
		if text == "" && len(attachments) == 0 {
			return mcp.NewToolResultError("text or attachments are required"), nil
		}
		view, err := s.ws.Submit(ctx, sessionID, text, attachments)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(view)
	case "status":
		view, err := s.ws.SessionView(sessionID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(view)
	case "cancel":
		view, err := s.ws.CancelSession(sessionID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(view)
	case "restart":
		view, err := s.ws.RestartSession(ctx, sessionID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(view)
	case "close":
		if err := s.ws.CloseSession(sessionID); err != nil {
			return toolError(err), nil
		}
		s.stopWatching(sessionID)
		s.sessions.Forget(sessionID)
		return marshalResult(map[string]any{"ok": true, "session_id": sessionID})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown chat action: %s", action)), nil
	}
}

// handleDiagram renders a workflow or chat session in the requested format.
func (s *SkillflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" {
		return mcp.NewToolResultError("format must be ascii or mermaid"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	sessionID := req.GetString("session_id", "")

	var model *diagram.DiagramModel
	switch {
	case sessionID != "":
		model, err = s.ws.SessionDiagram(sessionID)
	case workflowID != "":
		model, err = s.ws.Diagram(ctx, workflowID)
	default:
		return mcp.NewToolResultError("one of workflow_id or session_id is required"), nil
	}
	if err != nil {
		return toolError(err), nil
	}

	if format == "ascii" {
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Query helpers ---

func (s *SkillflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["name"].(string); ok {
		wf.Name = name
	}

	workflows, err := s.ws.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if workflows == nil {
		workflows = []*store.Workflow{}
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *SkillflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("run query requires 'workflow_id' in filter"), nil
	}
	runs, err := s.ws.Store().ListRuns(ctx, workflowID, extractInt(filter, "limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *SkillflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.ws.Store().GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": nonNil(events)})
	}

	// No event type filter: read the run's log in sequence order.
	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.ws.Store().GetEvents(ctx, ef.RunID, int64(extractInt(filter, "after_sequence", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": nonNil(events)})
}

func (s *SkillflowServer) queryResults(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("results query requires 'workflow_id' in filter"), nil
	}
	results, statuses, err := s.ws.Results(ctx, workflowID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"results": results, "statuses": statuses})
}

// --- Internal helpers ---

// parseAttachments decodes the optional attachments argument. Data is base64 in JSON.
func parseAttachments(req mcp.CallToolRequest) ([]schema.Attachment, error) {
	raw, ok := req.GetArguments()["attachments"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []schema.Attachment
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func nonNil(events []*store.Event) []*store.Event {
	if events == nil {
		return []*store.Event{}
	}
	return events
}

// captureSession maps the chat to the caller's MCP session and starts forwarding its events.
func (s *SkillflowServer) captureSession(ctx context.Context, chatID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(chatID, session.SessionID())
	s.watch(chatID)
}

// toolError renders err as a tool error, prefixed with its code when it has one.
func toolError(err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", code, schema.MessageOf(err)))
	}
	return mcp.NewToolResultError(err.Error())
}

// validationError lists every blocking issue so the caller can fix them in one pass.
func validationError(vr *schema.ValidationResult) *mcp.CallToolResult {
	data, err := json.Marshal(vr)
	if err != nil {
		return mcp.NewToolResultError("workflow is invalid")
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: workflow is invalid: %s", schema.ErrCodeValidation, data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
