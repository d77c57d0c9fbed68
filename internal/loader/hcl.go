package loader

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/rendis/skillflow/pkg/schema"
)

// hclFile is the top-level layout of a workflow file:
//
//	workflow "invoice-intake" {
//	  description  = "Pull totals out of invoices"
//	  start_prompt = "Process the attached invoice"
//	}
//
//	node "extract" {
//	  skill    = "pdf-extract"
//	  guidance = "Totals only"
//	  inputs   = { pages = "1-2" }
//	}
//
//	edge {
//	  from = "extract"
//	  to   = "shout"
//	}
type hclFile struct {
	Workflows []*hclWorkflow `hcl:"workflow,block"`
	Nodes     []*hclNode     `hcl:"node,block"`
	Edges     []*hclEdge     `hcl:"edge,block"`
}

type hclWorkflow struct {
	Name        string  `hcl:"name,label"`
	ID          *string `hcl:"id,optional"`
	Description *string `hcl:"description,optional"`
	StartPrompt *string `hcl:"start_prompt,optional"`
	Model       *string `hcl:"model,optional"`
}

type hclNode struct {
	ID         string    `hcl:"id,label"`
	Skill      string    `hcl:"skill"`
	Label      *string   `hcl:"label,optional"`
	Guidance   *string   `hcl:"guidance,optional"`
	Inputs     cty.Value `hcl:"inputs,optional"`
	AwaitInput *bool     `hcl:"await_input,optional"`
	AwaitWhen  *string   `hcl:"await_when,optional"`
}

type hclEdge struct {
	ID           *string `hcl:"id,optional"`
	From         string  `hcl:"from"`
	To           string  `hcl:"to"`
	SourceHandle *string `hcl:"source_handle,optional"`
	TargetHandle *string `hcl:"target_handle,optional"`
}

// evalContext exposes a small set of string and collection functions to
// attribute expressions.
func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{
			"upper":      stdlib.UpperFunc,
			"lower":      stdlib.LowerFunc,
			"trimspace":  stdlib.TrimSpaceFunc,
			"format":     stdlib.FormatFunc,
			"join":       stdlib.JoinFunc,
			"concat":     stdlib.ConcatFunc,
			"merge":      stdlib.MergeFunc,
			"jsonencode": stdlib.JSONEncodeFunc,
			"jsondecode": stdlib.JSONDecodeFunc,
		},
	}
}

func parseHCL(filename string, src []byte) (*schema.WorkflowDefinition, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diagError("parse", filename, diags)
	}

	var root hclFile
	if diags := gohcl.DecodeBody(f.Body, evalContext(), &root); diags.HasErrors() {
		return nil, diagError("decode", filename, diags)
	}
	if len(root.Workflows) > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"%s: only one workflow block is allowed, found %d", filename, len(root.Workflows))
	}

	def := &schema.WorkflowDefinition{}
	if len(root.Workflows) == 1 {
		w := root.Workflows[0]
		def.Name = w.Name
		def.ID = deref(w.ID)
		def.Description = deref(w.Description)
		def.StartPrompt = deref(w.StartPrompt)
		def.Model = deref(w.Model)
	}

	for _, n := range root.Nodes {
		inputs, err := ctyToMap(n.Inputs)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"%s: node %q inputs: %s", filename, n.ID, err.Error()).WithNode(n.ID).WithCause(err)
		}
		def.Nodes = append(def.Nodes, schema.NodeDefinition{
			ID:         n.ID,
			Skill:      n.Skill,
			Label:      deref(n.Label),
			Guidance:   deref(n.Guidance),
			Inputs:     inputs,
			AwaitInput: n.AwaitInput != nil && *n.AwaitInput,
			AwaitWhen:  deref(n.AwaitWhen),
		})
	}
	for _, e := range root.Edges {
		def.Edges = append(def.Edges, schema.EdgeDefinition{
			ID:           deref(e.ID),
			Source:       e.From,
			Target:       e.To,
			SourceHandle: deref(e.SourceHandle),
			TargetHandle: deref(e.TargetHandle),
		})
	}
	return def, nil
}

// ctyToMap converts an object or map value to plain JSON-shaped Go values.
func ctyToMap(v cty.Value) (map[string]any, error) {
	if v == cty.NilVal || v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known at load time")
	}
	if t := v.Type(); !t.IsObjectType() && !t.IsMapType() {
		return nil, fmt.Errorf("must be an object, got %s", t.FriendlyName())
	}

	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func diagError(stage, filename string, diags hcl.Diagnostics) error {
	issues := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		issue := d.Summary
		if d.Detail != "" {
			issue += ": " + d.Detail
		}
		if d.Subject != nil {
			issue = d.Subject.String() + ": " + issue
		}
		issues = append(issues, issue)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s %s: %s", stage, filename, diags.Error()).
		WithCause(diags).
		WithDetails(map[string]any{"violations": issues})
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
