package capability

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rendis/skillflow/internal/expressions"
	"github.com/rendis/skillflow/pkg/schema"
)

// batchTemplates are the single-shot prompts used when a skill runs unattended.
// Each asks for a JSON object shaped like the skill's outputs.
var batchTemplates = map[string]string{
	"pdf-extract": `You are a PDF text extractor. The user supplied a PDF document.

File: ${{inputs.file ?? "no file given"}}
Pages: ${{inputs.pages ?? "all pages"}}

Reply with a JSON object:
{"text": "the extracted text", "metadata": {"pages": <page count>, "author": "...", "title": "..."}}`,

	"excel-read": `You are a spreadsheet reader. Read the rows from the given workbook.

File: ${{inputs.file ?? "no file given"}}
Sheet: ${{inputs.sheet ?? "default sheet"}}

Reply with a JSON object:
{"data": [{"column": "value"}], "headers": ["column"]}`,

	"excel-write": `You are a spreadsheet writer. Write the rows below to a workbook.

Data: ${{inputs.data ?? "[]"}}
File name: ${{inputs.filename ?? "output.xlsx"}}
Sheet name: ${{inputs.sheetName ?? "Sheet1"}}

Reply with a JSON object:
{"file": "path of the generated file", "success": true, "rowCount": <rows written>}`,

	"text-transform": `You are a text transformer. Apply the requested operation to the text.

Text: "${{inputs.text ?? ""}}"
Operation: ${{inputs.operation ?? "trim"}}

Supported operations: uppercase, lowercase, capitalize, trim.

Reply with a JSON object:
{"result": "the transformed text"}`,

	"data-filter": `You are a data filter. Keep only the items whose field equals the value.

Data: ${{inputs.data ?? "[]"}}
Field: ${{inputs.filterKey ?? ""}}
Value: ${{inputs.filterValue ?? ""}}

Reply with a JSON object:
{"filtered": [matching items]}`,

	"json-parse": `You are a JSON parser. Parse the following text.

JSON text: ${{inputs.jsonString ?? "{}"}}

Reply with a JSON object:
{"data": <parsed value>, "valid": true or false}`,
}

const genericTemplate = `You are executing the workflow skill "${{skill.name}}": ${{skill.description}}

Inputs: ${{inputs}}

Reply with a JSON object holding the skill's outputs.`

const chatInstructions = `Your job:
1. If this is the first skill and nothing was provided yet, ask the user for the input it needs.
2. If input from a previous skill is present, process it according to the skill description.
3. Produce clear output that can be handed to the next skill.
4. Be conversational and helpful.

Answer in a format that is easy to read.`

// Prompts renders batch prompts and chat system prompts.
type Prompts struct {
	interp *expressions.Interpolator
}

// NewPrompts creates a renderer.
func NewPrompts() *Prompts {
	return &Prompts{interp: expressions.NewInterpolator()}
}

// Batch renders the one-shot prompt for a skill. Data arriving on the default
// edge slot and node guidance are appended when present. Guidance may
// reference ${{inputs.*}} and ${{skill.*}} itself.
func (p *Prompts) Batch(skill SkillDefinition, inputs map[string]any, guidance string) (string, error) {
	tmpl, ok := batchTemplates[skill.ID]
	if !ok {
		tmpl = genericTemplate
	}
	scope := &expressions.InterpolationScope{
		Inputs: inputs,
		Skill:  map[string]any{"id": skill.ID, "name": skill.Name, "description": skill.Description},
	}
	if expressions.HasInterpolation(guidance) {
		rendered, err := p.interp.Render(guidance, scope)
		if err != nil {
			return "", err
		}
		guidance = rendered
	}
	scope.Guidance = guidance
	out, err := p.interp.Render(tmpl, scope)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(out)
	if upstream, ok := inputs[schema.DefaultInputSlot]; ok && tmpl != genericTemplate {
		b.WriteString("\n\nInput from the previous step:\n")
		b.WriteString(prettyJSON(upstream))
	}
	if guidance != "" {
		b.WriteString("\n\nAdditional instructions:\n")
		b.WriteString(guidance)
	}
	return b.String(), nil
}

// System builds the chat system prompt from the skill, the prior output and
// the guidance. Guidance referencing ${{prior}} or ${{skill.*}} is expanded;
// guidance that fails to expand is sent as written.
func (p *Prompts) System(skill SkillDefinition, prior any, guidance string) string {
	if expressions.HasInterpolation(guidance) {
		rendered, err := p.interp.Render(guidance, &expressions.InterpolationScope{
			Prior: prior,
			Skill: map[string]any{"id": skill.ID, "name": skill.Name, "description": skill.Description},
		})
		if err == nil {
			guidance = rendered
		}
	}

	var b strings.Builder
	if skill.Description != "" {
		b.WriteString("You are an assistant helping to execute one skill in a workflow.\n\n")
		fmt.Fprintf(&b, "**Current skill:** %s\n\n", skill.Description)
	}
	if prior != nil {
		fmt.Fprintf(&b, "**Input from the previous skill:**\n%s\n\n", prettyJSON(prior))
	}
	if guidance != "" {
		fmt.Fprintf(&b, "**Special instructions for this skill:**\n%s\n\n", guidance)
	}
	b.WriteString(chatInstructions)
	return b.String()
}

func prettyJSON(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n?```")

// ExtractJSON parses a reply as JSON, preferring the first fenced code block.
// Replies that are not JSON come back as {"success": true, "result": text}.
func ExtractJSON(text string) any {
	candidate := text
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		candidate = m[1]
	}
	var out any
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &out); err == nil {
		return out
	}
	return map[string]any{"success": true, "result": text}
}
