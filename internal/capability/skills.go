package capability

import (
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/skillflow/pkg/schema"
)

// Port describes one named input or output of a skill.
type Port struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string | number | boolean | array | object | file
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// SkillDefinition is a catalog entry the graph editor and validators work from.
type SkillDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Icon        string `json:"icon,omitempty"`
	Inputs      []Port `json:"inputs"`
	Outputs     []Port `json:"outputs"`
}

// InputSchema renders the skill's inputs as a JSON Schema object.
// Required ports are not listed as required: an edge may supply them at run time.
// Files are passed as a path, URL or base64 string.
func (s SkillDefinition) InputSchema() json.RawMessage {
	props := make(map[string]any, len(s.Inputs))
	for _, in := range s.Inputs {
		p := map[string]any{"description": in.Description}
		switch in.Type {
		case "file":
			p["type"] = "string"
		case "array", "object", "string", "number", "boolean":
			p["type"] = in.Type
		}
		props[in.Name] = p
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	b, _ := json.Marshal(doc)
	return b
}

// Input returns the named input port.
func (s SkillDefinition) Input(name string) (Port, bool) {
	for _, p := range s.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Catalog returns the built-in skill definitions.
func Catalog() []SkillDefinition {
	return []SkillDefinition{
		{
			ID: "pdf-extract", Name: "PDF Extract", Category: "Document Processing", Icon: "FileText",
			Description: "Extract text and metadata from PDF files",
			Inputs: []Port{
				{Name: "file", Type: "file", Description: "PDF file to process", Required: true},
				{Name: "pages", Type: "string", Description: `Pages to extract, e.g. "1-3,5"`},
			},
			Outputs: []Port{
				{Name: "text", Type: "string", Description: "Extracted text"},
				{Name: "metadata", Type: "object", Description: "Document metadata such as author and title"},
			},
		},
		{
			ID: "excel-read", Name: "Excel Read", Category: "Data Processing", Icon: "Table",
			Description: "Read rows from Excel or CSV files",
			Inputs: []Port{
				{Name: "file", Type: "file", Description: "Excel or CSV file", Required: true},
				{Name: "sheet", Type: "string", Description: "Worksheet name"},
			},
			Outputs: []Port{
				{Name: "data", Type: "array", Description: "Rows as objects"},
				{Name: "headers", Type: "array", Description: "Column names"},
			},
		},
		{
			ID: "excel-write", Name: "Excel Write", Category: "Data Processing", Icon: "FileSpreadsheet",
			Description: "Write rows to an Excel file",
			Inputs: []Port{
				{Name: "data", Type: "array", Description: "Rows to write", Required: true},
				{Name: "filename", Type: "string", Description: "Output file name", Required: true},
				{Name: "sheetName", Type: "string", Description: "Worksheet name", Default: "Sheet1"},
			},
			Outputs: []Port{
				{Name: "file", Type: "file", Description: "Generated workbook"},
			},
		},
		{
			ID: "text-transform", Name: "Text Transform", Category: "Text Processing", Icon: "Type",
			Description: "Transform text: uppercase, lowercase, capitalize or trim",
			Inputs: []Port{
				{Name: "text", Type: "string", Description: "Input text", Required: true},
				{Name: "operation", Type: "string", Description: "uppercase, lowercase, capitalize or trim", Required: true, Default: "trim"},
			},
			Outputs: []Port{
				{Name: "result", Type: "string", Description: "Transformed text"},
			},
		},
		{
			ID: "data-filter", Name: "Data Filter", Category: "Data Processing", Icon: "Filter",
			Description: "Keep the rows that match a field value or an expression",
			Inputs: []Port{
				{Name: "data", Type: "array", Description: "Input rows", Required: true},
				{Name: "filterKey", Type: "string", Description: "Field to compare"},
				{Name: "filterValue", Type: "string", Description: "Value the field must equal"},
				{Name: "where", Type: "string", Description: "Boolean expression evaluated per row, e.g. total > 100"},
			},
			Outputs: []Port{
				{Name: "filtered", Type: "array", Description: "Matching rows"},
			},
		},
		{
			ID: "json-parse", Name: "JSON Parse", Category: "Data Processing", Icon: "Braces",
			Description: "Parse a JSON string into an object",
			Inputs: []Port{
				{Name: "jsonString", Type: "string", Description: "JSON text to parse", Required: true},
			},
			Outputs: []Port{
				{Name: "data", Type: "object", Description: "Parsed value"},
				{Name: "valid", Type: "boolean", Description: "Whether the text was valid JSON"},
			},
		},
	}
}

// Registry is the thread-safe lookup of skill definitions.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]SkillDefinition
}

// NewRegistry creates a registry preloaded with the given definitions.
func NewRegistry(defs ...SkillDefinition) (*Registry, error) {
	r := &Registry{skills: make(map[string]SkillDefinition, len(defs))}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry holding Catalog().
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Catalog()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds a skill. Returns error on duplicate or empty ID.
func (r *Registry) Register(def SkillDefinition) error {
	if def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "skill id is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "skill %q already registered", def.ID)
	}
	r.skills[def.ID] = def
	return nil
}

// Get retrieves a skill by ID.
func (r *Registry) Get(id string) (SkillDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.skills[id]
	if !ok {
		return SkillDefinition{}, schema.NewErrorf(schema.ErrCodeNotFound, "skill %q not registered", id)
	}
	return def, nil
}

// Has checks if a skill is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[id]
	return ok
}

// List returns all skills sorted by ID.
func (r *Registry) List() []SkillDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SkillDefinition, 0, len(r.skills))
	for _, d := range r.skills {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCategory returns the skills in a category, sorted by ID.
func (r *Registry) ByCategory(category string) []SkillDefinition {
	var out []SkillDefinition
	for _, d := range r.List() {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// Categories returns the distinct categories, sorted.
func (r *Registry) Categories() []string {
	var cats []string
	for _, d := range r.List() {
		if !slices.Contains(cats, d.Category) {
			cats = append(cats, d.Category)
		}
	}
	sort.Strings(cats)
	return cats
}
