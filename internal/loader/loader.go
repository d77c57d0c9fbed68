// Package loader reads workflow definitions from JSON or HCL files.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/skillflow/internal/logging"
	"github.com/rendis/skillflow/pkg/schema"
)

// Format is a workflow file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatHCL  Format = "hcl"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".hcl":
		return FormatHCL, true
	}
	return "", false
}

// Loader decodes workflow files.
type Loader struct {
	logger *slog.Logger
}

// New creates a loader. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load reads and decodes one workflow file. A definition without a name
// takes the file's base name.
func (l *Loader) Load(ctx context.Context, path string) (*schema.WorkflowDefinition, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unsupported workflow file %q; expected .json or .hcl", path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow file %s not found", path).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read %s", path).WithCause(err)
	}

	def, err := l.Parse(ctx, path, src, format)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// Parse decodes src in the given format. filename is used in diagnostics only.
func (l *Loader) Parse(ctx context.Context, filename string, src []byte, format Format) (*schema.WorkflowDefinition, error) {
	log := logging.LogWith(ctx, l.logger).With("file", filename, "format", string(format))

	var (
		def *schema.WorkflowDefinition
		err error
	)
	switch format {
	case FormatJSON:
		def, err = parseJSON(filename, src)
	case FormatHCL:
		def, err = parseHCL(filename, src)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow format %q", format)
	}
	if err != nil {
		log.Debug("workflow file rejected", "error", err)
		return nil, err
	}
	log.Debug("workflow file loaded", "nodes", len(def.Nodes), "edges", len(def.Edges))
	return def, nil
}

// LoadDir loads every .json and .hcl file directly under dir, sorted by name.
func (l *Loader) LoadDir(ctx context.Context, dir string) ([]*schema.WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow dir %s", dir).WithCause(err)
	}

	var names []string
	for _, e := range entries {
		if _, ok := FormatOf(e.Name()); ok && !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]*schema.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := l.Load(ctx, filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func parseJSON(filename string, src []byte) (*schema.WorkflowDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.DisallowUnknownFields()

	var def schema.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %s", filename, err.Error()).WithCause(err)
	}
	return &def, nil
}
