// Package registry holds the typed tool definitions and orchestrates
// execution: resolve, validate, classify risk, gate behind approval, run.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var operationTypes = map[string]bool{
	"read": true, "create": true, "update": true,
	"delete": true, "submit": true, "cancel": true, "bulk": true,
}

// entry pairs a definition with its lazily compiled schema.
type entry struct {
	def ToolDefinition

	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
}

// Registry is the in-memory tool map. Read-mostly: lookups take the read
// lock, registration serializes under the write lock.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger,
	}
}

// Register inserts or overwrites a definition by name. Last write wins so
// discovered tools can hot-reload, but a collision is never silent.
func (r *Registry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("registry: tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", def.Name)
	}
	if !operationTypes[string(def.OperationType)] {
		return fmt.Errorf("registry: tool %q has unknown operation type %q", def.Name, def.OperationType)
	}
	if def.Source == "" {
		def.Source = SourceStatic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.tools[def.Name]; exists {
		r.logger.Warn("tool re-registered, previous definition replaced",
			zap.String("tool_name", def.Name),
			zap.String("previous_source", prev.def.Source),
			zap.String("new_source", def.Source),
		)
	}
	r.tools[def.Name] = &entry{def: def}
	return nil
}

// Resolve returns the definition for a name.
func (r *Registry) Resolve(name string) (ToolDefinition, error) {
	e, err := r.resolveEntry(name)
	if err != nil {
		return ToolDefinition{}, err
	}
	return e.def, nil
}

func (r *Registry) resolveEntry(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return e, nil
}

// Validate checks raw input against the tool's schema, returning a
// ValidationError with field-level diagnostics on failure. Tools without
// a schema accept anything.
func (r *Registry) Validate(name string, input map[string]any) error {
	e, err := r.resolveEntry(name)
	if err != nil {
		return err
	}
	return r.validate(e, input)
}

func (r *Registry) validate(e *entry, input map[string]any) error {
	if e.def.InputSchema == nil {
		return nil
	}

	e.compileOnce.Do(func() {
		e.compiled, e.compileErr = compileSchema(e.def.InputSchema)
	})
	if e.compileErr != nil {
		return fmt.Errorf("registry: tool %q schema: %w", e.def.Name, e.compileErr)
	}

	// Round-trip through JSON so numbers validate as the schema expects.
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("registry: encode input: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("registry: decode input: %w", err)
	}

	if err := e.compiled.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			ve = verr
		}
		return &ValidationError{Tool: e.def.Name, Issues: collectIssues(ve, err)}
	}
	return nil
}

// List returns the definition views sorted by name.
func (r *Registry) List() []DefinitionView {
	r.mu.RLock()
	views := make([]DefinitionView, 0, len(r.tools))
	for _, e := range r.tools {
		views = append(views, DefinitionView{
			Name:             e.def.Name,
			Description:      e.def.Description,
			InputSchema:      e.def.InputSchema,
			OperationType:    string(e.def.OperationType),
			RequiresApproval: e.def.RequiresApproval,
			AlwaysApprove:    e.def.AlwaysApprove,
			Industry:         e.def.Industry,
			Source:           e.def.Source,
		})
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

var schemaMessagePrinter = message.NewPrinter(language.English)

// collectIssues flattens the validator's cause tree into field diagnostics.
func collectIssues(ve *jsonschema.ValidationError, fallback error) []Issue {
	if ve == nil {
		return []Issue{{Path: "/", Message: fallback.Error()}}
	}

	var issues []Issue
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			path := "/" + strings.Join(v.InstanceLocation, "/")
			issues = append(issues, Issue{
				Path:    path,
				Message: v.ErrorKind.LocalizedString(schemaMessagePrinter),
			})
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return issues
}
