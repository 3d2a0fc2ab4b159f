// Package tools ships the static tool catalog registered at startup:
// thin schema-carrying handlers over the ERP client, the LLM client, and
// the workflow bridge.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ledgermind/greenlight/internal/erp"
	"github.com/ledgermind/greenlight/internal/llm"
	"github.com/ledgermind/greenlight/internal/registry"
	"github.com/ledgermind/greenlight/internal/risk"
	"github.com/ledgermind/greenlight/internal/workflow"
)

// Deps are the collaborators the builtin handlers call into.
type Deps struct {
	ERP    *erp.Client
	LLM    llm.Client
	Bridge *workflow.Bridge
}

// RegisterBuiltins registers the static tool set.
func RegisterBuiltins(r *registry.Registry, deps Deps) error {
	defs := []registry.ToolDefinition{
		{
			Name:          "search_docs",
			Description:   "Search documents of a doctype with optional filters.",
			OperationType: risk.OpRead,
			InputSchema: objectSchema(map[string]any{
				"doctype": stringProp(),
				"filters": map[string]any{"type": "object"},
				"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
			}, "doctype"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				filters, _ := input["filters"].(map[string]any)
				limit := intArg(input, "limit", 20)
				return deps.ERP.SearchDocs(ctx, stringArg(input, "doctype"), filters, limit)
			},
		},
		{
			Name:          "get_doc",
			Description:   "Fetch a single document by doctype and name.",
			OperationType: risk.OpRead,
			InputSchema: objectSchema(map[string]any{
				"doctype": stringProp(),
				"name":    stringProp(),
			}, "doctype", "name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.GetDoc(ctx, stringArg(input, "doctype"), stringArg(input, "name"))
			},
		},
		{
			Name:          "create_doc",
			Description:   "Create a new document.",
			OperationType: risk.OpCreate,
			InputSchema: objectSchema(map[string]any{
				"doctype":         stringProp(),
				"doc":             map[string]any{"type": "object"},
				"idempotency_key": stringProp(),
			}, "doctype", "doc"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				doc, _ := input["doc"].(map[string]any)
				return deps.ERP.CreateDoc(ctx, stringArg(input, "doctype"), doc, writeOpts(input))
			},
		},
		{
			Name:          "update_doc",
			Description:   "Patch fields on an existing document.",
			OperationType: risk.OpUpdate,
			InputSchema: objectSchema(map[string]any{
				"doctype":         stringProp(),
				"name":            stringProp(),
				"patch":           map[string]any{"type": "object"},
				"document_state":  map[string]any{"type": "string", "enum": []any{"draft", "submitted", "cancelled"}},
				"idempotency_key": stringProp(),
			}, "doctype", "name", "patch"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				patch, _ := input["patch"].(map[string]any)
				return deps.ERP.UpdateDoc(ctx, stringArg(input, "doctype"), stringArg(input, "name"), patch, writeOpts(input))
			},
		},
		{
			Name:          "delete_doc",
			Description:   "Delete a document.",
			OperationType: risk.OpDelete,
			InputSchema: objectSchema(map[string]any{
				"doctype": stringProp(),
				"name":    stringProp(),
			}, "doctype", "name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.DeleteDoc(ctx, stringArg(input, "doctype"), stringArg(input, "name"))
			},
		},
		{
			Name:          "submit_doc",
			Description:   "Submit a draft document, finalizing it.",
			OperationType: risk.OpSubmit,
			InputSchema: objectSchema(map[string]any{
				"doctype": stringProp(),
				"name":    stringProp(),
			}, "doctype", "name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.SubmitDoc(ctx, stringArg(input, "doctype"), stringArg(input, "name"))
			},
		},
		{
			Name:          "cancel_doc",
			Description:   "Cancel a submitted document.",
			OperationType: risk.OpCancel,
			InputSchema: objectSchema(map[string]any{
				"doctype": stringProp(),
				"name":    stringProp(),
			}, "doctype", "name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.CancelDoc(ctx, stringArg(input, "doctype"), stringArg(input, "name"))
			},
		},
		{
			Name:          "bulk_update",
			Description:   "Patch multiple documents of one doctype independently.",
			OperationType: risk.OpBulk,
			InputSchema: objectSchema(map[string]any{
				"doctype": stringProp(),
				"items": map[string]any{
					"type": "array",
					"items": objectSchema(map[string]any{
						"name":  stringProp(),
						"patch": map[string]any{"type": "object"},
					}, "name", "patch"),
				},
			}, "doctype", "items"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				items, err := bulkItems(input)
				if err != nil {
					return nil, err
				}
				return deps.ERP.BulkUpdate(ctx, stringArg(input, "doctype"), items)
			},
		},
		{
			Name:          "run_report",
			Description:   "Run a named report with optional filters.",
			OperationType: risk.OpRead,
			InputSchema: objectSchema(map[string]any{
				"report_name": stringProp(),
				"filters":     map[string]any{"type": "object"},
			}, "report_name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				filters, _ := input["filters"].(map[string]any)
				return deps.ERP.RunReport(ctx, stringArg(input, "report_name"), filters)
			},
		},
		{
			Name:          "summarize_report",
			Description:   "Run a report and summarize it in plain language.",
			OperationType: risk.OpRead,
			InputSchema: objectSchema(map[string]any{
				"report_name": stringProp(),
				"filters":     map[string]any{"type": "object"},
			}, "report_name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				filters, _ := input["filters"].(map[string]any)
				report, err := deps.ERP.RunReport(ctx, stringArg(input, "report_name"), filters)
				if err != nil {
					return nil, err
				}
				resp, err := deps.LLM.Chat(ctx, llm.Request{Messages: []llm.Message{
					{Role: "system", Content: "Summarize the following ERP report for a business user. Be concise."},
					{Role: "user", Content: string(report.Data)},
				}})
				if err != nil {
					return nil, err
				}
				return map[string]any{"summary": resp.Content, "model": resp.Model}, nil
			},
		},
		{
			Name:          "execute_workflow",
			Description:   "Run a deterministic multi-step workflow graph.",
			OperationType: risk.OpCreate,
			InputSchema: objectSchema(map[string]any{
				"graph_name":    stringProp(),
				"initial_state": map[string]any{"type": "object"},
				"config":        map[string]any{"type": "object"},
			}, "graph_name"),
			Handler: func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				initialState, _ := input["initial_state"].(map[string]any)
				cfg, _ := input["config"].(map[string]any)
				return deps.Bridge.Execute(ctx, stringArg(input, "graph_name"), initialState, cfg, meta.CorrelationID)
			},
		},
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("tools: %w", err)
		}
	}
	return nil
}

// BindDiscovered maps a discovered tool row to a generic ERP handler for
// its operation type.
func BindDiscovered(deps Deps) registry.Binder {
	return func(d registry.DiscoveredTool) (registry.Handler, error) {
		if d.TargetDoctype == "" {
			return nil, fmt.Errorf("discovered tool %s has no target doctype", d.Name)
		}
		doctype := d.TargetDoctype

		switch d.OperationType {
		case "read":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				filters, _ := input["filters"].(map[string]any)
				return deps.ERP.SearchDocs(ctx, doctype, filters, intArg(input, "limit", 20))
			}, nil
		case "create":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				doc, _ := input["doc"].(map[string]any)
				return deps.ERP.CreateDoc(ctx, doctype, doc, writeOpts(input))
			}, nil
		case "update":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				patch, _ := input["patch"].(map[string]any)
				return deps.ERP.UpdateDoc(ctx, doctype, stringArg(input, "name"), patch, writeOpts(input))
			}, nil
		case "delete":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.DeleteDoc(ctx, doctype, stringArg(input, "name"))
			}, nil
		case "submit":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.SubmitDoc(ctx, doctype, stringArg(input, "name"))
			}, nil
		case "cancel":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				return deps.ERP.CancelDoc(ctx, doctype, stringArg(input, "name"))
			}, nil
		case "bulk":
			return func(ctx context.Context, input map[string]any, meta registry.CallMeta) (any, error) {
				items, err := bulkItems(input)
				if err != nil {
					return nil, err
				}
				return deps.ERP.BulkUpdate(ctx, doctype, items)
			}, nil
		}
		return nil, fmt.Errorf("discovered tool %s has unsupported operation type %q", d.Name, d.OperationType)
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

func stringProp() map[string]any {
	return map[string]any{"type": "string", "minLength": 1}
}

func stringArg(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}

func writeOpts(input map[string]any) erp.WriteOptions {
	return erp.WriteOptions{IdempotencyKey: stringArg(input, "idempotency_key")}
}

func bulkItems(input map[string]any) ([]erp.BulkItem, error) {
	raw, ok := input["items"].([]any)
	if !ok {
		return nil, fmt.Errorf("items must be an array")
	}
	items := make([]erp.BulkItem, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("items[%d] must be an object", i)
		}
		patch, _ := m["patch"].(map[string]any)
		items = append(items, erp.BulkItem{Name: stringArg(m, "name"), Patch: patch})
	}
	return items, nil
}
