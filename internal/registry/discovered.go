package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DiscoveredTool is a dynamically defined tool row from the
// tool_definitions table. Handlers are bound by the caller since the row
// only names a generic operation.
type DiscoveredTool struct {
	Name          string
	Description   string
	OperationType string
	TargetDoctype string
	InputSchema   map[string]any
	AlwaysApprove bool
	Industry      string
}

// DiscoveredStore abstracts the DB queries for testability.
type DiscoveredStore interface {
	ListTools(ctx context.Context) ([]DiscoveredTool, error)
}

type sqlDiscoveredStore struct {
	db *sql.DB
}

// NewSQLDiscoveredStore wraps an open Postgres handle (pgx stdlib driver).
func NewSQLDiscoveredStore(db *sql.DB) DiscoveredStore {
	return &sqlDiscoveredStore{db: db}
}

func (s *sqlDiscoveredStore) ListTools(ctx context.Context) ([]DiscoveredTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, description, operation_type, target_doctype,
		       input_schema, always_approve, industry
		FROM tool_definitions
		WHERE enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var tools []DiscoveredTool
	for rows.Next() {
		var t DiscoveredTool
		var description, schema sql.NullString
		if err := rows.Scan(&t.Name, &description, &t.OperationType, &t.TargetDoctype,
			&schema, &t.AlwaysApprove, &t.Industry); err != nil {
			return nil, fmt.Errorf("scan tool row: %w", err)
		}
		t.Description = description.String
		if schema.Valid && schema.String != "" {
			if err := json.Unmarshal([]byte(schema.String), &t.InputSchema); err != nil {
				return nil, fmt.Errorf("tool %s: input_schema: %w", t.Name, err)
			}
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// Binder turns a discovered row into an executable handler.
type Binder func(t DiscoveredTool) (Handler, error)

// Loader keeps discovered tool definitions registered, refreshing on an
// interval so edits to the table hot-reload without a restart.
type Loader struct {
	registry *Registry
	store    DiscoveredStore
	bind     Binder
	interval time.Duration
	logger   *zap.Logger
}

// NewLoader builds a loader. interval <= 0 disables the refresh loop.
func NewLoader(registry *Registry, store DiscoveredStore, bind Binder, interval time.Duration, logger *zap.Logger) *Loader {
	return &Loader{
		registry: registry,
		store:    store,
		bind:     bind,
		interval: interval,
		logger:   logger,
	}
}

// LoadOnce fetches and registers the current discovered set.
func (l *Loader) LoadOnce(ctx context.Context) error {
	tools, err := l.store.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("registry: load discovered tools: %w", err)
	}

	for _, t := range tools {
		handler, err := l.bind(t)
		if err != nil {
			l.logger.Warn("skipping discovered tool, cannot bind handler",
				zap.String("tool_name", t.Name),
				zap.Error(err),
			)
			continue
		}
		def := ToolDefinition{
			Name:          t.Name,
			Description:   t.Description,
			InputSchema:   t.InputSchema,
			Handler:       handler,
			AlwaysApprove: t.AlwaysApprove,
			OperationType: operationTypeFor(t.OperationType),
			Industry:      t.Industry,
			Source:        SourceDiscovered,
		}
		if err := l.registry.Register(def); err != nil {
			l.logger.Warn("skipping invalid discovered tool",
				zap.String("tool_name", t.Name),
				zap.Error(err),
			)
		}
	}
	l.logger.Info("discovered tools loaded", zap.Int("count", len(tools)))
	return nil
}

// Run refreshes the discovered set until the context ends.
func (l *Loader) Run(ctx context.Context) {
	if l.interval <= 0 {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.LoadOnce(ctx); err != nil {
				l.logger.Warn("discovered tool refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
