package registry

import (
	"fmt"
	"strings"
)

// NotFoundError reports an unknown tool name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Name)
}

// Issue is one field-level validation diagnostic.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries field-level diagnostics, never just a boolean.
type ValidationError struct {
	Tool   string  `json:"tool"`
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Path + ": " + issue.Message
	}
	return fmt.Sprintf("invalid input for tool %q: %s", e.Tool, strings.Join(parts, "; "))
}
