// Package risk classifies tool invocations into risk levels. Classification
// is a pure function: no clock, no randomness, no I/O, so identical input
// always yields an identical Assessment and retries are safe.
package risk

import (
	"fmt"
	"strings"
)

// Level is the risk level assigned to a tool invocation.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// OperationType categorizes what a tool does to the ERP.
type OperationType string

const (
	OpRead   OperationType = "read"
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpSubmit OperationType = "submit"
	OpCancel OperationType = "cancel"
	OpBulk   OperationType = "bulk"
)

// DocumentState is the lifecycle state of the target document.
type DocumentState string

const (
	StateDraft     DocumentState = "draft"
	StateSubmitted DocumentState = "submitted"
	StateCancelled DocumentState = "cancelled"
)

// Input carries every factor the classifier considers.
type Input struct {
	OperationType OperationType
	TargetEntity  string
	FieldsTouched []string
	DocumentState DocumentState
	BatchSize     int
	AlwaysApprove bool
	Payload       map[string]any
}

// Assessment is the derived, ephemeral classification result.
type Assessment struct {
	Level            Level    `json:"level"`
	RequiresApproval bool     `json:"requires_approval"`
	Reasoning        string   `json:"reasoning"`
	Factors          []string `json:"factors"`
}

// Field names whose presence in a mutation marks it financially sensitive.
var sensitiveFields = map[string]bool{
	"amount":  true,
	"rate":    true,
	"price":   true,
	"qty":     true,
	"account": true,
	"tax":     true,
	"payment": true,
	"credit":  true,
	"debit":   true,
}

// Entities whose submission moves money or finalizes ledger entries.
var sensitiveEntities = map[string]bool{
	"Payment Entry":    true,
	"Journal Entry":    true,
	"Sales Invoice":    true,
	"Purchase Invoice": true,
}

// Classify maps an invocation's factors to an Assessment. Rule precedence,
// first match wins on the level floor:
//
//  1. read operations are always low and never need approval
//  2. tools marked always-approve are high, approval always
//  3. batch size > 1 raises the floor to medium
//  4. mutating a submitted or cancelled document escalates one level
//  5. otherwise the operation type's default applies
func Classify(in Input) Assessment {
	if in.OperationType == OpRead {
		return Assessment{
			Level:            LevelLow,
			RequiresApproval: false,
			Reasoning:        "read-only operation, no side effects",
			Factors:          []string{"operation_type=read"},
		}
	}

	if in.AlwaysApprove {
		return Assessment{
			Level:            LevelHigh,
			RequiresApproval: true,
			Reasoning:        "tool is marked as always requiring approval (irreversible category)",
			Factors:          []string{"always_approve"},
		}
	}

	level, factors := baseLevel(in)

	if in.BatchSize > 1 {
		factors = append(factors, fmt.Sprintf("batch_size=%d", in.BatchSize))
		if level == LevelLow {
			level = LevelMedium
		}
	}

	if in.DocumentState == StateSubmitted || in.DocumentState == StateCancelled {
		factors = append(factors, "document_state="+string(in.DocumentState))
		level = escalate(level)
	}

	requires := level != LevelLow
	return Assessment{
		Level:            level,
		RequiresApproval: requires,
		Reasoning:        reasoning(in, level, requires),
		Factors:          factors,
	}
}

func baseLevel(in Input) (Level, []string) {
	factors := []string{"operation_type=" + string(in.OperationType)}

	switch in.OperationType {
	case OpCreate:
		if touched := sensitiveTouched(in.FieldsTouched); len(touched) > 0 {
			factors = append(factors, "sensitive_fields="+strings.Join(touched, ","))
			return LevelMedium, factors
		}
		return LevelLow, factors
	case OpUpdate:
		if touched := sensitiveTouched(in.FieldsTouched); len(touched) > 0 {
			factors = append(factors, "sensitive_fields="+strings.Join(touched, ","))
		}
		return LevelMedium, factors
	case OpDelete, OpCancel:
		return LevelHigh, factors
	case OpSubmit:
		if sensitiveEntities[in.TargetEntity] {
			factors = append(factors, "sensitive_entity="+in.TargetEntity)
			return LevelHigh, factors
		}
		return LevelMedium, factors
	case OpBulk:
		return LevelHigh, factors
	default:
		// Unknown operation types are treated as updates.
		return LevelMedium, factors
	}
}

func sensitiveTouched(fields []string) []string {
	var touched []string
	for _, f := range fields {
		name := strings.ToLower(f)
		for sensitive := range sensitiveFields {
			if strings.Contains(name, sensitive) {
				touched = append(touched, f)
				break
			}
		}
	}
	return touched
}

func escalate(l Level) Level {
	switch l {
	case LevelLow:
		return LevelMedium
	case LevelMedium:
		return LevelHigh
	default:
		return LevelHigh
	}
}

func reasoning(in Input, level Level, requires bool) string {
	target := in.TargetEntity
	if target == "" {
		target = "document"
	}
	if !requires {
		return fmt.Sprintf("%s on %s is %s risk, proceeding without approval", in.OperationType, target, level)
	}
	return fmt.Sprintf("%s on %s is %s risk, human approval required", in.OperationType, target, level)
}
