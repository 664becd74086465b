// Package detect classifies raw agent stage output into an interaction type.
//
// The detected type is computed at read time from the declared format hint
// and the output's JSON shape; it is never persisted, so an "auto" hint is
// re-derived on every read and an explicit hint stays authoritative.
package detect

import (
	"encoding/json"
	"strings"

	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// Type is the resolved interaction shape for a stage's output.
type Type string

const (
	TypeText                Type = "text"
	TypeOptions             Type = "options"
	TypeChecklist           Type = "checklist"
	TypeStructured          Type = "structured"
	TypeResearch            Type = "research"
	TypeFindings            Type = "findings"
	TypePlan                Type = "plan"
	TypePRPreparation       Type = "pr_preparation"
	TypePRReview            Type = "pr_review"
	TypeMerge               Type = "merge"
	TypeTaskSplitting       Type = "task_splitting"
	TypeInteractiveTerminal Type = "interactive_terminal"
)

// integrationFormats never reinterpret content: the stage's surface is fixed
// regardless of what the agent produced.
var integrationFormats = map[v1.OutputFormat]Type{
	v1.FormatMerge:               TypeMerge,
	v1.FormatPRReview:            TypePRReview,
	v1.FormatPRPreparation:       TypePRPreparation,
	v1.FormatInteractiveTerminal: TypeInteractiveTerminal,
}

// Detect classifies rawOutput under the given format hint.
// Pure and deterministic: the same inputs always produce the same Type.
func Detect(rawOutput string, hint v1.OutputFormat) Type {
	if t, ok := integrationFormats[hint]; ok {
		return t
	}
	if hint != "" && hint != v1.FormatAuto {
		return Type(hint)
	}

	obj := parseObject(rawOutput)
	if obj == nil {
		return TypeText
	}

	// Shape tests in priority order; first match wins. Specific shapes come
	// before generic ones so e.g. a findings payload that also carries
	// questions still detects as findings.
	if _, ok := obj["proposed_tasks"].([]interface{}); ok {
		return TypeTaskSplitting
	}
	if _, ok := obj["findings"].([]interface{}); ok {
		return TypeFindings
	}
	if _, ok := obj["research"].(string); ok {
		return TypeResearch
	}
	if _, ok := obj["plan"].(string); ok {
		return TypePlan
	}
	if _, ok := obj["options"].([]interface{}); ok {
		return TypeOptions
	}
	if questions, ok := obj["questions"].([]interface{}); ok && len(questions) > 0 {
		// An options field of any shape disables the questions rule; a
		// payload carrying both is an options surface, not open research
		if _, hasOptions := obj["options"]; !hasOptions {
			return TypeResearch
		}
	}
	if fields, ok := obj["fields"]; ok {
		if _, isArray := fields.([]interface{}); !isArray {
			if _, isObject := fields.(map[string]interface{}); isObject {
				return TypeStructured
			}
		}
	}
	if _, ok := obj["items"].([]interface{}); ok {
		return TypeChecklist
	}

	return TypeText
}

// HasOwnOutputAction reports whether the detected type renders its own
// completion control, so callers know whether to supply an external one.
//
// findings is two-phase: the type owns its action only while the payload is
// still the findings array (review phase). Once the same stage produces a
// free-text apply summary (fix phase) it behaves like text. The probe is the
// presence of the array, never the attempt count, because a redo can re-enter
// the review phase at a later attempt.
func HasOwnOutputAction(rawOutput string, hint v1.OutputFormat) bool {
	switch Detect(rawOutput, hint) {
	case TypeOptions, TypeChecklist, TypeStructured, TypeTaskSplitting:
		return true
	case TypeMerge, TypePRReview, TypePRPreparation, TypeInteractiveTerminal:
		return true
	case TypeFindings:
		obj := parseObject(rawOutput)
		if obj == nil {
			return false
		}
		_, ok := obj["findings"].([]interface{})
		return ok
	default:
		return false
	}
}

// parseObject returns the payload as a JSON object, or nil when rawOutput is
// not a non-null object.
func parseObject(raw string) map[string]interface{} {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return obj
}
