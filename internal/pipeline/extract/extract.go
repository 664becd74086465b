// Package extract reduces raw streamed agent output to usable results.
//
// Agent CLIs emit heterogeneous line-delimited JSON dialects. Extraction runs
// an ordered chain of adapters, each attempting to locate the terminal
// structured payload; an adapter that fails passes through to the next.
// Adding support for another CLI family means adding one adapter.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/stageflow/stageflow/internal/pipeline/detect"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// summaryMaxLen bounds the summary carried into downstream stage prompts.
const summaryMaxLen = 500

// Adapter attempts to extract the terminal structured payload from raw
// output. ok is false when this dialect does not apply.
type Adapter interface {
	Name() string
	Extract(raw string) (map[string]interface{}, bool)
}

// defaultChain orders adapters from most to least specific.
var defaultChain = []Adapter{
	wholeTextAdapter{},
	resultEventAdapter{},
	agentMessageAdapter{},
	braceScanAdapter{},
}

// ExtractJSON runs the adapter chain and returns the first recovered JSON
// object, or nil when no valid object is recoverable.
func ExtractJSON(raw string) map[string]interface{} {
	for _, a := range defaultChain {
		if obj, ok := a.Extract(raw); ok {
			return obj
		}
	}
	return nil
}

// Result is the finalized interpretation of a stage attempt's raw output.
type Result struct {
	// Type is the detected interaction shape.
	Type detect.Type

	// Parsed is the recovered structured payload, nil for plain text.
	Parsed map[string]interface{}

	// ParsedJSON is the canonical re-marshaled payload, "" when Parsed is nil.
	ParsedJSON string

	// StageResult is the clean human-readable stage result.
	StageResult string

	// Summary is a short summary for downstream prompts.
	Summary string
}

// Finalize interprets the terminal raw output of a stage attempt.
// Parse failures are not errors: unrecoverable output passes through
// verbatim as text.
func Finalize(raw string, hint v1.OutputFormat) *Result {
	res := &Result{Type: detect.Detect(raw, hint)}

	if obj := ExtractJSON(raw); obj != nil {
		res.Parsed = obj
		if data, err := json.Marshal(obj); err == nil {
			res.ParsedJSON = string(data)
		}
		// Re-detect on the canonical payload: the raw stream may bury the
		// object in log lines the detector would read as text.
		if hint == "" || hint == v1.FormatAuto {
			res.Type = detect.Detect(res.ParsedJSON, hint)
		}
	}

	res.StageResult = stageResult(raw, res)
	res.Summary = summarize(res)
	return res
}

// stageResult picks the clean human-readable form of the output.
func stageResult(raw string, res *Result) string {
	if res.Parsed == nil {
		return strings.TrimSpace(raw)
	}

	// Narrative payloads read best as their text body
	if s, ok := res.Parsed["research"].(string); ok && res.Type == detect.TypeResearch {
		return strings.TrimSpace(s)
	}
	if s, ok := res.Parsed["plan"].(string); ok && res.Type == detect.TypePlan {
		return strings.TrimSpace(s)
	}

	// Interactive payloads keep their canonical JSON so renderers can
	// rebuild the form/checklist from it
	return res.ParsedJSON
}

// summarize produces the short summary threaded into later stage prompts.
func summarize(res *Result) string {
	if res.Parsed != nil {
		if s, ok := res.Parsed["summary"].(string); ok && strings.TrimSpace(s) != "" {
			return truncate(strings.TrimSpace(s), summaryMaxLen)
		}
	}
	return truncate(res.StageResult, summaryMaxLen)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// wholeTextAdapter parses the entire output as a single JSON object.
type wholeTextAdapter struct{}

func (wholeTextAdapter) Name() string { return "whole_text" }

func (wholeTextAdapter) Extract(raw string) (map[string]interface{}, bool) {
	return parseObject(strings.TrimSpace(raw))
}

// resultEventAdapter handles the stream-json dialect: line-delimited events
// where a "result" event carries the terminal payload in structured_output
// or result.
type resultEventAdapter struct{}

func (resultEventAdapter) Name() string { return "result_event" }

func (resultEventAdapter) Extract(raw string) (map[string]interface{}, bool) {
	for _, line := range strings.Split(raw, "\n") {
		event, ok := parseObject(strings.TrimSpace(line))
		if !ok {
			continue
		}
		if t, _ := event["type"].(string); t != "result" {
			continue
		}

		if obj, ok := event["structured_output"].(map[string]interface{}); ok {
			return obj, true
		}
		switch v := event["result"].(type) {
		case map[string]interface{}:
			return v, true
		case string:
			if obj, ok := parseObject(strings.TrimSpace(v)); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// agentMessageAdapter handles the exec-json dialect: the terminal payload is
// the last item.completed event whose item is an agent_message.
type agentMessageAdapter struct{}

func (agentMessageAdapter) Name() string { return "agent_message" }

func (agentMessageAdapter) Extract(raw string) (map[string]interface{}, bool) {
	var last string
	for _, line := range strings.Split(raw, "\n") {
		event, ok := parseObject(strings.TrimSpace(line))
		if !ok {
			continue
		}
		if t, _ := event["type"].(string); t != "item.completed" {
			continue
		}
		item, ok := event["item"].(map[string]interface{})
		if !ok {
			continue
		}
		if it, _ := item["type"].(string); it != "agent_message" {
			continue
		}
		if text, ok := item["text"].(string); ok {
			last = text
		}
	}

	if last == "" {
		return nil, false
	}
	return parseObject(strings.TrimSpace(last))
}

// braceScanAdapter is the fallback: scan the raw text for a balanced {...}
// object, greedy first (outermost braces), then lazily over each balanced
// candidate.
type braceScanAdapter struct{}

func (braceScanAdapter) Name() string { return "brace_scan" }

func (braceScanAdapter) Extract(raw string) (map[string]interface{}, bool) {
	first := strings.Index(raw, "{")
	last := strings.LastIndex(raw, "}")
	if first < 0 || last <= first {
		return nil, false
	}

	// Greedy: outermost braces
	if obj, ok := parseObject(raw[first : last+1]); ok {
		return obj, true
	}

	// Lazy: each balanced candidate in order
	for start := first; start >= 0 && start < len(raw); {
		end := balancedEnd(raw, start)
		if end > start {
			if obj, ok := parseObject(raw[start : end+1]); ok {
				return obj, true
			}
		}
		next := strings.Index(raw[start+1:], "{")
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return nil, false
}

// balancedEnd returns the index of the brace closing the object opened at
// start, respecting JSON string literals, or -1 when unbalanced.
func balancedEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseObject(s string) (map[string]interface{}, bool) {
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
