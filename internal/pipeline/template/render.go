// Package template renders stage prompt templates.
//
// Templates use a small placeholder language: {{variable}} substitution,
// dotted stage lookups ({{stages.<Name>.output}}, {{stages.<Name>.summary}})
// and conditional blocks {{#if var}}...{{else}}...{{/if}}. Rendering never
// fails: unknown placeholders are left in place, a {{#if}} without a matching
// {{/if}} renders literally from the opening token onward.
package template

import (
	"regexp"
	"strings"
)

// noPreviousOutput is substituted for the legacy {{previous_output}}
// placeholder when no previous stage output exists.
const noPreviousOutput = "(no previous output)"

// StageIO carries one completed stage's output and summary, keyed by the
// stage template name in Context.Stages.
type StageIO struct {
	Name    string
	Output  string
	Summary string
}

// Context carries everything a stage prompt can reference.
// Stages must be in pipeline order; {{stage_summaries}} and
// {{previous_output}} depend on it.
type Context struct {
	TaskDescription    string
	UserInput          string
	UserDecision       string
	PriorAttemptOutput string
	Stages             []StageIO
	AllStageOutputs    string
	AvailableStages    string
}

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Render substitutes the context into the template and returns the trimmed
// result. It never returns an error; malformed templates degrade to literal
// text.
func Render(tmpl string, ctx *Context) string {
	if ctx == nil {
		ctx = &Context{}
	}
	out := renderBlocks(tmpl, ctx)
	out = substituteVars(out, ctx)
	return strings.TrimSpace(out)
}

// renderBlocks resolves {{#if}}/{{else}}/{{/if}} blocks, keeping only the
// active branch. Nested blocks are handled recursively.
func renderBlocks(tmpl string, ctx *Context) string {
	var b strings.Builder
	rest := tmpl

	for {
		start := strings.Index(rest, "{{#if ")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}

		b.WriteString(rest[:start])
		after := rest[start:]

		nameEnd := strings.Index(after, "}}")
		if nameEnd < 0 {
			// Unterminated opening token: render literally
			b.WriteString(after)
			return b.String()
		}
		varName := strings.TrimSpace(after[len("{{#if "):nameEnd])
		body := after[nameEnd+2:]

		thenPart, elsePart, tail, ok := splitConditional(body)
		if !ok {
			// No matching {{/if}}: render the rest literally
			b.WriteString(after)
			return b.String()
		}

		value, _ := lookup(varName, ctx)
		if value != "" {
			b.WriteString(renderBlocks(thenPart, ctx))
		} else {
			b.WriteString(renderBlocks(elsePart, ctx))
		}
		rest = tail
	}
}

// splitConditional splits a conditional body into its branches.
// body starts just after the opening {{#if var}} token; the returned tail is
// everything after the matching {{/if}}. ok is false when no matching
// {{/if}} exists at this nesting level.
func splitConditional(body string) (thenPart, elsePart, tail string, ok bool) {
	depth := 0
	elseAt := -1

	for i := 0; i < len(body); {
		switch {
		case strings.HasPrefix(body[i:], "{{#if "):
			depth++
			i += len("{{#if ")
		case strings.HasPrefix(body[i:], "{{/if}}"):
			if depth == 0 {
				thenPart = body[:i]
				if elseAt >= 0 {
					elsePart = thenPart[elseAt+len("{{else}}"):]
					thenPart = thenPart[:elseAt]
				}
				return thenPart, elsePart, body[i+len("{{/if}}"):], true
			}
			depth--
			i += len("{{/if}}")
		case strings.HasPrefix(body[i:], "{{else}}"):
			if depth == 0 && elseAt < 0 {
				elseAt = i
			}
			i += len("{{else}}")
		default:
			i++
		}
	}
	return "", "", "", false
}

// substituteVars replaces known {{placeholder}} tokens. Unknown tokens are
// kept verbatim so template typos are visible in the rendered prompt.
func substituteVars(s string, ctx *Context) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if name == "" || strings.HasPrefix(name, "#") || strings.HasPrefix(name, "/") || name == "else" {
			return match
		}

		value, known := lookup(name, ctx)
		if !known {
			return match
		}
		if name == "previous_output" && value == "" {
			return noPreviousOutput
		}
		return value
	})
}

// lookup resolves a placeholder name to its raw context value.
// known is false only for names outside the template contract; a known name
// with no value resolves to the empty string.
func lookup(name string, ctx *Context) (value string, known bool) {
	switch name {
	case "task_description":
		return ctx.TaskDescription, true
	case "user_input":
		return ctx.UserInput, true
	case "user_decision":
		return ctx.UserDecision, true
	case "prior_attempt_output":
		return ctx.PriorAttemptOutput, true
	case "all_stage_outputs":
		return ctx.AllStageOutputs, true
	case "available_stages":
		return ctx.AvailableStages, true
	case "stage_summaries":
		return ctx.stageSummaries(), true
	case "previous_output":
		return ctx.previousOutput(), true
	}

	if rest, hasPrefix := strings.CutPrefix(name, "stages."); hasPrefix {
		// Stage names may themselves contain dots; the field is whatever
		// follows the last one.
		idx := strings.LastIndex(rest, ".")
		if idx < 0 {
			return "", true
		}
		stageName, field := rest[:idx], rest[idx+1:]
		for _, st := range ctx.Stages {
			if st.Name != stageName {
				continue
			}
			switch field {
			case "output":
				return st.Output, true
			case "summary":
				return st.Summary, true
			}
			return "", true
		}
		// Unknown stage resolves to empty, not an error
		return "", true
	}

	return "", false
}

// previousOutput returns the most recent completed stage's output, the value
// behind the legacy {{previous_output}} placeholder.
func (c *Context) previousOutput() string {
	for i := len(c.Stages) - 1; i >= 0; i-- {
		if c.Stages[i].Output != "" {
			return c.Stages[i].Output
		}
	}
	return ""
}

// stageSummaries formats the per-stage summaries in pipeline order.
func (c *Context) stageSummaries() string {
	var parts []string
	for _, st := range c.Stages {
		if st.Summary == "" {
			continue
		}
		parts = append(parts, "## "+st.Name+"\n"+st.Summary)
	}
	return strings.Join(parts, "\n\n")
}
