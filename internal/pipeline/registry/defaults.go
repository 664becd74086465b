// Package registry seeds the default stage pipeline for new projects.
package registry

import (
	"context"

	"github.com/stageflow/stageflow/internal/pipeline/repository"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// DefaultTemplates returns the default stage pipeline in order
func DefaultTemplates() []*v1.StageTemplate {
	return []*v1.StageTemplate{
		{
			Name:      "Research",
			SortOrder: 1,
			PromptTemplate: `You are scoping a development task.

Task: {{task_description}}
{{#if user_input}}
Additional context from the user:
{{user_input}}
{{/if}}
{{#if prior_attempt_output}}
A previous research attempt produced:
{{prior_attempt_output}}

Improve on it rather than starting over.
{{/if}}

Investigate the codebase and summarize what is relevant to this task.
The pipeline stages available for this task are:
{{available_stages}}

Respond with a JSON object: {"research": "<markdown findings>", "summary": "<2-3 sentence summary>", "suggested_stages": ["<stage id>", ...]}`,
			InputSource:  v1.InputSourceBoth,
			OutputFormat: v1.FormatAuto,
			GateRules:    `{"type":"require_approval"}`,
			Agent:        "",
		},
		{
			Name:      "Approaches",
			SortOrder: 2,
			PromptTemplate: `Task: {{task_description}}

Research findings:
{{stages.Research.output}}

Propose 2-4 distinct implementation approaches. For each, state the
trade-offs in a sentence or two.

Respond with a JSON object: {"options": [{"id": "a", "title": "...", "description": "..."}], "summary": "<one line>"}`,
			InputSource:  v1.InputSourcePreviousStage,
			OutputFormat: v1.FormatOptions,
			GateRules:    `{"type":"require_selection","min":1,"max":1}`,
		},
		{
			Name:      "Plan",
			SortOrder: 3,
			PromptTemplate: `Task: {{task_description}}

{{stage_summaries}}

The user selected this approach: {{user_decision}}

Write a concrete implementation plan: ordered steps, files to touch, and
how to verify each step.

Respond with a JSON object: {"plan": "<markdown plan>", "summary": "<2-3 sentence summary>"}`,
			InputSource:  v1.InputSourcePreviousStage,
			OutputFormat: v1.FormatPlan,
			GateRules:    `{"type":"require_approval"}`,
		},
		{
			Name:      "Implementation",
			SortOrder: 4,
			PromptTemplate: `Task: {{task_description}}

Approved plan:
{{stages.Plan.output}}
{{#if prior_attempt_output}}
The previous implementation attempt ended with:
{{prior_attempt_output}}
{{/if}}

Implement the plan. Run the project's tests as you go. When done, describe
what changed and how it was verified.`,
			InputSource:  v1.InputSourcePreviousStage,
			OutputFormat: v1.FormatText,
			GateRules:    `{"type":"require_approval"}`,
		},
		{
			Name:      "Review",
			SortOrder: 5,
			PromptTemplate: `Review the changes made for this task.

Task: {{task_description}}

Implementation notes:
{{stages.Implementation.output}}

Inspect the diff for correctness, style, and missed edge cases.

Respond with a JSON object: {"findings": [{"id": "f1", "title": "...", "description": "...", "severity": "low|medium|high"}], "summary": "<one line>"}`,
			InputSource:  v1.InputSourcePreviousStage,
			OutputFormat: v1.FormatFindings,
			GateRules:    `{"type":"require_all_checked"}`,
		},
		{
			Name:      "PR Preparation",
			SortOrder: 6,
			PromptTemplate: `Prepare a pull request for this task.

Task: {{task_description}}

{{stage_summaries}}

Write the PR title and description.

Respond with a JSON object: {"fields": {"title": "...", "description": "..."}}`,
			InputSource:  v1.InputSourcePreviousStage,
			OutputFormat: v1.FormatPRPreparation,
			GateRules:    `{"type":"require_fields","fields":["title","description"]}`,
		},
		{
			Name:      "PR Review",
			SortOrder: 7,
			PromptTemplate: `Address outstanding review feedback on the pull request for:

{{task_description}}

{{#if user_input}}
Reviewer comments:
{{user_input}}
{{/if}}

Apply the requested changes and summarize what was done.`,
			InputSource:       v1.InputSourceBoth,
			OutputFormat:      v1.FormatPRReview,
			GateRules:         `{"type":"require_approval"}`,
			RequiresUserInput: true,
		},
		{
			Name:      "Merge",
			SortOrder: 8,
			PromptTemplate: `Merge the completed work for:

{{task_description}}

{{stage_summaries}}

Merge the branch, verify the result, and report the merge commit.`,
			InputSource:  v1.InputSourcePreviousStage,
			OutputFormat: v1.FormatMerge,
			GateRules:    `{"type":"require_approval"}`,
		},
	}
}

// EnsureDefaults seeds the default pipeline for a project that has no
// templates yet. Projects with existing templates are left untouched.
func EnsureDefaults(ctx context.Context, repo repository.Repository, projectID string) error {
	existing, err := repo.ListTemplates(ctx, projectID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, tmpl := range DefaultTemplates() {
		tmpl.ProjectID = projectID
		if err := repo.CreateTemplate(ctx, tmpl); err != nil {
			return err
		}
	}
	return nil
}
