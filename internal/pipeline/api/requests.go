// Package api provides HTTP handlers for the pipeline API.
package api

import v1 "github.com/stageflow/stageflow/pkg/api/v1"

// CreateTaskRequest for creating a task
type CreateTaskRequest struct {
	ProjectID        string `json:"project_id"`
	Title            string `json:"title" binding:"required"`
	Description      string `json:"description"`
	WorkingDirectory string `json:"working_directory"`
}

// UpdateTemplateRequest for editing a stage template
type UpdateTemplateRequest struct {
	Name              *string  `json:"name,omitempty"`
	SortOrder         *int     `json:"sort_order,omitempty"`
	PromptTemplate    *string  `json:"prompt_template,omitempty"`
	InputSource       *string  `json:"input_source,omitempty"`
	OutputFormat      *string  `json:"output_format,omitempty"`
	OutputSchema      *string  `json:"output_schema,omitempty"`
	GateRules         *string  `json:"gate_rules,omitempty"`
	RequiresUserInput *bool    `json:"requires_user_input,omitempty"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	Agent             *string  `json:"agent,omitempty"`
}

// StartStageRequest for starting or redoing a stage attempt
type StartStageRequest struct {
	UserInput string `json:"user_input"`
}

// ApproveRequest for approving an awaiting execution
type ApproveRequest struct {
	Decision string `json:"decision"`
}

// ApproveStagesRequest for the stage-selection decision
type ApproveStagesRequest struct {
	SelectedStageIDs   []string `json:"selected_stage_ids" binding:"required"`
	CompletionStrategy string   `json:"completion_strategy" binding:"required"`
}

// ResubmitRequest for sending answers back into an awaiting execution
type ResubmitRequest struct {
	UserInput string `json:"user_input" binding:"required"`
}

// FailRequest for a user-initiated failure
type FailRequest struct {
	Message string `json:"message"`
}

// TasksListResponse for listing tasks
type TasksListResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// TemplatesListResponse for listing stage templates
type TemplatesListResponse struct {
	Templates []*v1.StageTemplate `json:"templates"`
	Total     int                 `json:"total"`
}

// ExecutionsListResponse for listing a task's executions
type ExecutionsListResponse struct {
	Executions []*v1.StageExecution `json:"executions"`
	Total      int                  `json:"total"`
}
