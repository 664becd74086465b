package v1

import "time"

// TaskStatus represents the overall status of a pipeline task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ExecutionStatus represents the status of one stage attempt
type ExecutionStatus string

const (
	ExecutionStatusPending      ExecutionStatus = "pending"
	ExecutionStatusRunning      ExecutionStatus = "running"
	ExecutionStatusAwaitingUser ExecutionStatus = "awaiting_user"
	ExecutionStatusApproved     ExecutionStatus = "approved"
	ExecutionStatusFailed       ExecutionStatus = "failed"
)

// IsTerminal reports whether the execution has reached a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusApproved || s == ExecutionStatusFailed
}

// InputSource declares where a stage's prompt input comes from
type InputSource string

const (
	InputSourceUser          InputSource = "user"
	InputSourcePreviousStage InputSource = "previous_stage"
	InputSourceBoth          InputSource = "both"
)

// OutputFormat is the declared format hint on a stage template.
// "auto" defers classification to the output detector at read time.
type OutputFormat string

const (
	FormatAuto                OutputFormat = "auto"
	FormatText                OutputFormat = "text"
	FormatOptions             OutputFormat = "options"
	FormatChecklist           OutputFormat = "checklist"
	FormatStructured          OutputFormat = "structured"
	FormatResearch            OutputFormat = "research"
	FormatFindings            OutputFormat = "findings"
	FormatPlan                OutputFormat = "plan"
	FormatPRPreparation       OutputFormat = "pr_preparation"
	FormatPRReview            OutputFormat = "pr_review"
	FormatMerge               OutputFormat = "merge"
	FormatTaskSplitting       OutputFormat = "task_splitting"
	FormatInteractiveTerminal OutputFormat = "interactive_terminal"
)

// CompletionStrategy gates which finishing stages participate in a task's run
type CompletionStrategy string

const (
	CompletionStrategyPR          CompletionStrategy = "pr"
	CompletionStrategyDirectMerge CompletionStrategy = "direct_merge"
	CompletionStrategyNone        CompletionStrategy = "none"
)

// StageTemplate defines one templated step of the pipeline.
// Templates are immutable per version: the execution engine never mutates
// them, only the template editor does.
type StageTemplate struct {
	ID                string       `json:"id"`
	ProjectID         string       `json:"project_id"`
	Name              string       `json:"name"`
	SortOrder         int          `json:"sort_order"`
	PromptTemplate    string       `json:"prompt_template"`
	InputSource       InputSource  `json:"input_source"`
	OutputFormat      OutputFormat `json:"output_format"`
	OutputSchema      string       `json:"output_schema,omitempty"`
	GateRules         string       `json:"gate_rules,omitempty"`
	RequiresUserInput bool         `json:"requires_user_input"`
	AllowedTools      []string     `json:"allowed_tools,omitempty"`
	Agent             string       `json:"agent"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Task is a unit of work advanced through the stage pipeline
type Task struct {
	ID                 string             `json:"id"`
	ProjectID          string             `json:"project_id"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	CurrentStageID     string             `json:"current_stage_id,omitempty"`
	Status             TaskStatus         `json:"status"`
	SelectedStageIDs   []string           `json:"selected_stage_ids,omitempty"`
	CompletionStrategy CompletionStrategy `json:"completion_strategy,omitempty"`
	WorkingDirectory   string             `json:"working_directory,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// StageExecution is one attempt of one stage template for one task.
// Executions are audit history: they are never deleted, and for a given
// (task, template) pair at most one may be running or awaiting_user.
type StageExecution struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	StageTemplateID string          `json:"stage_template_id"`
	AttemptNumber   int             `json:"attempt_number"`
	Status          ExecutionStatus `json:"status"`
	InputPrompt     string          `json:"input_prompt,omitempty"`
	UserInput       string          `json:"user_input,omitempty"`
	RawOutput       string          `json:"raw_output,omitempty"`
	ParsedOutput    string          `json:"parsed_output,omitempty"`
	StageResult     string          `json:"stage_result,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	UserDecision    string          `json:"user_decision,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ProcessID       string          `json:"process_id,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
