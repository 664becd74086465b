package repository

import (
	"context"

	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// Repository defines the interface for pipeline storage operations
type Repository interface {
	// Task operations
	CreateTask(ctx context.Context, task *v1.Task) error
	GetTask(ctx context.Context, id string) (*v1.Task, error)
	UpdateTask(ctx context.Context, task *v1.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error)

	// Stage template operations
	CreateTemplate(ctx context.Context, tmpl *v1.StageTemplate) error
	GetTemplate(ctx context.Context, id string) (*v1.StageTemplate, error)
	UpdateTemplate(ctx context.Context, tmpl *v1.StageTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	// ListTemplates returns a project's templates ordered by sort_order.
	ListTemplates(ctx context.Context, projectID string) ([]*v1.StageTemplate, error)

	// Stage execution operations. Executions are append-mostly audit
	// history: there is no delete.
	CreateExecution(ctx context.Context, exec *v1.StageExecution) error
	GetExecution(ctx context.Context, id string) (*v1.StageExecution, error)
	UpdateExecution(ctx context.Context, exec *v1.StageExecution) error
	// TouchExecution records streamed output and activity on a running
	// execution. The write is conditional on the running status: touching
	// a terminal or missing execution is a no-op, so a late output line
	// can never overwrite a concurrent terminal transition.
	TouchExecution(ctx context.Context, id, rawOutput, sessionID string) error
	ListExecutions(ctx context.Context, taskID string) ([]*v1.StageExecution, error)
	// LatestExecution returns the highest-attempt execution for the
	// (task, template) pair, or a not-found error when none exists.
	LatestExecution(ctx context.Context, taskID, templateID string) (*v1.StageExecution, error)
	CountAttempts(ctx context.Context, taskID, templateID string) (int, error)
	// RunningExecutions returns all executions currently in the running
	// state, across all tasks.
	RunningExecutions(ctx context.Context) ([]*v1.StageExecution, error)

	// Close closes the repository (for database connections)
	Close() error
}
