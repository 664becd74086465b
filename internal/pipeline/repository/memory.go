package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/stageflow/stageflow/internal/common/errors"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// MemoryRepository provides in-memory pipeline storage operations.
// Stored records are copied on the way in and out so callers never share
// mutable state with the store.
type MemoryRepository struct {
	tasks      map[string]*v1.Task
	templates  map[string]*v1.StageTemplate
	executions map[string]*v1.StageExecution
	mu         sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory pipeline repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:      make(map[string]*v1.Task),
		templates:  make(map[string]*v1.StageTemplate),
		executions: make(map[string]*v1.StageExecution),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Task operations

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	stored := *task
	r.tasks[task.ID] = &stored
	return nil
}

// GetTask retrieves a task by ID
func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	copied := *task
	return &copied, nil
}

// UpdateTask updates an existing task
func (r *MemoryRepository) UpdateTask(ctx context.Context, task *v1.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; !ok {
		return apperrors.NotFound("task", task.ID)
	}
	task.UpdatedAt = time.Now().UTC()
	stored := *task
	r.tasks[task.ID] = &stored
	return nil
}

// DeleteTask deletes a task by ID
func (r *MemoryRepository) DeleteTask(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(r.tasks, id)
	return nil
}

// ListTasks returns all tasks for a project, newest first
func (r *MemoryRepository) ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.Task
	for _, task := range r.tasks {
		if projectID == "" || task.ProjectID == projectID {
			copied := *task
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Stage template operations

// CreateTemplate creates a new stage template
func (r *MemoryRepository) CreateTemplate(ctx context.Context, tmpl *v1.StageTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	stored := *tmpl
	r.templates[tmpl.ID] = &stored
	return nil
}

// GetTemplate retrieves a stage template by ID
func (r *MemoryRepository) GetTemplate(ctx context.Context, id string) (*v1.StageTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, ok := r.templates[id]
	if !ok {
		return nil, apperrors.NotFound("stage template", id)
	}
	copied := *tmpl
	return &copied, nil
}

// UpdateTemplate updates an existing stage template
func (r *MemoryRepository) UpdateTemplate(ctx context.Context, tmpl *v1.StageTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[tmpl.ID]; !ok {
		return apperrors.NotFound("stage template", tmpl.ID)
	}
	tmpl.UpdatedAt = time.Now().UTC()
	stored := *tmpl
	r.templates[tmpl.ID] = &stored
	return nil
}

// DeleteTemplate deletes a stage template by ID
func (r *MemoryRepository) DeleteTemplate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[id]; !ok {
		return apperrors.NotFound("stage template", id)
	}
	delete(r.templates, id)
	return nil
}

// ListTemplates returns a project's templates ordered by sort_order
func (r *MemoryRepository) ListTemplates(ctx context.Context, projectID string) ([]*v1.StageTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.StageTemplate
	for _, tmpl := range r.templates {
		if projectID == "" || tmpl.ProjectID == projectID {
			copied := *tmpl
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SortOrder < result[j].SortOrder
	})
	return result, nil
}

// Stage execution operations

// CreateExecution creates a new stage execution
func (r *MemoryRepository) CreateExecution(ctx context.Context, exec *v1.StageExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Status == "" {
		exec.Status = v1.ExecutionStatusPending
	}
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	if exec.LastActivityAt.IsZero() {
		exec.LastActivityAt = now
	}

	stored := *exec
	r.executions[exec.ID] = &stored
	return nil
}

// GetExecution retrieves a stage execution by ID
func (r *MemoryRepository) GetExecution(ctx context.Context, id string) (*v1.StageExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executions[id]
	if !ok {
		return nil, apperrors.NotFound("stage execution", id)
	}
	copied := *exec
	return &copied, nil
}

// UpdateExecution updates an existing stage execution
func (r *MemoryRepository) UpdateExecution(ctx context.Context, exec *v1.StageExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executions[exec.ID]; !ok {
		return apperrors.NotFound("stage execution", exec.ID)
	}
	exec.UpdatedAt = time.Now().UTC()
	stored := *exec
	r.executions[exec.ID] = &stored
	return nil
}

// TouchExecution records streamed output on a running execution. Terminal
// and missing executions are left untouched.
func (r *MemoryRepository) TouchExecution(ctx context.Context, id, rawOutput, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok || exec.Status != v1.ExecutionStatusRunning {
		return nil
	}
	now := time.Now().UTC()
	exec.RawOutput = rawOutput
	exec.LastActivityAt = now
	exec.UpdatedAt = now
	if sessionID != "" {
		exec.SessionID = sessionID
	}
	return nil
}

// ListExecutions returns all executions for a task, oldest first
func (r *MemoryRepository) ListExecutions(ctx context.Context, taskID string) ([]*v1.StageExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.StageExecution
	for _, exec := range r.executions {
		if exec.TaskID == taskID {
			copied := *exec
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].AttemptNumber < result[j].AttemptNumber
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// LatestExecution returns the highest-attempt execution for a (task, template) pair
func (r *MemoryRepository) LatestExecution(ctx context.Context, taskID, templateID string) (*v1.StageExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *v1.StageExecution
	for _, exec := range r.executions {
		if exec.TaskID != taskID || exec.StageTemplateID != templateID {
			continue
		}
		if latest == nil || exec.AttemptNumber > latest.AttemptNumber {
			latest = exec
		}
	}
	if latest == nil {
		return nil, apperrors.NotFound("stage execution", taskID+"/"+templateID)
	}
	copied := *latest
	return &copied, nil
}

// CountAttempts returns the number of executions for a (task, template) pair
func (r *MemoryRepository) CountAttempts(ctx context.Context, taskID, templateID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, exec := range r.executions {
		if exec.TaskID == taskID && exec.StageTemplateID == templateID {
			count++
		}
	}
	return count, nil
}

// RunningExecutions returns all executions currently in the running state
func (r *MemoryRepository) RunningExecutions(ctx context.Context) ([]*v1.StageExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*v1.StageExecution
	for _, exec := range r.executions {
		if exec.Status == v1.ExecutionStatusRunning {
			copied := *exec
			result = append(result, &copied)
		}
	}
	return result, nil
}
