package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/stageflow/stageflow/internal/common/errors"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// SQLiteRepository provides SQLite-based pipeline storage operations
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	// Initialize schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT DEFAULT '',
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		current_stage_id TEXT DEFAULT '',
		status TEXT DEFAULT 'pending',
		selected_stage_ids TEXT DEFAULT '[]',
		completion_strategy TEXT DEFAULT '',
		working_directory TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_templates (
		id TEXT PRIMARY KEY,
		project_id TEXT DEFAULT '',
		name TEXT NOT NULL,
		sort_order INTEGER DEFAULT 0,
		prompt_template TEXT DEFAULT '',
		input_source TEXT DEFAULT 'previous_stage',
		output_format TEXT DEFAULT 'auto',
		output_schema TEXT DEFAULT '',
		gate_rules TEXT DEFAULT '',
		requires_user_input INTEGER DEFAULT 0,
		allowed_tools TEXT DEFAULT '[]',
		agent TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stage_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		stage_template_id TEXT NOT NULL,
		attempt_number INTEGER DEFAULT 1,
		status TEXT DEFAULT 'pending',
		input_prompt TEXT DEFAULT '',
		user_input TEXT DEFAULT '',
		raw_output TEXT DEFAULT '',
		parsed_output TEXT DEFAULT '',
		stage_result TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		user_decision TEXT DEFAULT '',
		session_id TEXT DEFAULT '',
		process_id TEXT DEFAULT '',
		error_message TEXT DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		last_activity_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_templates_project_id ON stage_templates(project_id);
	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON stage_executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_task_template ON stage_executions(task_id, stage_template_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON stage_executions(status);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Task operations

// CreateTask creates a new task
func (r *SQLiteRepository) CreateTask(ctx context.Context, task *v1.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	selected, err := json.Marshal(task.SelectedStageIDs)
	if err != nil {
		selected = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, current_stage_id, status, selected_stage_ids, completion_strategy, working_directory, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.ProjectID, task.Title, task.Description, task.CurrentStageID, task.Status, string(selected), task.CompletionStrategy, task.WorkingDirectory, task.CreatedAt, task.UpdatedAt)

	return err
}

// GetTask retrieves a task by ID
func (r *SQLiteRepository) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	task := &v1.Task{}
	var selected string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, current_stage_id, status, selected_stage_ids, completion_strategy, working_directory, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id).Scan(&task.ID, &task.ProjectID, &task.Title, &task.Description, &task.CurrentStageID, &task.Status, &selected, &task.CompletionStrategy, &task.WorkingDirectory, &task.CreatedAt, &task.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(selected), &task.SelectedStageIDs)
	return task, nil
}

// UpdateTask updates an existing task
func (r *SQLiteRepository) UpdateTask(ctx context.Context, task *v1.Task) error {
	task.UpdatedAt = time.Now().UTC()

	selected, err := json.Marshal(task.SelectedStageIDs)
	if err != nil {
		selected = []byte("[]")
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET project_id = ?, title = ?, description = ?, current_stage_id = ?, status = ?, selected_stage_ids = ?, completion_strategy = ?, working_directory = ?, updated_at = ?
		WHERE id = ?
	`, task.ProjectID, task.Title, task.Description, task.CurrentStageID, task.Status, string(selected), task.CompletionStrategy, task.WorkingDirectory, task.UpdatedAt, task.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", task.ID)
	}
	return nil
}

// DeleteTask deletes a task by ID
func (r *SQLiteRepository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

// ListTasks returns all tasks for a project, newest first
func (r *SQLiteRepository) ListTasks(ctx context.Context, projectID string) ([]*v1.Task, error) {
	query := `
		SELECT id, project_id, title, description, current_stage_id, status, selected_stage_ids, completion_strategy, working_directory, created_at, updated_at
		FROM tasks`
	args := []interface{}{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.Task
	for rows.Next() {
		task := &v1.Task{}
		var selected string
		err := rows.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Description, &task.CurrentStageID, &task.Status, &selected, &task.CompletionStrategy, &task.WorkingDirectory, &task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(selected), &task.SelectedStageIDs)
		result = append(result, task)
	}
	return result, rows.Err()
}

// Stage template operations

// CreateTemplate creates a new stage template
func (r *SQLiteRepository) CreateTemplate(ctx context.Context, tmpl *v1.StageTemplate) error {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now

	tools, err := json.Marshal(tmpl.AllowedTools)
	if err != nil {
		tools = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO stage_templates (id, project_id, name, sort_order, prompt_template, input_source, output_format, output_schema, gate_rules, requires_user_input, allowed_tools, agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tmpl.ID, tmpl.ProjectID, tmpl.Name, tmpl.SortOrder, tmpl.PromptTemplate, tmpl.InputSource, tmpl.OutputFormat, tmpl.OutputSchema, tmpl.GateRules, tmpl.RequiresUserInput, string(tools), tmpl.Agent, tmpl.CreatedAt, tmpl.UpdatedAt)

	return err
}

// GetTemplate retrieves a stage template by ID
func (r *SQLiteRepository) GetTemplate(ctx context.Context, id string) (*v1.StageTemplate, error) {
	tmpl := &v1.StageTemplate{}
	var tools string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, sort_order, prompt_template, input_source, output_format, output_schema, gate_rules, requires_user_input, allowed_tools, agent, created_at, updated_at
		FROM stage_templates WHERE id = ?
	`, id).Scan(&tmpl.ID, &tmpl.ProjectID, &tmpl.Name, &tmpl.SortOrder, &tmpl.PromptTemplate, &tmpl.InputSource, &tmpl.OutputFormat, &tmpl.OutputSchema, &tmpl.GateRules, &tmpl.RequiresUserInput, &tools, &tmpl.Agent, &tmpl.CreatedAt, &tmpl.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("stage template", id)
	}
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(tools), &tmpl.AllowedTools)
	return tmpl, nil
}

// UpdateTemplate updates an existing stage template
func (r *SQLiteRepository) UpdateTemplate(ctx context.Context, tmpl *v1.StageTemplate) error {
	tmpl.UpdatedAt = time.Now().UTC()

	tools, err := json.Marshal(tmpl.AllowedTools)
	if err != nil {
		tools = []byte("[]")
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE stage_templates SET project_id = ?, name = ?, sort_order = ?, prompt_template = ?, input_source = ?, output_format = ?, output_schema = ?, gate_rules = ?, requires_user_input = ?, allowed_tools = ?, agent = ?, updated_at = ?
		WHERE id = ?
	`, tmpl.ProjectID, tmpl.Name, tmpl.SortOrder, tmpl.PromptTemplate, tmpl.InputSource, tmpl.OutputFormat, tmpl.OutputSchema, tmpl.GateRules, tmpl.RequiresUserInput, string(tools), tmpl.Agent, tmpl.UpdatedAt, tmpl.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("stage template", tmpl.ID)
	}
	return nil
}

// DeleteTemplate deletes a stage template by ID
func (r *SQLiteRepository) DeleteTemplate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stage_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("stage template", id)
	}
	return nil
}

// ListTemplates returns a project's templates ordered by sort_order
func (r *SQLiteRepository) ListTemplates(ctx context.Context, projectID string) ([]*v1.StageTemplate, error) {
	query := `
		SELECT id, project_id, name, sort_order, prompt_template, input_source, output_format, output_schema, gate_rules, requires_user_input, allowed_tools, agent, created_at, updated_at
		FROM stage_templates`
	args := []interface{}{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY sort_order`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*v1.StageTemplate
	for rows.Next() {
		tmpl := &v1.StageTemplate{}
		var tools string
		err := rows.Scan(&tmpl.ID, &tmpl.ProjectID, &tmpl.Name, &tmpl.SortOrder, &tmpl.PromptTemplate, &tmpl.InputSource, &tmpl.OutputFormat, &tmpl.OutputSchema, &tmpl.GateRules, &tmpl.RequiresUserInput, &tools, &tmpl.Agent, &tmpl.CreatedAt, &tmpl.UpdatedAt)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(tools), &tmpl.AllowedTools)
		result = append(result, tmpl)
	}
	return result, rows.Err()
}

// Stage execution operations

const executionColumns = `id, task_id, stage_template_id, attempt_number, status, input_prompt, user_input, raw_output, parsed_output, stage_result, summary, user_decision, session_id, process_id, error_message, started_at, completed_at, last_activity_at, created_at, updated_at`

// CreateExecution creates a new stage execution
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *v1.StageExecution) error {
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

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stage_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.ID, exec.TaskID, exec.StageTemplateID, exec.AttemptNumber, exec.Status, exec.InputPrompt, exec.UserInput, exec.RawOutput, exec.ParsedOutput, exec.StageResult, exec.Summary, exec.UserDecision, exec.SessionID, exec.ProcessID, exec.ErrorMessage, exec.StartedAt, exec.CompletedAt, exec.LastActivityAt, exec.CreatedAt, exec.UpdatedAt)

	return err
}

// GetExecution retrieves a stage execution by ID
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*v1.StageExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM stage_executions WHERE id = ?
	`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("stage execution", id)
	}
	return exec, err
}

// UpdateExecution updates an existing stage execution
func (r *SQLiteRepository) UpdateExecution(ctx context.Context, exec *v1.StageExecution) error {
	exec.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE stage_executions SET status = ?, input_prompt = ?, user_input = ?, raw_output = ?, parsed_output = ?, stage_result = ?, summary = ?, user_decision = ?, session_id = ?, process_id = ?, error_message = ?, started_at = ?, completed_at = ?, last_activity_at = ?, updated_at = ?
		WHERE id = ?
	`, exec.Status, exec.InputPrompt, exec.UserInput, exec.RawOutput, exec.ParsedOutput, exec.StageResult, exec.Summary, exec.UserDecision, exec.SessionID, exec.ProcessID, exec.ErrorMessage, exec.StartedAt, exec.CompletedAt, exec.LastActivityAt, exec.UpdatedAt, exec.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("stage execution", exec.ID)
	}
	return nil
}

// TouchExecution records streamed output on a running execution. The status
// guard in the WHERE clause makes the write a no-op for terminal and missing
// executions.
func (r *SQLiteRepository) TouchExecution(ctx context.Context, id, rawOutput, sessionID string) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE stage_executions
		SET raw_output = ?, session_id = CASE WHEN ? = '' THEN session_id ELSE ? END, last_activity_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, rawOutput, sessionID, sessionID, now, now, id, v1.ExecutionStatusRunning)
	return err
}

// ListExecutions returns all executions for a task, oldest first
func (r *SQLiteRepository) ListExecutions(ctx context.Context, taskID string) ([]*v1.StageExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM stage_executions
		WHERE task_id = ? ORDER BY created_at, attempt_number
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// LatestExecution returns the highest-attempt execution for a (task, template) pair
func (r *SQLiteRepository) LatestExecution(ctx context.Context, taskID, templateID string) (*v1.StageExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM stage_executions
		WHERE task_id = ? AND stage_template_id = ?
		ORDER BY attempt_number DESC LIMIT 1
	`, taskID, templateID)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("stage execution", taskID+"/"+templateID)
	}
	return exec, err
}

// CountAttempts returns the number of executions for a (task, template) pair
func (r *SQLiteRepository) CountAttempts(ctx context.Context, taskID, templateID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stage_executions WHERE task_id = ? AND stage_template_id = ?
	`, taskID, templateID).Scan(&count)
	return count, err
}

// RunningExecutions returns all executions currently in the running state
func (r *SQLiteRepository) RunningExecutions(ctx context.Context) ([]*v1.StageExecution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM stage_executions WHERE status = ?
	`, v1.ExecutionStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanExecution scans a single execution row
func scanExecution(row rowScanner) (*v1.StageExecution, error) {
	exec := &v1.StageExecution{}
	err := row.Scan(&exec.ID, &exec.TaskID, &exec.StageTemplateID, &exec.AttemptNumber, &exec.Status, &exec.InputPrompt, &exec.UserInput, &exec.RawOutput, &exec.ParsedOutput, &exec.StageResult, &exec.Summary, &exec.UserDecision, &exec.SessionID, &exec.ProcessID, &exec.ErrorMessage, &exec.StartedAt, &exec.CompletedAt, &exec.LastActivityAt, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// scanExecutions scans multiple execution rows
func scanExecutions(rows *sql.Rows) ([]*v1.StageExecution, error) {
	var result []*v1.StageExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}
