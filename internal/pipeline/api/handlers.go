package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stageflow/stageflow/internal/common/errors"
	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/events"
	"github.com/stageflow/stageflow/internal/events/bus"
	"github.com/stageflow/stageflow/internal/pipeline/engine"
	"github.com/stageflow/stageflow/internal/pipeline/registry"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
	v1 "github.com/stageflow/stageflow/pkg/api/v1"
)

// Handler contains HTTP handlers for the pipeline API
type Handler struct {
	repo   repository.Repository
	engine *engine.Engine
	bus    bus.EventBus
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(repo repository.Repository, eng *engine.Engine, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		repo:   repo,
		engine: eng,
		bus:    eventBus,
		logger: log,
	}
}

// respondError writes an error response, preserving AppError codes and
// wrapping anything else as internal
func respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	if appErr, ok := err.(*errors.AppError); ok {
		c.JSON(status, appErr)
		return
	}
	c.JSON(status, errors.InternalError("internal error", err))
}

// Task endpoints

// CreateTask creates a new task and seeds the project's default pipeline
// when it has no templates yet
// POST /api/v1/tasks
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = "default"
	}

	if err := registry.EnsureDefaults(c.Request.Context(), h.repo, req.ProjectID); err != nil {
		h.logger.Error("failed to seed default templates", zap.Error(err))
		respondError(c, err)
		return
	}

	task := &v1.Task{
		ProjectID:        req.ProjectID,
		Title:            req.Title,
		Description:      req.Description,
		WorkingDirectory: req.WorkingDirectory,
	}
	if err := h.repo.CreateTask(c.Request.Context(), task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		respondError(c, err)
		return
	}

	if h.bus != nil {
		event := bus.NewEvent(events.TaskCreated, "api", map[string]interface{}{"task_id": task.ID})
		if err := h.bus.Publish(c.Request.Context(), events.TaskCreated, event); err != nil {
			h.logger.Warn("failed to publish task created event", zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, task)
}

// GetTask retrieves a task by ID
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.repo.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// ListTasks returns tasks, optionally filtered by project
// GET /api/v1/tasks?project_id=...
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.repo.ListTasks(c.Request.Context(), c.Query("project_id"))
	if err != nil {
		h.logger.Error("failed to list tasks", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TasksListResponse{Tasks: tasks, Total: len(tasks)})
}

// DeleteTask deletes a task and its execution history
// DELETE /api/v1/tasks/:taskId
func (h *Handler) DeleteTask(c *gin.Context) {
	if err := h.repo.DeleteTask(c.Request.Context(), c.Param("taskId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Stage template endpoints

// ListTemplates returns a project's pipeline in order
// GET /api/v1/projects/:projectId/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	templates, err := h.repo.ListTemplates(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TemplatesListResponse{Templates: templates, Total: len(templates)})
}

// UpdateTemplate edits a stage template. This is the only mutation path for
// templates; the execution engine never touches them.
// PUT /api/v1/templates/:templateId
func (h *Handler) UpdateTemplate(c *gin.Context) {
	var req UpdateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	tmpl, err := h.repo.GetTemplate(c.Request.Context(), c.Param("templateId"))
	if err != nil {
		respondError(c, err)
		return
	}

	if req.Name != nil {
		tmpl.Name = *req.Name
	}
	if req.SortOrder != nil {
		tmpl.SortOrder = *req.SortOrder
	}
	if req.PromptTemplate != nil {
		tmpl.PromptTemplate = *req.PromptTemplate
	}
	if req.InputSource != nil {
		tmpl.InputSource = v1.InputSource(*req.InputSource)
	}
	if req.OutputFormat != nil {
		tmpl.OutputFormat = v1.OutputFormat(*req.OutputFormat)
	}
	if req.OutputSchema != nil {
		tmpl.OutputSchema = *req.OutputSchema
	}
	if req.GateRules != nil {
		tmpl.GateRules = *req.GateRules
	}
	if req.RequiresUserInput != nil {
		tmpl.RequiresUserInput = *req.RequiresUserInput
	}
	if req.AllowedTools != nil {
		tmpl.AllowedTools = req.AllowedTools
	}
	if req.Agent != nil {
		tmpl.Agent = *req.Agent
	}

	if err := h.repo.UpdateTemplate(c.Request.Context(), tmpl); err != nil {
		h.logger.Error("failed to update template",
			zap.String("template_id", tmpl.ID), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

// Stage execution endpoints

// StartStage begins a new attempt of a stage
// POST /api/v1/tasks/:taskId/stages/:templateId/start
func (h *Handler) StartStage(c *gin.Context) {
	var req StartStageRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	exec, err := h.engine.StartStage(c.Request.Context(), c.Param("taskId"), c.Param("templateId"), req.UserInput)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// RedoStage runs another attempt of a stage whose latest attempt is terminal
// POST /api/v1/tasks/:taskId/stages/:templateId/redo
func (h *Handler) RedoStage(c *gin.Context) {
	var req StartStageRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	exec, err := h.engine.Redo(c.Request.Context(), c.Param("taskId"), c.Param("templateId"), req.UserInput)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, exec)
}

// ListExecutions returns a task's execution history, oldest first
// GET /api/v1/tasks/:taskId/executions
func (h *Handler) ListExecutions(c *gin.Context) {
	executions, err := h.repo.ListExecutions(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.logger.Error("failed to list executions", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ExecutionsListResponse{Executions: executions, Total: len(executions)})
}

// GetExecution retrieves one execution
// GET /api/v1/executions/:executionId
func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.repo.GetExecution(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ApproveExecution records a gate decision
// POST /api/v1/executions/:executionId/approve
func (h *Handler) ApproveExecution(c *gin.Context) {
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	exec, err := h.engine.Approve(c.Request.Context(), c.Param("executionId"), req.Decision)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ApproveExecutionStages records the stage-selection decision
// POST /api/v1/executions/:executionId/approve-stages
func (h *Handler) ApproveExecutionStages(c *gin.Context) {
	var req ApproveStagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	exec, err := h.engine.ApproveWithStages(c.Request.Context(), c.Param("executionId"),
		req.SelectedStageIDs, v1.CompletionStrategy(req.CompletionStrategy))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// ResubmitExecution sends user answers back into an awaiting execution
// POST /api/v1/executions/:executionId/resubmit
func (h *Handler) ResubmitExecution(c *gin.Context) {
	var req ResubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	exec, err := h.engine.Resubmit(c.Request.Context(), c.Param("executionId"), req.UserInput)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// FailExecution records a user-initiated failure
// POST /api/v1/executions/:executionId/fail
func (h *Handler) FailExecution(c *gin.Context) {
	var req FailRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	if req.Message == "" {
		req.Message = "Failed by user"
	}

	exec, err := h.engine.Fail(c.Request.Context(), c.Param("executionId"), req.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// AbortExecution kills the live agent process and fails the execution
// POST /api/v1/executions/:executionId/abort
func (h *Handler) AbortExecution(c *gin.Context) {
	exec, err := h.engine.Abort(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
