package api

import (
	"github.com/gin-gonic/gin"

	"github.com/stageflow/stageflow/internal/common/logger"
	"github.com/stageflow/stageflow/internal/events/bus"
	"github.com/stageflow/stageflow/internal/pipeline/engine"
	"github.com/stageflow/stageflow/internal/pipeline/repository"
)

// SetupRoutes configures the pipeline API routes
func SetupRoutes(router *gin.RouterGroup, repo repository.Repository, eng *engine.Engine, eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(repo, eng, eventBus, log)

	// Task routes
	tasks := router.Group("/tasks")
	{
		tasks.POST("", handler.CreateTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.DELETE("/:taskId", handler.DeleteTask)

		// Task sub-resources
		tasks.GET("/:taskId/executions", handler.ListExecutions)
		tasks.POST("/:taskId/stages/:templateId/start", handler.StartStage)
		tasks.POST("/:taskId/stages/:templateId/redo", handler.RedoStage)
	}

	// Stage template routes
	projects := router.Group("/projects")
	{
		projects.GET("/:projectId/templates", handler.ListTemplates)
	}
	templates := router.Group("/templates")
	{
		templates.PUT("/:templateId", handler.UpdateTemplate)
	}

	// Stage execution routes
	executions := router.Group("/executions")
	{
		executions.GET("/:executionId", handler.GetExecution)
		executions.POST("/:executionId/approve", handler.ApproveExecution)
		executions.POST("/:executionId/approve-stages", handler.ApproveExecutionStages)
		executions.POST("/:executionId/resubmit", handler.ResubmitExecution)
		executions.POST("/:executionId/fail", handler.FailExecution)
		executions.POST("/:executionId/abort", handler.AbortExecution)
	}
}
