package streaming

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stageflow/stageflow/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// WSHandler handles WebSocket connections
type WSHandler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// StreamTask handles WebSocket connection for a specific task
// WS /api/v1/tasks/:taskId/stream
func (h *WSHandler) StreamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "MISSING_TASK_ID",
				"message": "Task ID is required",
			},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established for task",
		zap.String("client_id", clientID),
		zap.String("task_id", taskID),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)

	// Register client with hub first
	h.hub.Register(client)

	// Subscribe client to the specific task
	client.Subscribe(taskID)

	go client.WritePump()
	go client.ReadPump()
}

// StreamAll handles WebSocket connection for all tasks (with subscription)
// WS /api/v1/stream
func (h *WSHandler) StreamAll(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Info("WebSocket connection established for all tasks",
		zap.String("client_id", clientID),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	// The ReadPump handles subscription messages from the client
	go client.WritePump()
	go client.ReadPump()
}

// SetupWebSocketRoutes adds WebSocket routes to the router
func SetupWebSocketRoutes(router *gin.RouterGroup, handler *WSHandler) {
	// Stream for a specific task
	router.GET("/tasks/:taskId/stream", handler.StreamTask)

	// Stream for all tasks (with dynamic subscription)
	router.GET("/stream", handler.StreamAll)
}
