package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/chatsync/internal/common/logger"
	"github.com/kandev/chatsync/internal/orchestrator"
)

// SetupRoutes configures the delivery engine API routes
func SetupRoutes(router *gin.RouterGroup, service *orchestrator.Service, log *logger.Logger) {
	handler := NewHandler(service, log)

	router.GET("/status", handler.GetStatus)

	router.GET("/tasks", handler.ListTasks)
	router.POST("/tasks", handler.EnqueueTask)
	router.GET("/tasks/:taskId", handler.GetTask)
	router.DELETE("/tasks/:taskId", handler.CancelTask)

	router.POST("/messages", handler.SendMessage)
	router.POST("/uploads", handler.UploadMedia)

	conversations := router.Group("/conversations")
	{
		conversations.GET("", handler.ListConversations)
		conversations.GET("/:conversationId", handler.GetConversation)
		conversations.POST("/:conversationId/stop", handler.StopGeneration)
		conversations.POST("/:conversationId/reconcile", handler.Reconcile)
		conversations.POST("/:conversationId/title", handler.RegenerateTitle)
	}

	attachments := router.Group("/attachments")
	{
		attachments.GET("", handler.ListAttachments)
		attachments.GET("/:attachmentId", handler.GetAttachment)
		attachments.POST("/:attachmentId/retry", handler.RetryAttachment)
		attachments.POST("/:attachmentId/cancel", handler.CancelAttachment)
		attachments.DELETE("/:attachmentId", handler.RemoveAttachment)
	}

	lifecycle := router.Group("/lifecycle")
	{
		lifecycle.POST("/background", handler.EnterBackground)
		lifecycle.POST("/foreground", handler.EnterForeground)
	}
}

// NewRouter builds a gin engine with the standard middleware chain and the
// API mounted under /api/v1.
func NewRouter(service *orchestrator.Service, log *logger.Logger, requestsPerSecond int) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), Tracing(), CORS(), ErrorHandler(log))
	if requestsPerSecond > 0 {
		router.Use(RateLimit(requestsPerSecond))
	}
	SetupRoutes(router.Group("/api/v1"), service, log)
	return router
}
