package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edisys/edigw/internal/gateway/websocket"
)

// SetupRoutes configures the gateway routes. Signed routes authenticate in
// their handlers because the signature covers the parsed body.
func SetupRoutes(router *gin.Engine, handler *Handler, wsHandler *websocket.Handler) {
	// Read-only surface
	router.GET("/health", handler.Health)
	router.GET("/tasks", handler.ListTasks)
	router.GET("/thread/:id", handler.GetThread)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Task event stream
	router.GET("/ws/tasks", wsHandler.HandleConnection)

	// Signed write surface
	router.POST("/ask", handler.Ask)
	router.POST("/dispatch", handler.Dispatch)
	router.POST("/tasks/:id/cancel", handler.CancelTask)

	// GitHub webhook (separate secret, raw-body signature)
	router.POST("/github-webhook", handler.GitHubWebhook)
}
