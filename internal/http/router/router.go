package router

import (
	"github.com/gin-gonic/gin"

	"stacktide.app/collector/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, eventHandler *handler.EventSubmitHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		EventRouter(v1, eventHandler)
	}
}

func EventRouter(rg *gin.RouterGroup, h *handler.EventSubmitHandler) {
	rg.POST("/projects/:project_id/events", h.Submit)
	rg.GET("/events/schema", h.Schema)
}
