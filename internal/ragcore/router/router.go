// Package router provides RAG query service routing.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/ragcore/internal/ragcore/handler"
)

// Register registers the RAG service routes on the gin engine.
func Register(engine *gin.Engine, ragHandler *handler.RAGHandler) {
	logger.Info("Registering RAG routes...")

	engine.GET("/healthz", ragHandler.Healthz)
	engine.GET("/metrics", ragHandler.Metrics)

	v1 := engine.Group("/v1")
	{
		rag := v1.Group("/rag")
		{
			// Query endpoints
			rag.POST("/query", ragHandler.Query)
			rag.POST("/query/stream", ragHandler.QueryStream)

			// Index endpoints
			rag.POST("/index", ragHandler.Index)
			rag.POST("/chunks/delete", ragHandler.DeleteChunks)

			// Stats endpoint
			rag.GET("/stats", ragHandler.Stats)
		}

		// Conversation endpoints
		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:conversation/history", ragHandler.History)
			conversations.DELETE("/:conversation", ragHandler.ClearConversation)
		}

		// Tenant administration
		v1.DELETE("/tenants/:tenant", ragHandler.DropTenant)
	}

	logger.Info("HTTP routes registered")
}
