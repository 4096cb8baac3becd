package handler

import (
	"github.com/gin-gonic/gin"
)

// Register mounts the chat API. auth guards everything except /health;
// limit throttles the REST surface only, WebSocket frames have their own
// per-sender quota.
func (h *Handlers) Register(router gin.IRouter, auth, limit gin.HandlerFunc) {
	router.GET("/health", h.Health.Check)

	v1 := router.Group("/api/v1")
	v1.Use(auth, limit)
	{
		conversations := v1.Group("/conversations")
		{
			conversations.GET("", h.Conversation.List)
			conversations.GET("/search", h.Conversation.Search)
			conversations.POST("", h.Conversation.Create)
			conversations.GET("/:id", h.Conversation.Get)
			conversations.PATCH("/:id/status", h.Conversation.UpdateStatus)
			conversations.GET("/:id/messages", h.Chat.GetMessages)
			conversations.POST("/:id/messages", h.Chat.SendMessage)
			conversations.POST("/:id/read", h.Chat.MarkAsRead)
		}

		v1.GET("/rate-limit/messages", h.Chat.GetRateLimit)
	}

	router.GET("/ws/chat", auth, h.WebSocket.HandleChat)
}
