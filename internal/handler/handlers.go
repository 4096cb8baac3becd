package handler

import (
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/service"
	"marketplace_chat/pkg/logger"
)

type Handlers struct {
	Health       *HealthHandler
	Conversation *ConversationHandler
	Chat         *ChatHandler
	WebSocket    *WebSocketHandler
}

func NewHandlers(
	services *service.Services,
	notifier *realtime.Notifier,
	sessions *realtime.Sessions,
	checks map[string]Check,
	realtimeConnected func() bool,
	cfg *config.Config,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Health:       NewHealthHandler(checks, realtimeConnected),
		Conversation: NewConversationHandler(services.Conversation, log),
		Chat:         NewChatHandler(services.Chat, services.RateLimit, cfg.Chat, log),
		WebSocket:    NewWebSocketHandler(services.Chat, services.Conversation, notifier, sessions, cfg.Chat, log),
	}
}
