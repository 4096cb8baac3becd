package service

import (
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/events"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/repository"
	"marketplace_chat/internal/storage"
	"marketplace_chat/pkg/logger"
)

// Dependencies are the infrastructure adapters the services publish to.
type Dependencies struct {
	Blobs    storage.BlobStore
	Realtime realtime.Publisher
	Events   events.Publisher
}

type Services struct {
	Conversation ConversationService
	Chat         ChatService
	RateLimit    RateLimitService
}

func NewServices(repos *repository.Repositories, deps Dependencies, cfg *config.Config, log logger.Logger) *Services {
	rateLimit := NewRateLimitService(repos.RateLimit, cfg.Chat, log)

	services := &Services{
		Conversation: NewConversationService(repos.Conversation, log),
		RateLimit:    rateLimit,
		Chat: NewChatService(
			repos.Chat,
			repos.Conversation,
			rateLimit,
			deps.Blobs,
			deps.Realtime,
			deps.Events,
			cfg.Chat,
			log,
		),
	}

	return services
}
