package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/repository"
	"marketplace_chat/pkg/logger"
)

type RateLimitService interface {
	// CheckMessageRateLimit reports the sender's quota without consuming it.
	CheckMessageRateLimit(ctx context.Context, senderID uuid.UUID) (*domain.RateLimitStatus, error)
	ReserveMessage(ctx context.Context, senderID uuid.UUID) (*domain.RateLimitStatus, error)
	ReleaseMessage(ctx context.Context, senderID uuid.UUID, token string) error
	ReserveRequest(ctx context.Context, clientKey string, limit int, window time.Duration) (*domain.RateLimitStatus, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	quota         int
	window        time.Duration
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, cfg config.ChatConfig, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		quota:         cfg.RateLimitQuota,
		window:        cfg.RateLimitWindow,
		log:           log,
	}
}

func messageKey(senderID uuid.UUID) string {
	return "ratelimit:" + domain.RateLimitScopeMessage + ":" + senderID.String()
}

func (s *rateLimitService) CheckMessageRateLimit(ctx context.Context, senderID uuid.UUID) (*domain.RateLimitStatus, error) {
	return s.rateLimitRepo.Peek(ctx, messageKey(senderID), s.quota, s.window)
}

func (s *rateLimitService) ReserveMessage(ctx context.Context, senderID uuid.UUID) (*domain.RateLimitStatus, error) {
	status, err := s.rateLimitRepo.Reserve(ctx, messageKey(senderID), s.quota, s.window)
	if err != nil {
		return nil, err
	}
	if !status.Allowed {
		s.log.Info("Message rate limit reached", "sender_id", senderID, "reset_at", status.ResetAt)
	}
	return status, nil
}

func (s *rateLimitService) ReleaseMessage(ctx context.Context, senderID uuid.UUID, token string) error {
	return s.rateLimitRepo.Release(ctx, messageKey(senderID), token)
}

func (s *rateLimitService) ReserveRequest(ctx context.Context, clientKey string, limit int, window time.Duration) (*domain.RateLimitStatus, error) {
	return s.rateLimitRepo.Reserve(ctx, "ratelimit:"+domain.RateLimitScopeIP+":"+clientKey, limit, window)
}
