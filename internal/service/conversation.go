package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/repository"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

type ConversationService interface {
	List(ctx context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error)
	Search(ctx context.Context, userID uuid.UUID, query string) ([]*domain.ConversationSummary, error)
	Get(ctx context.Context, viewerID, conversationID uuid.UUID) (*domain.Conversation, error)
	Create(ctx context.Context, creatorID uuid.UUID, subject *string, participantIDs []uuid.UUID) (*domain.Conversation, error)
	SetStatus(ctx context.Context, actorID, conversationID uuid.UUID, status string) (*domain.Conversation, error)
}

type conversationService struct {
	convRepo repository.ConversationRepository
	log      logger.Logger
}

func NewConversationService(convRepo repository.ConversationRepository, log logger.Logger) ConversationService {
	return &conversationService{
		convRepo: convRepo,
		log:      log,
	}
}

func (s *conversationService) List(ctx context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error) {
	return s.convRepo.ListForUser(ctx, userID)
}

func (s *conversationService) Search(ctx context.Context, userID uuid.UUID, query string) ([]*domain.ConversationSummary, error) {
	summaries, err := s.convRepo.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return FilterConversations(summaries, query), nil
}

// FilterConversations keeps summaries whose subject or any other
// participant's display name contains query, ignoring case. An empty query
// keeps everything.
func FilterConversations(summaries []*domain.ConversationSummary, query string) []*domain.ConversationSummary {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return summaries
	}

	out := make([]*domain.ConversationSummary, 0, len(summaries))
	for _, s := range summaries {
		if matches(s, q) {
			out = append(out, s)
		}
	}
	return out
}

func matches(s *domain.ConversationSummary, q string) bool {
	if s.Subject != nil && strings.Contains(strings.ToLower(*s.Subject), q) {
		return true
	}
	for _, name := range s.OtherParticipants {
		if strings.Contains(strings.ToLower(name), q) {
			return true
		}
	}
	return false
}

func (s *conversationService) Get(ctx context.Context, viewerID, conversationID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(viewerID) {
		return nil, apperrors.ErrNotParticipant
	}
	return conv, nil
}

func (s *conversationService) Create(ctx context.Context, creatorID uuid.UUID, subject *string, participantIDs []uuid.UUID) (*domain.Conversation, error) {
	members := []uuid.UUID{creatorID}
	seen := map[uuid.UUID]bool{creatorID: true}
	for _, id := range participantIDs {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, apperrors.NewValidationError("participant_ids", "at least one other participant is required")
	}

	if subject != nil {
		trimmed := strings.TrimSpace(*subject)
		if trimmed == "" {
			subject = nil
		} else {
			subject = &trimmed
		}
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:        uuid.New(),
		Subject:   subject,
		Status:    domain.ConversationStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.convRepo.Create(ctx, conv, members); err != nil {
		return nil, err
	}

	s.log.Info("Conversation created", "conversation_id", conv.ID, "participants", len(members))
	return conv, nil
}

func (s *conversationService) SetStatus(ctx context.Context, actorID, conversationID uuid.UUID, status string) (*domain.Conversation, error) {
	if !domain.ValidConversationStatus(status) {
		return nil, apperrors.NewValidationError("status", "must be active or archived")
	}

	conv, err := s.Get(ctx, actorID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}

	if err := s.convRepo.SetStatus(ctx, conversationID, status); err != nil {
		return nil, err
	}
	conv.Status = status
	conv.UpdatedAt = time.Now().UTC()

	s.log.Info("Conversation status changed", "conversation_id", conversationID, "status", status, "actor_id", actorID)
	return conv, nil
}
