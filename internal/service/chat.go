package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"marketplace_chat/internal/config"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/events"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/repository"
	"marketplace_chat/internal/storage"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// AttachmentUpload is a file the sender attached. ContentType must come from
// sniffing the bytes, not from the client.
type AttachmentUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

type SendMessageInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	// ClientMessageID lets a client retry a send without creating a second
	// message. uuid.Nil means the server picks the id.
	ClientMessageID uuid.UUID
	Body            string
	Attachments     []AttachmentUpload
}

type ChatService interface {
	SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error)
	GetConversationMessages(ctx context.Context, viewerID, conversationID uuid.UUID, page domain.MessagePage) ([]*domain.Message, error)
	GetMessage(ctx context.Context, viewerID, messageID uuid.UUID) (*domain.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error)
}

type chatService struct {
	chatRepo  repository.ChatRepository
	convRepo  repository.ConversationRepository
	rateLimit RateLimitService
	blobs     storage.BlobStore
	realtime  realtime.Publisher
	events    events.Publisher
	cfg       config.ChatConfig
	log       logger.Logger
}

func NewChatService(
	chatRepo repository.ChatRepository,
	convRepo repository.ConversationRepository,
	rateLimit RateLimitService,
	blobs storage.BlobStore,
	rt realtime.Publisher,
	ev events.Publisher,
	cfg config.ChatConfig,
	log logger.Logger,
) ChatService {
	return &chatService{
		chatRepo:  chatRepo,
		convRepo:  convRepo,
		rateLimit: rateLimit,
		blobs:     blobs,
		realtime:  rt,
		events:    ev,
		cfg:       cfg,
		log:       log,
	}
}

func (s *chatService) SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	body := strings.TrimSpace(in.Body)
	if err := s.validate(body, in.Attachments); err != nil {
		return nil, err
	}

	conv, err := s.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(in.SenderID) {
		return nil, apperrors.ErrNotParticipant
	}
	if conv.Status != domain.ConversationStatusActive {
		return nil, apperrors.ErrConversationArchived
	}

	quota, err := s.rateLimit.ReserveMessage(ctx, in.SenderID)
	if err != nil {
		return nil, apperrors.Persistence("reserve message quota", err)
	}
	if !quota.Allowed {
		// A retry of a send that already committed costs nothing.
		if msg, ok := s.replayed(ctx, in); ok {
			return msg, nil
		}
		return nil, &apperrors.RateLimitError{Limit: quota.Limit, Remaining: quota.Remaining, ResetAt: quota.ResetAt}
	}

	messageID := in.ClientMessageID
	if messageID == uuid.Nil {
		messageID = uuid.New()
	}

	attachments, keys, err := s.upload(ctx, conv.ID, messageID, in.Attachments)
	if err != nil {
		s.compensate(ctx, in.SenderID, quota.Token, keys)
		return nil, err
	}

	msg := &domain.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Body:           body,
		Metadata:       domain.MessageMetadata{ReadBy: domain.NewReadBy(in.SenderID)},
		Attachments:    attachments,
	}
	if p := conv.Participant(in.SenderID); p != nil {
		msg.Sender = p.Profile
	}

	if err := s.chatRepo.CreateMessage(ctx, msg); err != nil {
		s.compensate(ctx, in.SenderID, quota.Token, keys)
		if errors.Is(err, repository.ErrDuplicateMessage) {
			return s.existing(ctx, in)
		}
		s.log.Error("Failed to send message", "error", err, "conversation_id", conv.ID, "sender_id", in.SenderID)
		return nil, apperrors.Persistence("send message", err)
	}

	s.announce(ctx, conv, msg)
	return msg, nil
}

func (s *chatService) validate(body string, attachments []AttachmentUpload) error {
	if body == "" && len(attachments) == 0 {
		return apperrors.NewValidationError("body", "message must have a body or at least one attachment")
	}
	if n := utf8.RuneCountInString(body); n > s.cfg.MaxBodyLength {
		return apperrors.NewValidationError("body", fmt.Sprintf("must be at most %d characters", s.cfg.MaxBodyLength))
	}
	if len(attachments) > s.cfg.MaxAttachments {
		return apperrors.NewValidationError("attachments", fmt.Sprintf("at most %d attachments per message", s.cfg.MaxAttachments))
	}
	for i, a := range attachments {
		field := fmt.Sprintf("attachments[%d]", i)
		if a.Body == nil || a.Size <= 0 {
			return apperrors.NewValidationError(field, "file is empty")
		}
		if a.Size > s.cfg.MaxAttachmentBytes {
			return apperrors.NewValidationError(field, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxAttachmentBytes))
		}
		if _, ok := domain.ResolveAttachmentKind(a.ContentType); !ok {
			return apperrors.NewValidationError(field, fmt.Sprintf("content type %q is not allowed", a.ContentType))
		}
	}
	return nil
}

// upload stores each file and returns the attachment rows plus the keys
// written so far, which the caller deletes if anything later fails. The rows
// get their timestamp from the message when it is persisted.
func (s *chatService) upload(ctx context.Context, conversationID, messageID uuid.UUID, files []AttachmentUpload) ([]*domain.Attachment, []string, error) {
	attachments := make([]*domain.Attachment, 0, len(files))
	keys := make([]string, 0, len(files))
	for _, f := range files {
		id := uuid.New()
		key := storage.AttachmentKey(conversationID, messageID, id, f.Filename)
		contentType := domain.NormalizeContentType(f.ContentType)

		if err := s.blobs.Put(ctx, key, contentType, f.Body, f.Size); err != nil {
			s.log.Error("Failed to upload attachment", "error", err, "key", key)
			return nil, keys, apperrors.Persistence("upload attachment", err)
		}
		keys = append(keys, key)
		attachments = append(attachments, domain.NewAttachment(id, messageID, key, contentType, f.Size, time.Time{}))
	}
	return attachments, keys, nil
}

// compensate undoes the side effects of a send whose write did not commit.
func (s *chatService) compensate(ctx context.Context, senderID uuid.UUID, token string, keys []string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.rateLimit.ReleaseMessage(ctx, senderID, token); err != nil {
		s.log.Warn("Failed to release message quota", "error", err, "sender_id", senderID)
	}
	if len(keys) == 0 {
		return
	}
	if err := s.blobs.Delete(ctx, keys...); err != nil {
		s.log.Warn("Failed to delete orphaned attachments", "error", err, "keys", keys)
	}
}

// existing resolves a retried send to the message the first attempt created.
func (s *chatService) existing(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	msg, err := s.chatRepo.GetMessageByID(ctx, in.ClientMessageID)
	if err != nil {
		return nil, apperrors.Persistence("load existing message", err)
	}
	if msg.SenderID != in.SenderID || msg.ConversationID != in.ConversationID {
		return nil, apperrors.NewValidationError("id", "message id is already in use")
	}
	return msg, nil
}

// replayed reports the stored message when in retries a send that already
// committed for the same sender and conversation.
func (s *chatService) replayed(ctx context.Context, in SendMessageInput) (*domain.Message, bool) {
	if in.ClientMessageID == uuid.Nil {
		return nil, false
	}
	msg, err := s.chatRepo.GetMessageByID(ctx, in.ClientMessageID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.log.Warn("Failed to look up retried message", "error", err, "message_id", in.ClientMessageID)
		}
		return nil, false
	}
	if msg.SenderID != in.SenderID || msg.ConversationID != in.ConversationID {
		return nil, false
	}
	return msg, true
}

// announce tells live viewers and downstream consumers about a committed
// message. Neither can fail the send.
func (s *chatService) announce(ctx context.Context, conv *domain.Conversation, msg *domain.Message) {
	ctx = context.WithoutCancel(ctx)
	if err := s.realtime.Publish(ctx, realtime.InsertEvent(msg)); err != nil {
		s.log.Warn("Failed to publish realtime insert", "error", err, "message_id", msg.ID)
	}
	if err := s.events.Publish(ctx, events.NewMessageCreated(conv, msg)); err != nil {
		s.log.Warn("Failed to publish message created event", "error", err, "message_id", msg.ID)
	}
}

func (s *chatService) GetConversationMessages(ctx context.Context, viewerID, conversationID uuid.UUID, page domain.MessagePage) ([]*domain.Message, error) {
	if err := s.ensureParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	if page.Limit <= 0 || page.Limit > s.cfg.HistoryPageSize {
		page.Limit = s.cfg.HistoryPageSize
	}
	if page.AfterSeq < 0 {
		page.AfterSeq = 0
	}
	return s.chatRepo.GetMessages(ctx, conversationID, page)
}

func (s *chatService) GetMessage(ctx context.Context, viewerID, messageID uuid.UUID) (*domain.Message, error) {
	msg, err := s.chatRepo.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureParticipant(ctx, msg.ConversationID, viewerID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *chatService) MarkMessagesAsRead(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error) {
	if err := s.ensureParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	receipts, err := s.chatRepo.MarkAsRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return receipts, nil
	}

	pctx := context.WithoutCancel(ctx)
	if err := s.realtime.Publish(pctx, realtime.ReadEvent(conversationID, userID, receipts)); err != nil {
		s.log.Warn("Failed to publish read event", "error", err, "conversation_id", conversationID)
	}
	if err := s.events.Publish(pctx, events.NewMessagesRead(conversationID, userID, receipts)); err != nil {
		s.log.Warn("Failed to publish messages read event", "error", err, "conversation_id", conversationID)
	}
	return receipts, nil
}

func (s *chatService) ensureParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	ok, err := s.convRepo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrNotParticipant
	}
	return nil
}
