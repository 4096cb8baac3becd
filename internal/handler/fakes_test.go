package handler

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"marketplace_chat/internal/domain"
	"marketplace_chat/internal/realtime"
	"marketplace_chat/internal/service"
	apperrors "marketplace_chat/pkg/errors"
)

// memoryBackend stands in for both the chat and conversation services.
type memoryBackend struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
	messages      []*domain.Message
	seq           int64
	bus           realtime.Publisher
	sendErr       error
	uploads       []uploadRecord
	// beforeSend runs ahead of every send, outside the lock.
	beforeSend func(service.SendMessageInput)
}

type uploadRecord struct {
	contentType string
	size        int
}

func newMemoryBackend(bus realtime.Publisher) *memoryBackend {
	return &memoryBackend{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		bus:           bus,
	}
}

func (b *memoryBackend) addConversation(names map[uuid.UUID]string) *domain.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv := &domain.Conversation{ID: uuid.New(), Status: domain.ConversationStatusActive}
	for id, name := range names {
		conv.Participants = append(conv.Participants, &domain.Participant{
			ConversationID: conv.ID,
			ProfileID:      id,
			Profile:        &domain.Profile{ID: id, FullName: name},
		})
	}
	b.conversations[conv.ID] = conv
	return conv
}

func (b *memoryBackend) publish(ctx context.Context, ev realtime.Event) {
	if b.bus != nil {
		_ = b.bus.Publish(ctx, ev)
	}
}

func copyMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.Metadata.ReadBy = domain.NewReadBy(m.Metadata.ReadBy.IDs()...)
	return &cp
}

func (b *memoryBackend) memberLocked(conversationID, userID uuid.UUID) error {
	conv, ok := b.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	if !conv.HasParticipant(userID) {
		return apperrors.ErrNotParticipant
	}
	return nil
}

func (b *memoryBackend) SendMessage(ctx context.Context, in service.SendMessageInput) (*domain.Message, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" && len(in.Attachments) == 0 {
		return nil, apperrors.NewValidationError("body", "message must have a body or at least one attachment")
	}

	b.mu.Lock()
	hook := b.beforeSend
	b.mu.Unlock()
	if hook != nil {
		hook(in)
	}

	b.mu.Lock()
	if err := b.memberLocked(in.ConversationID, in.SenderID); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if b.sendErr != nil {
		b.mu.Unlock()
		return nil, b.sendErr
	}

	id := in.ClientMessageID
	if id == uuid.Nil {
		id = uuid.New()
	}
	for _, m := range b.messages {
		if m.ID == id {
			out := copyMessage(m)
			b.mu.Unlock()
			return out, nil
		}
	}

	for _, a := range in.Attachments {
		data, _ := io.ReadAll(a.Body)
		b.uploads = append(b.uploads, uploadRecord{contentType: a.ContentType, size: len(data)})
	}

	b.seq++
	msg := &domain.Message{
		ID:             id,
		Seq:            b.seq,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Body:           body,
		Metadata:       domain.MessageMetadata{ReadBy: domain.NewReadBy(in.SenderID)},
		CreatedAt:      time.Now().UTC(),
	}
	b.messages = append(b.messages, msg)
	out := copyMessage(msg)
	b.mu.Unlock()

	b.publish(ctx, realtime.InsertEvent(out))
	return out, nil
}

func (b *memoryBackend) GetConversationMessages(_ context.Context, viewerID, conversationID uuid.UUID, _ domain.MessagePage) ([]*domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.memberLocked(conversationID, viewerID); err != nil {
		return nil, err
	}
	var out []*domain.Message
	for _, m := range b.messages {
		if m.ConversationID == conversationID {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (b *memoryBackend) GetMessage(_ context.Context, viewerID, messageID uuid.UUID) (*domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.messages {
		if m.ID != messageID {
			continue
		}
		if err := b.memberLocked(m.ConversationID, viewerID); err != nil {
			return nil, err
		}
		return copyMessage(m), nil
	}
	return nil, apperrors.ErrMessageNotFound
}

func (b *memoryBackend) MarkMessagesAsRead(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error) {
	b.mu.Lock()
	if err := b.memberLocked(conversationID, userID); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	var receipts []domain.ReadReceipt
	for _, m := range b.messages {
		if m.ConversationID == conversationID && m.Metadata.ReadBy.Add(userID) {
			receipts = append(receipts, domain.ReadReceipt{
				MessageID: m.ID,
				ReadBy:    domain.NewReadBy(m.Metadata.ReadBy.IDs()...),
			})
		}
	}
	b.mu.Unlock()

	if len(receipts) > 0 {
		b.publish(ctx, realtime.ReadEvent(conversationID, userID, receipts))
	}
	return receipts, nil
}

func (b *memoryBackend) List(_ context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.ConversationSummary
	for _, c := range b.conversations {
		if c.HasParticipant(userID) {
			out = append(out, domain.NewConversationSummary(*c, userID, time.Time{}, nil, 0))
		}
	}
	return out, nil
}

func (b *memoryBackend) Search(ctx context.Context, userID uuid.UUID, query string) ([]*domain.ConversationSummary, error) {
	all, err := b.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.FilterConversations(all, query), nil
}

func (b *memoryBackend) Get(_ context.Context, viewerID, conversationID uuid.UUID) (*domain.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.memberLocked(conversationID, viewerID); err != nil {
		return nil, err
	}
	cp := *b.conversations[conversationID]
	return &cp, nil
}

func (b *memoryBackend) Create(_ context.Context, creatorID uuid.UUID, subject *string, participantIDs []uuid.UUID) (*domain.Conversation, error) {
	if len(participantIDs) == 0 {
		return nil, apperrors.NewValidationError("participant_ids", "at least one other participant is required")
	}
	names := map[uuid.UUID]string{creatorID: "Creator"}
	for _, id := range participantIDs {
		names[id] = "Member"
	}
	conv := b.addConversation(names)
	conv.Subject = subject
	return conv, nil
}

func (b *memoryBackend) SetStatus(ctx context.Context, actorID, conversationID uuid.UUID, status string) (*domain.Conversation, error) {
	if !domain.ValidConversationStatus(status) {
		return nil, apperrors.NewValidationError("status", "must be active or archived")
	}
	b.mu.Lock()
	if err := b.memberLocked(conversationID, actorID); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.conversations[conversationID].Status = status
	b.mu.Unlock()
	return b.Get(ctx, actorID, conversationID)
}
