package events

import (
	"time"

	"github.com/google/uuid"
	"marketplace_chat/internal/domain"
)

const (
	MessageCreatedV1 = "chat.message.created.v1"
	MessagesReadV1   = "chat.messages.read.v1"

	producer = "marketplace-chat"
)

type Meta struct {
	// Request correlation id, usually the message id that triggered the event
	CorrelationID *string   `json:"correlation_id,omitempty"`
	ID            string    `json:"id"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	// Event name and version, e.g. chat.message.created.v1
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

func NewEnvelope(eventType string, correlationID string, data any) Envelope {
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: producer,
		Time:     time.Now().UTC(),
		Type:     eventType,
	}
	if correlationID != "" {
		meta.CorrelationID = &correlationID
	}
	return Envelope{Meta: meta, Data: data}
}

type MessageCreated struct {
	MessageID       uuid.UUID   `json:"message_id"`
	ConversationID  uuid.UUID   `json:"conversation_id"`
	SenderID        uuid.UUID   `json:"sender_id"`
	RecipientIDs    []uuid.UUID `json:"recipient_ids"`
	Body            string      `json:"body"`
	AttachmentCount int         `json:"attachment_count"`
	CreatedAt       time.Time   `json:"created_at"`
}

// NewMessageCreated builds the downstream notification for a persisted
// message. Recipients are every participant except the sender.
func NewMessageCreated(conv *domain.Conversation, msg *domain.Message) Envelope {
	recipients := make([]uuid.UUID, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		if p.ProfileID != msg.SenderID {
			recipients = append(recipients, p.ProfileID)
		}
	}
	return NewEnvelope(MessageCreatedV1, msg.ID.String(), MessageCreated{
		MessageID:       msg.ID,
		ConversationID:  msg.ConversationID,
		SenderID:        msg.SenderID,
		RecipientIDs:    recipients,
		Body:            msg.Body,
		AttachmentCount: len(msg.Attachments),
		CreatedAt:       msg.CreatedAt,
	})
}

type MessagesRead struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	ReaderID       uuid.UUID   `json:"reader_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
}

func NewMessagesRead(conversationID, readerID uuid.UUID, receipts []domain.ReadReceipt) Envelope {
	ids := make([]uuid.UUID, 0, len(receipts))
	for _, r := range receipts {
		ids = append(ids, r.MessageID)
	}
	return NewEnvelope(MessagesReadV1, "", MessagesRead{
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     ids,
	})
}
