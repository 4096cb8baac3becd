package realtime

import (
	"github.com/google/uuid"
	"marketplace_chat/internal/domain"
)

type EventKind string

const (
	EventInsert EventKind = "insert"
	EventRead   EventKind = "read"
)

// Event is the change notification fanned out per conversation. Inserts only
// carry the id; subscribers fetch the full row so sender and attachments
// are always current.
type Event struct {
	Kind           EventKind            `json:"kind"`
	ConversationID uuid.UUID            `json:"conversation_id"`
	MessageID      uuid.UUID            `json:"message_id"`
	SenderID       uuid.UUID            `json:"sender_id"`
	ReaderID       uuid.UUID            `json:"reader_id"`
	Receipts       []domain.ReadReceipt `json:"receipts,omitempty"`
}

func InsertEvent(msg *domain.Message) Event {
	return Event{
		Kind:           EventInsert,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
	}
}

func ReadEvent(conversationID, readerID uuid.UUID, receipts []domain.ReadReceipt) Event {
	return Event{
		Kind:           EventRead,
		ConversationID: conversationID,
		ReaderID:       readerID,
		Receipts:       receipts,
	}
}
