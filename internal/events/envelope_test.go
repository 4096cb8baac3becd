package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"marketplace_chat/internal/domain"
	"marketplace_chat/pkg/logger"
)

func TestNewMessageCreated(t *testing.T) {
	sender, host := uuid.New(), uuid.New()
	conv := &domain.Conversation{
		ID: uuid.New(),
		Participants: []*domain.Participant{
			{ProfileID: sender},
			{ProfileID: host},
		},
	}
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       sender,
		Body:           "hello",
		CreatedAt:      time.Now().UTC(),
		Attachments:    []*domain.Attachment{{}},
	}

	env := NewMessageCreated(conv, msg)
	require.Equal(t, MessageCreatedV1, env.Meta.Type)
	require.NotEmpty(t, env.Meta.ID)
	require.NotNil(t, env.Meta.CorrelationID)
	require.Equal(t, msg.ID.String(), *env.Meta.CorrelationID)

	data, ok := env.Data.(MessageCreated)
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{host}, data.RecipientIDs)
	require.Equal(t, 1, data.AttachmentCount)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"type":"chat.message.created.v1"`)
}

func TestNewMessagesRead(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	env := NewMessagesRead(uuid.New(), uuid.New(), []domain.ReadReceipt{{MessageID: a}, {MessageID: b}})

	require.Equal(t, MessagesReadV1, env.Meta.Type)
	require.Nil(t, env.Meta.CorrelationID)
	require.Equal(t, []uuid.UUID{a, b}, env.Data.(MessagesRead).MessageIDs)
}

func TestFallbackPublisher(t *testing.T) {
	p := NewFallback(logger.Nop())
	require.NoError(t, p.Publish(context.Background(), NewEnvelope("x.v1", "", nil)))
	require.NoError(t, p.Close())
}
