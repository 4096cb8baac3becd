package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

// ErrDuplicateMessage is returned when a message id was already persisted,
// which happens when a client retries a send that actually succeeded.
var ErrDuplicateMessage = errors.New("message already exists")

type ChatRepository interface {
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, conversationID uuid.UUID, page domain.MessagePage) ([]*domain.Message, error)
	GetMessageByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
	MarkAsRead(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error)
}

type chatRepository struct {
	db  DB
	log logger.Logger
}

func NewChatRepository(db DB, log logger.Logger) ChatRepository {
	return &chatRepository{db: db, log: log}
}

const messageColumns = `
	m.id, m.seq, m.conversation_id, m.sender_id, m.body, m.metadata, m.created_at,
	p.full_name, p.avatar_url, p.role
`

// CreateMessage writes the message and its attachments in one transaction.
// The conversation row is locked before the membership and status checks,
// so writers in one conversation are serialized. created_at is taken from
// the database clock after the lock, which keeps it non-decreasing in seq
// within a conversation; the caller's CreatedAt is ignored and overwritten.
func (r *chatRepository) CreateMessage(ctx context.Context, message *domain.Message) error {
	metadata, err := json.Marshal(message.Metadata)
	if err != nil {
		return apperrors.Persistence("encode metadata", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin message transaction", "error", err)
		return apperrors.Persistence("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var isParticipant bool
	err = tx.QueryRow(ctx, `
		SELECT c.status,
		       EXISTS (SELECT 1 FROM conversation_participants cp
		               WHERE cp.conversation_id = c.id AND cp.profile_id = $2)
		FROM conversations c
		WHERE c.id = $1
		FOR NO KEY UPDATE
	`, message.ConversationID, message.SenderID).Scan(&status, &isParticipant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.ErrConversationNotFound
		}
		r.log.Error("Failed to lock conversation", "error", err)
		return apperrors.Persistence("lock conversation", err)
	}
	if !isParticipant {
		return apperrors.ErrNotParticipant
	}
	if status != domain.ConversationStatusActive {
		return apperrors.ErrConversationArchived
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, body, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp())
		RETURNING seq, created_at
	`, message.ID, message.ConversationID, message.SenderID, message.Body, metadata,
	).Scan(&message.Seq, &message.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		r.log.Error("Failed to create message", "error", err)
		return apperrors.Persistence("insert message", err)
	}

	for _, a := range message.Attachments {
		a.CreatedAt = message.CreatedAt
		_, err := tx.Exec(ctx, `
			INSERT INTO message_attachments (id, message_id, storage_path, content_type, size_bytes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, message.ID, a.StoragePath, a.ContentType, a.SizeBytes, a.CreatedAt)
		if err != nil {
			r.log.Error("Failed to create attachment", "error", err, "message_id", message.ID)
			return apperrors.Persistence("insert attachment", err)
		}
	}

	_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, message.ConversationID, message.CreatedAt)
	if err != nil {
		r.log.Error("Failed to touch conversation", "error", err)
		return apperrors.Persistence("touch conversation", err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit message", "error", err)
		return apperrors.Persistence("commit message", err)
	}
	return nil
}

// GetMessages returns a page of history in ascending seq order, which is
// also (created_at, seq) order since CreateMessage stamps rows under the
// conversation lock. Without AfterSeq the newest Limit messages are returned.
func (r *chatRepository) GetMessages(ctx context.Context, conversationID uuid.UUID, page domain.MessagePage) ([]*domain.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if page.AfterSeq > 0 {
		rows, err = r.db.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages m
			JOIN profiles p ON p.id = m.sender_id
			WHERE m.conversation_id = $1 AND m.seq > $2
			ORDER BY m.seq ASC
			LIMIT $3
		`, conversationID, page.AfterSeq, page.Limit)
	} else {
		rows, err = r.db.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages m
			JOIN profiles p ON p.id = m.sender_id
			WHERE m.conversation_id = $1
			ORDER BY m.seq DESC
			LIMIT $2
		`, conversationID, page.Limit)
	}
	if err != nil {
		r.log.Error("Failed to get messages", "error", err, "conversation_id", conversationID)
		return nil, apperrors.Persistence("get messages", err)
	}

	messages, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if page.AfterSeq <= 0 {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}

	if err := r.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *chatRepository) GetMessageByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN profiles p ON p.id = m.sender_id
		WHERE m.id = $1
	`, messageID)
	if err != nil {
		r.log.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, apperrors.Persistence("get message", err)
	}

	messages, err := r.scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, apperrors.ErrMessageNotFound
	}
	if err := r.loadAttachments(ctx, messages); err != nil {
		return nil, err
	}
	return messages[0], nil
}

// MarkAsRead adds userID to the read-by set of every message in the
// conversation that does not have it yet and records the participant's
// last read time. Only changed messages are returned.
func (r *chatRepository) MarkAsRead(ctx context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin read transaction", "error", err)
		return nil, apperrors.Persistence("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE messages
		SET metadata = jsonb_set(
			COALESCE(metadata, '{}'::jsonb),
			'{read_by}',
			COALESCE(metadata->'read_by', '[]'::jsonb) || to_jsonb($2::text)
		)
		WHERE conversation_id = $1
		  AND NOT (COALESCE(metadata->'read_by', '[]'::jsonb) ? $2::text)
		RETURNING id, metadata
	`, conversationID, userID.String())
	if err != nil {
		r.log.Error("Failed to mark messages as read", "error", err)
		return nil, apperrors.Persistence("mark messages read", err)
	}

	var receipts []domain.ReadReceipt
	for rows.Next() {
		var id uuid.UUID
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			r.log.Error("Failed to scan read receipt", "error", err)
			return nil, apperrors.Persistence("scan read receipt", err)
		}
		var meta domain.MessageMetadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			rows.Close()
			return nil, apperrors.Persistence("decode metadata", err)
		}
		receipts = append(receipts, domain.ReadReceipt{MessageID: id, ReadBy: meta.ReadBy})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("mark messages read", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE conversation_participants SET last_read_at = $3
		WHERE conversation_id = $1 AND profile_id = $2
	`, conversationID, userID, time.Now())
	if err != nil {
		r.log.Error("Failed to update last read", "error", err)
		return nil, apperrors.Persistence("update last read", err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit read receipts", "error", err)
		return nil, apperrors.Persistence("commit read receipts", err)
	}
	return receipts, nil
}

func (r *chatRepository) scanMessages(rows pgx.Rows) ([]*domain.Message, error) {
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		m := &domain.Message{Sender: &domain.Profile{}, Attachments: []*domain.Attachment{}}
		var metadata []byte
		err := rows.Scan(
			&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.Body, &metadata, &m.CreatedAt,
			&m.Sender.FullName, &m.Sender.AvatarURL, &m.Sender.Role,
		)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, apperrors.Persistence("scan message", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				r.log.Warn("Malformed message metadata", "error", err, "message_id", m.ID)
			}
		}
		m.Sender.ID = m.SenderID
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("scan messages", err)
	}
	return messages, nil
}

func (r *chatRepository) loadAttachments(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*domain.Message, len(messages))
	ids := make([]uuid.UUID, 0, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, message_id, storage_path, content_type, size_bytes, created_at
		FROM message_attachments
		WHERE message_id = ANY($1::uuid[])
		ORDER BY created_at ASC, id ASC
	`, uuidStrings(ids))
	if err != nil {
		r.log.Error("Failed to load attachments", "error", err)
		return apperrors.Persistence("load attachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, messageID     uuid.UUID
			path, contentType string
			size              int64
			createdAt         time.Time
		)
		if err := rows.Scan(&id, &messageID, &path, &contentType, &size, &createdAt); err != nil {
			r.log.Error("Failed to scan attachment", "error", err)
			return apperrors.Persistence("scan attachment", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Attachments = append(m.Attachments, domain.NewAttachment(id, messageID, path, contentType, size, createdAt))
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.Persistence("load attachments", err)
	}
	return nil
}
