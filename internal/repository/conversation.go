package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
	"marketplace_chat/pkg/logger"
)

type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation, participantIDs []uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
}

type conversationRepository struct {
	db  DB
	log logger.Logger
}

func NewConversationRepository(db DB, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation, participantIDs []uuid.UUID) error {
	if len(participantIDs) == 0 {
		return apperrors.NewValidationError("participant_ids", "a conversation needs at least one participant")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin conversation transaction", "error", err)
		return apperrors.Persistence("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, subject, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, conv.ID, conv.Subject, conv.Status, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		r.log.Error("Failed to create conversation", "error", err)
		return apperrors.Persistence("insert conversation", err)
	}

	for _, profileID := range participantIDs {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, profile_id, joined_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, profile_id) DO NOTHING
		`, conv.ID, profileID, conv.CreatedAt)
		if err != nil {
			r.log.Error("Failed to add participant", "error", err, "profile_id", profileID)
			return apperrors.Persistence("insert participant", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit conversation", "error", err)
		return apperrors.Persistence("commit conversation", err)
	}

	participants, err := r.participants(ctx, []uuid.UUID{conv.ID})
	if err != nil {
		return err
	}
	conv.Participants = participants[conv.ID]
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, subject, status, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	conv := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.Subject, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get conversation", "error", err, "conversation_id", id)
		return nil, apperrors.Persistence("get conversation", err)
	}

	participants, err := r.participants(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	conv.Participants = participants[id]
	return conv, nil
}

// ListForUser returns the user's conversations, most recently active first.
func (r *conversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error) {
	query := `
		SELECT c.id, c.subject, c.status, c.created_at, c.updated_at,
		       lm.body,
		       COALESCE(lm.created_at, c.updated_at) AS last_activity_at,
		       (SELECT count(*)
		          FROM messages um
		         WHERE um.conversation_id = c.id
		           AND um.sender_id <> $1
		           AND NOT (COALESCE(um.metadata->'read_by', '[]'::jsonb) ? $2)) AS unread_count
		FROM conversations c
		JOIN conversation_participants me ON me.conversation_id = c.id AND me.profile_id = $1
		LEFT JOIN LATERAL (
			SELECT m.body, m.created_at
			FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.seq DESC
			LIMIT 1
		) lm ON true
		ORDER BY last_activity_at DESC, c.id
	`

	rows, err := r.db.Query(ctx, query, userID, userID.String())
	if err != nil {
		r.log.Error("Failed to list conversations", "error", err, "user_id", userID)
		return nil, apperrors.Persistence("list conversations", err)
	}
	defer rows.Close()

	type row struct {
		conv         domain.Conversation
		lastMessage  *string
		lastActivity time.Time
		unread       int64
	}
	var listed []row
	for rows.Next() {
		var rw row
		if err := rows.Scan(
			&rw.conv.ID, &rw.conv.Subject, &rw.conv.Status, &rw.conv.CreatedAt, &rw.conv.UpdatedAt,
			&rw.lastMessage, &rw.lastActivity, &rw.unread,
		); err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, apperrors.Persistence("scan conversation", err)
		}
		listed = append(listed, rw)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("list conversations", err)
	}

	ids := make([]uuid.UUID, 0, len(listed))
	for _, rw := range listed {
		ids = append(ids, rw.conv.ID)
	}
	participants, err := r.participants(ctx, ids)
	if err != nil {
		return nil, err
	}

	summaries := make([]*domain.ConversationSummary, 0, len(listed))
	for _, rw := range listed {
		rw.conv.Participants = participants[rw.conv.ID]
		summaries = append(summaries, domain.NewConversationSummary(rw.conv, userID, rw.lastActivity, rw.lastMessage, int(rw.unread)))
	}
	return summaries, nil
}

func (r *conversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND profile_id = $2
		)
	`, conversationID, userID).Scan(&ok)
	if err != nil {
		r.log.Error("Failed to check participant", "error", err)
		return false, apperrors.Persistence("check participant", err)
	}
	return ok, nil
}

func (r *conversationRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations SET status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now())
	if err != nil {
		r.log.Error("Failed to update conversation status", "error", err)
		return apperrors.Persistence("update conversation status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrConversationNotFound
	}
	return nil
}

// participants loads memberships with profiles for the given conversations.
func (r *conversationRepository) participants(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]*domain.Participant, error) {
	result := make(map[uuid.UUID][]*domain.Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return result, nil
	}

	query := `
		SELECT cp.conversation_id, cp.profile_id, cp.joined_at, cp.last_read_at,
		       p.full_name, p.avatar_url, p.role
		FROM conversation_participants cp
		JOIN profiles p ON p.id = cp.profile_id
		WHERE cp.conversation_id = ANY($1::uuid[])
		ORDER BY cp.conversation_id, cp.joined_at, cp.profile_id
	`

	rows, err := r.db.Query(ctx, query, uuidStrings(conversationIDs))
	if err != nil {
		r.log.Error("Failed to load participants", "error", err)
		return nil, apperrors.Persistence("load participants", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &domain.Participant{Profile: &domain.Profile{}}
		if err := rows.Scan(
			&p.ConversationID, &p.ProfileID, &p.JoinedAt, &p.LastReadAt,
			&p.Profile.FullName, &p.Profile.AvatarURL, &p.Profile.Role,
		); err != nil {
			r.log.Error("Failed to scan participant", "error", err)
			return nil, apperrors.Persistence("scan participant", err)
		}
		p.Profile.ID = p.ProfileID
		result[p.ConversationID] = append(result[p.ConversationID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Persistence("load participants", err)
	}
	return result, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
