package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"marketplace_chat/pkg/logger"
)

// DB is the subset of *pgxpool.Pool the repositories use.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repositories struct {
	Conversation ConversationRepository
	Chat         ChatRepository
	RateLimit    RateLimitRepository
}

// NewRepositories wires the gateway. A nil redis client selects the in-process
// rate limit store, which is only correct for a single server instance.
func NewRepositories(db DB, rdb redis.UniversalClient, log logger.Logger) *Repositories {
	repos := &Repositories{
		Conversation: NewConversationRepository(db, log),
		Chat:         NewChatRepository(db, log),
	}

	if rdb != nil {
		repos.RateLimit = NewRateLimitRepository(rdb, log)
		log.Info("Rate limit store: redis")
	} else {
		repos.RateLimit = NewMemoryRateLimitRepository(nil)
		log.Warn("Rate limit store: memory, counters are not shared between instances")
	}

	return repos
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
