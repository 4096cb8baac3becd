package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

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

// fakeStore backs both repository fakes so membership checks and message
// writes see the same conversations.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
	messages      map[uuid.UUID]*domain.Message
	seq           int64
	calls         int
	createErr     error
	// now stamps messages at insert, like the database clock.
	now func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[uuid.UUID]*domain.Conversation),
		messages:      make(map[uuid.UUID]*domain.Message),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (f *fakeStore) addConversation(status string, members ...uuid.UUID) *domain.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := &domain.Conversation{ID: uuid.New(), Status: status}
	for _, id := range members {
		conv.Participants = append(conv.Participants, &domain.Participant{
			ConversationID: conv.ID,
			ProfileID:      id,
			Profile:        &domain.Profile{ID: id, FullName: "User " + id.String()[:4]},
		})
	}
	f.conversations[conv.ID] = conv
	return conv
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeConversationRepo struct{ *fakeStore }

func (r fakeConversationRepo) Create(_ context.Context, conv *domain.Conversation, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, id := range ids {
		conv.Participants = append(conv.Participants, &domain.Participant{ConversationID: conv.ID, ProfileID: id})
	}
	r.conversations[conv.ID] = conv
	return nil
}

func (r fakeConversationRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	conv, ok := r.conversations[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	cp := *conv
	return &cp, nil
}

func (r fakeConversationRepo) ListForUser(_ context.Context, userID uuid.UUID) ([]*domain.ConversationSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []*domain.ConversationSummary
	for _, c := range r.conversations {
		if c.HasParticipant(userID) {
			out = append(out, domain.NewConversationSummary(*c, userID, time.Time{}, nil, 0))
		}
	}
	return out, nil
}

func (r fakeConversationRepo) IsParticipant(_ context.Context, conversationID, userID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	c, ok := r.conversations[conversationID]
	return ok && c.HasParticipant(userID), nil
}

func (r fakeConversationRepo) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	c, ok := r.conversations[id]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	c.Status = status
	return nil
}

type fakeChatRepo struct{ *fakeStore }

func (r fakeChatRepo) CreateMessage(_ context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.messages[m.ID]; ok {
		return repository.ErrDuplicateMessage
	}
	r.seq++
	m.Seq = r.seq
	m.CreatedAt = r.now()
	for _, a := range m.Attachments {
		a.CreatedAt = m.CreatedAt
	}
	cp := *m
	r.messages[m.ID] = &cp
	return nil
}

func (r fakeChatRepo) GetMessages(_ context.Context, conversationID uuid.UUID, page domain.MessagePage) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []*domain.Message
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.Seq > page.AfterSeq {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return domain.MessageLess(out[i], out[j]) })
	if len(out) > page.Limit {
		out = out[len(out)-page.Limit:]
	}
	return out, nil
}

func (r fakeChatRepo) GetMessageByID(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	m, ok := r.messages[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	return m, nil
}

func (r fakeChatRepo) MarkAsRead(_ context.Context, conversationID, userID uuid.UUID) ([]domain.ReadReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var receipts []domain.ReadReceipt
	for _, m := range r.messages {
		if m.ConversationID != conversationID {
			continue
		}
		readBy := domain.NewReadBy(m.Metadata.ReadBy.IDs()...)
		if readBy.Add(userID) {
			m.Metadata.ReadBy = readBy
			receipts = append(receipts, domain.ReadReceipt{MessageID: m.ID, ReadBy: readBy})
		}
	}
	return receipts, nil
}

type recordingRealtime struct {
	mu     sync.Mutex
	events []realtime.Event
	err    error
}

func (p *recordingRealtime) Publish(_ context.Context, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type recordingEvents struct {
	mu        sync.Mutex
	envelopes []events.Envelope
	err       error
}

func (p *recordingEvents) Publish(_ context.Context, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return p.err
}

func (p *recordingEvents) Close() error { return nil }

// gatedBlobs holds every upload until release is closed.
type gatedBlobs struct {
	*storage.MemoryStore
	started chan struct{}
	release chan struct{}
}

func (b *gatedBlobs) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	b.started <- struct{}{}
	<-b.release
	return b.MemoryStore.Put(ctx, key, contentType, body, size)
}

// failingBlobs accepts the first n uploads and fails after that.
type failingBlobs struct {
	*storage.MemoryStore
	n int
}

func (b *failingBlobs) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	if b.n == 0 {
		return errors.New("bucket unavailable")
	}
	b.n--
	return b.MemoryStore.Put(ctx, key, contentType, body, size)
}

type harness struct {
	store    *fakeStore
	limiter  repository.RateLimitRepository
	blobs    *storage.MemoryStore
	realtime *recordingRealtime
	events   *recordingEvents
	cfg      config.ChatConfig
	chat     ChatService
	rate     RateLimitService
}

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		RateLimitQuota:     100,
		RateLimitWindow:    24 * time.Hour,
		MaxBodyLength:      5000,
		MaxAttachments:     5,
		MaxAttachmentBytes: 1 << 20,
		HistoryPageSize:    200,
		SendTimeout:        time.Second,
	}
}

func newHarness(cfg config.ChatConfig) *harness {
	h := &harness{
		store:    newFakeStore(),
		limiter:  repository.NewMemoryRateLimitRepository(nil),
		blobs:    storage.NewMemoryStore(),
		realtime: &recordingRealtime{},
		events:   &recordingEvents{},
		cfg:      cfg,
	}
	h.rate = NewRateLimitService(h.limiter, cfg, logger.Nop())
	h.chat = NewChatService(
		fakeChatRepo{h.store},
		fakeConversationRepo{h.store},
		h.rate,
		h.blobs,
		h.realtime,
		h.events,
		cfg,
		logger.Nop(),
	)
	return h
}
