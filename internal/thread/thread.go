// Package thread keeps the client-side view of one open conversation:
// persisted messages merged with optimistic sends, deduplicated by id.
package thread

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"marketplace_chat/internal/domain"
	apperrors "marketplace_chat/pkg/errors"
)

type State string

const (
	StateComposing State = "composing"
	StateSending   State = "sending"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
)

var (
	ErrInFlight     = errors.New("message is already being sent")
	ErrAlreadySent  = errors.New("message was already sent")
	ErrUnknownEntry = errors.New("no such entry")
	ErrNotRetryable = errors.New("only failed messages can be retried")
	ErrTimedOut     = errors.New("send timed out")
)

// Entry is one line of the thread. Message is nil until the server confirms it.
type Entry struct {
	ID              uuid.UUID       `json:"id"`
	State           State           `json:"state"`
	Read            bool            `json:"read"`
	Body            string          `json:"body"`
	AttachmentCount int             `json:"attachment_count"`
	Error           string          `json:"error,omitempty"`
	Message         *domain.Message `json:"message,omitempty"`

	startedAt time.Time
	order     int64
}

func (e *Entry) persisted() bool {
	return e.Message != nil
}

type Thread struct {
	conversationID uuid.UUID
	viewerID       uuid.UUID
	now            func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	counter int64
}

type Option func(*Thread)

func WithClock(now func() time.Time) Option {
	return func(t *Thread) { t.now = now }
}

func New(conversationID, viewerID uuid.UUID, opts ...Option) *Thread {
	t := &Thread{
		conversationID: conversationID,
		viewerID:       viewerID,
		now:            time.Now,
		entries:        make(map[uuid.UUID]*Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Thread) ConversationID() uuid.UUID {
	return t.conversationID
}

// Load merges authoritative history. Pending sends that the history already
// contains become persisted; other pending sends are kept.
func (t *Thread) Load(messages []*domain.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range messages {
		t.upsertLocked(m, StateDelivered)
	}
}

// BeginSend appends an optimistic entry in the sending state.
func (t *Thread) BeginSend(id uuid.UUID, body string, attachmentCount int) (Entry, error) {
	if strings.TrimSpace(body) == "" && attachmentCount == 0 {
		return Entry{}, apperrors.NewValidationError("body", "message must have a body or at least one attachment")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		if e.persisted() {
			return Entry{}, ErrAlreadySent
		}
		return Entry{}, ErrInFlight
	}

	t.counter++
	e := &Entry{
		ID:              id,
		State:           StateSending,
		Body:            body,
		AttachmentCount: attachmentCount,
		startedAt:       t.now(),
		order:           t.counter,
	}
	t.entries[id] = e
	return *e, nil
}

// Confirm records the server's answer to a send.
func (t *Thread) Confirm(msg *domain.Message) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.upsertLocked(msg, StateSent)
}

// Fail moves a sending entry to failed. It reports false for any other state,
// so a late failure never overrides a realtime confirmation.
func (t *Thread) Fail(id uuid.UUID, cause error) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || e.State != StateSending {
		return Entry{}, false
	}
	e.State = StateFailed
	if cause != nil {
		e.Error = cause.Error()
	}
	return *e, true
}

// Retry moves a failed entry back to sending and returns it.
func (t *Thread) Retry(id uuid.UUID) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Entry{}, ErrUnknownEntry
	}
	if e.State != StateFailed {
		if e.State == StateSending {
			return Entry{}, ErrInFlight
		}
		return Entry{}, ErrNotRetryable
	}
	e.State = StateSending
	e.Error = ""
	e.startedAt = t.now()
	return *e, nil
}

// Apply merges a realtime insert. It reports whether the thread changed;
// a repeated insert for a known message only refreshes its data.
func (t *Thread) Apply(msg *domain.Message) bool {
	if msg == nil || msg.ConversationID != t.conversationID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[msg.ID]
	known := ok && existing.persisted()
	t.upsertLocked(msg, StateDelivered)
	return !known
}

// ApplyReadBy replaces a message's read-by set. Unknown ids are ignored.
func (t *Thread) ApplyReadBy(messageID uuid.UUID, readBy domain.ReadBy) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok || !e.persisted() {
		return Entry{}, false
	}
	updated := *e.Message
	updated.Metadata.ReadBy = readBy
	e.Message = &updated
	t.refreshLocked(e)
	return *e, true
}

// ExpirePending fails sends that started more than timeout before now.
func (t *Thread) ExpirePending(now time.Time, timeout time.Duration) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Entry
	for _, e := range t.entries {
		if e.State == StateSending && now.Sub(e.startedAt) > timeout {
			e.State = StateFailed
			e.Error = ErrTimedOut.Error()
			expired = append(expired, *e)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].order < expired[j].order })
	return expired
}

// Entries returns a snapshot: persisted messages in (created_at, seq) order,
// then pending sends in the order they were started.
func (t *Thread) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.persisted() && b.persisted():
			return domain.MessageLess(a.Message, b.Message)
		case a.persisted() != b.persisted():
			return a.persisted()
		default:
			return a.order < b.order
		}
	})
	return out
}

func (t *Thread) Entry(id uuid.UUID) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// upsertLocked stores msg under its id. state is where a fresh or pending
// entry lands; an entry never moves backwards along the state machine.
func (t *Thread) upsertLocked(msg *domain.Message, state State) *Entry {
	stored := *msg
	e, ok := t.entries[msg.ID]
	if !ok {
		t.counter++
		e = &Entry{ID: msg.ID, order: t.counter}
		t.entries[msg.ID] = e
	}

	e.Message = &stored
	e.Body = stored.Body
	e.AttachmentCount = len(stored.Attachments)
	e.Error = ""
	if rank(state) > rank(e.State) {
		e.State = state
	}
	t.refreshLocked(e)
	return e
}

func (t *Thread) refreshLocked(e *Entry) {
	e.Read = e.Message.IsRead()
	if e.Read && e.Message.SenderID == t.viewerID {
		e.State = StateRead
	}
}

func rank(s State) int {
	switch s {
	case StateComposing:
		return 0
	case StateSending, StateFailed:
		return 1
	case StateSent:
		return 2
	case StateDelivered:
		return 3
	case StateRead:
		return 4
	}
	return -1
}
