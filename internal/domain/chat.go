package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID             uuid.UUID       `json:"id"`
	Seq            int64           `json:"seq"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Body           string          `json:"body"`
	Metadata       MessageMetadata `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
	Sender         *Profile        `json:"sender,omitempty"`
	Attachments    []*Attachment   `json:"attachments"`
}

type MessageMetadata struct {
	ReadBy ReadBy `json:"read_by"`
}

// IsRead is true once someone besides the sender has seen the message.
func (m *Message) IsRead() bool {
	return m.Metadata.ReadBy.IsRead()
}

// MessageLess orders messages by persistence order: creation time, then insertion seq.
func MessageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID.String() < b.ID.String()
}

// ReadBy is the ordered set of participants that have viewed a message.
// The zero value is an empty set.
type ReadBy struct {
	ids []uuid.UUID
}

func NewReadBy(ids ...uuid.UUID) ReadBy {
	var r ReadBy
	for _, id := range ids {
		r.Add(id)
	}
	return r
}

// Add inserts id and reports whether the set changed.
func (r *ReadBy) Add(id uuid.UUID) bool {
	if id == uuid.Nil || r.Contains(id) {
		return false
	}
	r.ids = append(r.ids, id)
	return true
}

func (r ReadBy) Contains(id uuid.UUID) bool {
	for _, existing := range r.ids {
		if existing == id {
			return true
		}
	}
	return false
}

func (r ReadBy) Len() int {
	return len(r.ids)
}

func (r ReadBy) IDs() []uuid.UUID {
	out := make([]uuid.UUID, len(r.ids))
	copy(out, r.ids)
	return out
}

func (r ReadBy) IsRead() bool {
	return len(r.ids) > 1
}

func (r ReadBy) MarshalJSON() ([]byte, error) {
	if r.ids == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.ids)
}

func (r *ReadBy) UnmarshalJSON(data []byte) error {
	var ids []uuid.UUID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*r = NewReadBy(ids...)
	return nil
}

// ReadReceipt is the new read-by state of one message after a mark-as-read.
type ReadReceipt struct {
	MessageID uuid.UUID `json:"message_id"`
	ReadBy    ReadBy    `json:"read_by"`
}

// MessagePage selects a range of a conversation's history.
// AfterSeq > 0 returns only messages inserted after that seq.
type MessagePage struct {
	Limit    int
	AfterSeq int64
}
