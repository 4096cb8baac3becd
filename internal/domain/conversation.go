package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Profile is the marketplace account behind a participant (guide, agency, DMC, transport, traveller).
type Profile struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"full_name"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	Role      string    `json:"role"`
}

const unknownProfileName = "Unknown user"

func (p *Profile) DisplayName() string {
	if p == nil || p.FullName == "" {
		return unknownProfileName
	}
	return p.FullName
}

type Conversation struct {
	ID           uuid.UUID      `json:"id"`
	Subject      *string        `json:"subject,omitempty"`
	Status       string         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Participants []*Participant `json:"participants"`
}

type Participant struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	ProfileID      uuid.UUID  `json:"profile_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	Profile        *Profile   `json:"profile,omitempty"`
}

const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

func ValidConversationStatus(status string) bool {
	return status == ConversationStatusActive || status == ConversationStatusArchived
}

func (c *Conversation) HasParticipant(profileID uuid.UUID) bool {
	return c.Participant(profileID) != nil
}

func (c *Conversation) Participant(profileID uuid.UUID) *Participant {
	for _, p := range c.Participants {
		if p.ProfileID == profileID {
			return p
		}
	}
	return nil
}

// Others returns the participants other than viewerID, in membership order.
func (c *Conversation) Others(viewerID uuid.UUID) []*Participant {
	others := make([]*Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ProfileID != viewerID {
			others = append(others, p)
		}
	}
	return others
}

// Title is the subject when set, otherwise a label built from the other participants:
// "Name" for one, "Name +N" for more. A conversation with nobody else is titled
// after the viewer.
func (c *Conversation) Title(viewerID uuid.UUID) string {
	if c.Subject != nil && *c.Subject != "" {
		return *c.Subject
	}
	others := c.Others(viewerID)
	switch len(others) {
	case 0:
		if self := c.Participant(viewerID); self != nil {
			return self.Profile.DisplayName()
		}
		return unknownProfileName
	case 1:
		return others[0].Profile.DisplayName()
	default:
		return fmt.Sprintf("%s +%d", others[0].Profile.DisplayName(), len(others)-1)
	}
}

// ConversationSummary is a conversation as shown in a user's conversation list.
type ConversationSummary struct {
	Conversation
	Title             string    `json:"title"`
	OtherParticipants []string  `json:"other_participants"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	LastMessage       *string   `json:"last_message,omitempty"`
	UnreadCount       int       `json:"unread_count"`
	Unread            bool      `json:"unread"`
}

// NewConversationSummary derives the display fields for viewerID.
func NewConversationSummary(conv Conversation, viewerID uuid.UUID, lastActivity time.Time, lastMessage *string, unreadCount int) *ConversationSummary {
	others := conv.Others(viewerID)
	names := make([]string, 0, len(others))
	for _, p := range others {
		names = append(names, p.Profile.DisplayName())
	}
	if lastActivity.IsZero() {
		lastActivity = conv.UpdatedAt
	}
	return &ConversationSummary{
		Conversation:      conv,
		Title:             conv.Title(viewerID),
		OtherParticipants: names,
		LastActivityAt:    lastActivity,
		LastMessage:       lastMessage,
		UnreadCount:       unreadCount,
		Unread:            unreadCount > 0,
	}
}
