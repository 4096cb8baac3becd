package domain

import (
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AttachmentKind string

const (
	AttachmentKindImage    AttachmentKind = "image"
	AttachmentKindDocument AttachmentKind = "document"
)

var allowedAttachmentTypes = map[string]AttachmentKind{
	"image/jpeg":         AttachmentKindImage,
	"image/png":          AttachmentKindImage,
	"image/gif":          AttachmentKindImage,
	"image/webp":         AttachmentKindImage,
	"application/pdf":    AttachmentKindDocument,
	"application/msword": AttachmentKindDocument,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": AttachmentKindDocument,
}

// NormalizeContentType strips parameters and lowercases a media type.
func NormalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

// ResolveAttachmentKind maps an allowed content type to its kind.
func ResolveAttachmentKind(contentType string) (AttachmentKind, bool) {
	kind, ok := allowedAttachmentTypes[NormalizeContentType(contentType)]
	return kind, ok
}

type Attachment struct {
	ID          uuid.UUID      `json:"id"`
	MessageID   uuid.UUID      `json:"message_id"`
	StoragePath string         `json:"storage_path"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Kind        AttachmentKind `json:"kind"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewAttachment builds the metadata row; content type must already be validated.
func NewAttachment(id, messageID uuid.UUID, storagePath, contentType string, size int64, createdAt time.Time) *Attachment {
	contentType = NormalizeContentType(contentType)
	kind, _ := ResolveAttachmentKind(contentType)
	return &Attachment{
		ID:          id,
		MessageID:   messageID,
		StoragePath: storagePath,
		ContentType: contentType,
		SizeBytes:   size,
		Kind:        kind,
		CreatedAt:   createdAt,
	}
}
